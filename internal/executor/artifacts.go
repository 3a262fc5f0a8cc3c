package executor

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
	"github.com/mwhitaker/crew/internal/util"
)

// artifactSink writes worker artifacts under the run's artifact directory
// and records their repo-relative paths in arrival order.
//
// Two policies apply before any byte hits disk: the path must stay inside
// the worktree (no absolute paths, no .. escapes) and must match one of the
// configured allow-list patterns.
type artifactSink struct {
	worktree string
	runID    string
	taskID   string
	patterns []string
	paths    []string
}

func newArtifactSink(worktree, runID, taskID string, patterns []string) *artifactSink {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	return &artifactSink{
		worktree: worktree,
		runID:    runID,
		taskID:   taskID,
		patterns: patterns,
	}
}

// Write validates rel against the escape and allow-list policies and writes
// the artifact atomically.
func (s *artifactSink) Write(rel string, contents []byte) error {
	if err := task.ValidateArtifactPath(rel); err != nil {
		return fault.Wrap(fault.Validation, err, "artifact rejected")
	}

	matched := false
	for _, pattern := range s.patterns {
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return fault.Wrap(fault.Validation, err, "bad artifact pattern %q", pattern)
		}
		if ok {
			matched = true
			break
		}
	}
	if !matched {
		return fault.New(fault.Validation, "artifact %q matches no allowed pattern", rel)
	}

	abs := filepath.Join(ArtifactsDir(s.worktree, s.runID, s.taskID), filepath.FromSlash(rel))
	if err := util.AtomicWriteFile(abs, contents, 0644); err != nil {
		return fault.Wrap(fault.Storage, err, "write artifact %s", rel)
	}
	s.paths = append(s.paths, ArtifactRelPath(s.runID, s.taskID, rel))
	return nil
}

// Paths returns the recorded repo-relative artifact paths in write order.
func (s *artifactSink) Paths() []string {
	return append([]string(nil), s.paths...)
}
