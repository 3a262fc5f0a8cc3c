// Package run defines the run model: the top-level execution of the pipeline
// for one briefing within one worktree, persisted as run.json in the run
// directory.
package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mwhitaker/crew/internal/util"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusBootstrapping    Status = "bootstrapping"
	StatusRunning          Status = "running"
	StatusAwaitingFollowUp Status = "awaiting_follow_up"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// Mode selects the briefing interpretation.
type Mode string

const (
	ModeImplementFeature Mode = "implement_feature"
	ModeBugHunt          Mode = "bug_hunt"
)

// RunsDirName is the directory under the worktree root that holds all runs.
// The layout below it is compatibility-critical:
//
//	<worktree>/codex-runs/<runId>/
//	  run.json
//	  tasks/<taskId>.json
//	  conversations/<taskId>.log
//	  artifacts/<taskId>/<path>
//	  .lock
const RunsDirName = "codex-runs"

// ManifestName is the run manifest file name.
const ManifestName = "run.json"

// Run is the durable run manifest.
type Run struct {
	RunID       string    `json:"runId"`
	WorktreeID  string    `json:"worktreeId"`
	EpicID      string    `json:"epicId,omitempty"`
	Status      Status    `json:"status"`
	Mode        Mode      `json:"mode"`
	Description string    `json:"description"`
	Guidance    string    `json:"guidance,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// New creates a run in the idle state with fresh run and epic ids.
func New(worktreeID string, mode Mode, description, guidance string) *Run {
	now := time.Now().UTC()
	return &Run{
		RunID:       "run-" + uuid.NewString()[:8],
		WorktreeID:  worktreeID,
		EpicID:      "epic-" + uuid.NewString()[:8],
		Status:      StatusIdle,
		Mode:        mode,
		Description: description,
		Guidance:    guidance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsActive reports whether the run is still progressing work.
func (r *Run) IsActive() bool {
	switch r.Status {
	case StatusBootstrapping, StatusRunning, StatusAwaitingFollowUp:
		return true
	}
	return false
}

// Dir returns the run directory under the worktree root.
func (r *Run) Dir(worktree string) string {
	return filepath.Join(worktree, RunsDirName, r.RunID)
}

// Save writes the run manifest atomically.
func (r *Run) Save(worktree string) error {
	r.UpdatedAt = time.Now().UTC()
	path := filepath.Join(r.Dir(worktree), ManifestName)
	if err := util.AtomicWriteJSON(path, r, 0644); err != nil {
		return fmt.Errorf("save run manifest: %w", err)
	}
	return nil
}

// Load reads a run manifest from a run directory.
func Load(runDir string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read run manifest: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse run manifest: %w", err)
	}
	if r.RunID == "" {
		return nil, fmt.Errorf("run manifest %s: missing runId", runDir)
	}
	return &r, nil
}

// LoadLatest scans the worktree's runs directory and returns the most
// recently created run, or nil when no run exists. The run controller uses
// this on startup to rebuild the projection from disk.
func LoadLatest(worktree string) (*Run, error) {
	root := filepath.Join(worktree, RunsDirName)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs directory: %w", err)
	}

	var latest *Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := Load(filepath.Join(root, e.Name()))
		if err != nil {
			// A run directory without a readable manifest is skipped, not
			// fatal; the remaining runs still load.
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, nil
}
