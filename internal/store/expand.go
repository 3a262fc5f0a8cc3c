package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mwhitaker/crew/internal/convo"
	"github.com/mwhitaker/crew/internal/task"
)

// SeedAnalysis idempotently creates the two analyst seed tasks for an epic.
// Both start ready with no dependencies. Calling it again for the same epic
// is a no-op.
func (s *Store) SeedAnalysis(epicID, description, guidance string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntriesLocked()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Task.EpicID == epicID && e.Task.Kind == task.KindAnalysis {
			return nil, nil // already seeded
		}
	}

	var seeded []*task.Task
	for _, role := range []task.Role{task.RoleAnalystA, task.RoleAnalystB} {
		t := s.newTask(epicID, role, analysisTitle(role), analysisPrompt(role, description, guidance), nil, 0)
		if err := s.writeLocked(t); err != nil {
			return nil, err
		}
		seeded = append(seeded, t)
	}
	return seeded, nil
}

// EnsureWorkflowExpansion runs the pipeline state machine over the run's
// tasks and returns true iff it created or mutated any record.
//
// Rules, applied per epic and guarded by existence checks so concurrent
// expanders stay idempotent:
//  1. both analysts satisfied and no consensus task -> create consensus
//  2. consensus satisfied and no splitter task     -> create splitter
//  3. splitter satisfied and no impl/test/review   -> create all three
//
// The whole window runs under the run directory's exclusive lock file, so
// two processes never expand the same run concurrently.
func (s *Store) EnsureWorkflowExpansion() (bool, error) {
	if err := s.lock.Acquire(); err != nil {
		var held *LockHeldError
		if errors.As(err, &held) {
			// Another expander is active; it will perform any pending work.
			return false, nil
		}
		return false, err
	}
	defer func() { _ = s.lock.Release() }()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntriesLocked()
	if err != nil {
		return false, err
	}

	changed := false
	for _, epicID := range epicsOf(entries) {
		epicChanged, err := s.expandEpic(epicID, entries)
		if err != nil {
			return changed, err
		}
		if epicChanged {
			changed = true
			// Re-read so later rules in the same pass see new tasks.
			entries, err = s.readEntriesLocked()
			if err != nil {
				return changed, err
			}
		}
	}

	if s.promoteSatisfied(entries) {
		changed = true
	}
	return changed, nil
}

func (s *Store) expandEpic(epicID string, entries []Entry) (bool, error) {
	byKind := make(map[task.Kind][]*task.Task)
	for _, e := range entries {
		if e.Task.EpicID == epicID {
			byKind[e.Task.Kind] = append(byKind[e.Task.Kind], e.Task)
		}
	}

	// Rule 1: analysis -> consensus.
	analysts := byKind[task.KindAnalysis]
	if len(byKind[task.KindConsensus]) == 0 && len(analysts) == 2 && allSatisfied(analysts) {
		deps := []string{analysts[0].ID, analysts[1].ID}
		t := s.newTask(epicID, task.RoleConsensusBuilder,
			"Build consensus from both analyses",
			consensusPrompt(analysts), deps, 0)
		return true, s.writeLocked(t)
	}

	// Rule 2: consensus -> splitter.
	consensus := byKind[task.KindConsensus]
	if len(byKind[task.KindSplit]) == 0 && len(consensus) == 1 && allSatisfied(consensus) {
		t := s.newTask(epicID, task.RoleSplitter,
			"Split the agreed plan into implementation work",
			splitterPrompt(consensus[0]), []string{consensus[0].ID}, 0)
		return true, s.writeLocked(t)
	}

	// Rule 3: splitter -> impl/test/review fanout.
	splitters := byKind[task.KindSplit]
	noFanout := len(byKind[task.KindImpl]) == 0 && len(byKind[task.KindTest]) == 0 && len(byKind[task.KindReview]) == 0
	if noFanout && len(splitters) == 1 && allSatisfied(splitters) {
		impl := s.newTask(epicID, task.RoleImplementer,
			"Implement the planned change",
			implPrompt(splitters[0]), []string{splitters[0].ID}, 0)
		if err := s.writeLocked(impl); err != nil {
			return false, err
		}

		test := s.newTask(epicID, task.RoleTester,
			"Run the test suite against the implementation",
			testPrompt(), []string{impl.ID}, 0)
		test.Status = task.StatusBlocked // promoted once impl completes
		if err := s.writeLocked(test); err != nil {
			return true, err
		}

		review := s.newTask(epicID, task.RoleReviewer,
			"Review the implementation and test results",
			reviewPrompt(), []string{impl.ID, test.ID}, 1)
		review.Status = task.StatusBlocked
		return true, s.writeLocked(review)
	}

	return false, nil
}

// promoteSatisfied moves dependency-blocked tasks to ready once every
// dependency is done or approved. Tasks blocked by a terminal outcome or an
// exhausted retry budget stay blocked.
func (s *Store) promoteSatisfied(entries []Entry) bool {
	statuses := make(map[string]task.Status, len(entries))
	for _, e := range entries {
		statuses[e.Task.ID] = e.Task.Status
	}

	changed := false
	for _, e := range entries {
		t := e.Task
		if t.Status != task.StatusBlocked || t.Outcome != nil {
			continue
		}
		if !t.DepsSatisfied(statuses) {
			continue
		}
		t.Status = task.StatusReady
		if err := s.writeLocked(t); err != nil {
			s.reportError(err)
			continue
		}
		changed = true
	}
	return changed
}

func (s *Store) newTask(epicID string, role task.Role, title, prompt string, deps []string, approvalsRequired int) *task.Task {
	id := task.NewID(role)
	now := time.Now().UTC()
	return &task.Task{
		ID:                id,
		RunID:             s.runID,
		EpicID:            epicID,
		Kind:              task.KindForRole[role],
		Role:              role,
		Status:            task.StatusReady,
		Title:             title,
		Prompt:            prompt,
		WorkDir:           s.worktree,
		DependsOn:         deps,
		ApprovalsRequired: approvalsRequired,
		ConversationPath:  convo.Path(id),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func epicsOf(entries []Entry) []string {
	seen := make(map[string]bool)
	var epics []string
	for _, e := range entries {
		if !seen[e.Task.EpicID] {
			seen[e.Task.EpicID] = true
			epics = append(epics, e.Task.EpicID)
		}
	}
	return epics
}

func allSatisfied(tasks []*task.Task) bool {
	for _, t := range tasks {
		if !t.Status.IsSatisfied() {
			return false
		}
	}
	return true
}

func analysisTitle(role task.Role) string {
	if role == task.RoleAnalystA {
		return "Analyze the briefing (perspective A)"
	}
	return "Analyze the briefing (perspective B)"
}

func analysisPrompt(role task.Role, description, guidance string) string {
	p := fmt.Sprintf(`You are %s. Analyze the following briefing against the repository in your working directory and produce an analysis document describing the affected code, risks, and a proposed approach.

Briefing:
%s
`, role, description)
	if guidance != "" {
		p += "\nAdditional guidance:\n" + guidance + "\n"
	}
	return p
}

func consensusPrompt(analysts []*task.Task) string {
	p := "Two independent analyses of the briefing are complete. Reconcile them into a single agreed plan, noting where the analyses diverged and which position was adopted.\n"
	for _, a := range analysts {
		if a.Summary != "" {
			p += fmt.Sprintf("\n%s summary: %s\n", a.Role, a.Summary)
		}
	}
	return p
}

func splitterPrompt(consensus *task.Task) string {
	p := "Take the agreed plan and split it into a concrete implementation work order: files to change, tests to add, and acceptance criteria for review.\n"
	if consensus.Summary != "" {
		p += "\nConsensus summary: " + consensus.Summary + "\n"
	}
	return p
}

func implPrompt(splitter *task.Task) string {
	p := "Implement the work order in the working copy. Commit nothing; write the changes to disk and produce a summary of what changed.\n"
	if splitter.Summary != "" {
		p += "\nWork order summary: " + splitter.Summary + "\n"
	}
	return p
}

func testPrompt() string {
	return "Run the configured test command against the working copy and report the results."
}

func reviewPrompt() string {
	return "Review the implementation diff and the test results. Approve if the work order is satisfied; otherwise request changes with concrete reasons."
}
