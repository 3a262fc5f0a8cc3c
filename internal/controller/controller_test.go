package controller

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/convo"
	"github.com/mwhitaker/crew/internal/executor"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/store"
	"github.com/mwhitaker/crew/internal/task"
)

// newTestController builds a controller that never spawns workers, so runs
// can be driven through their verbs without an agent binary.
func newTestController(t *testing.T, worktree string) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.AutoStartWorkers = false
	c := New(Options{
		Worktree:   worktree,
		WorktreeID: "wt-test",
		Config:     cfg,
	})
	t.Cleanup(c.Close)
	return c
}

func startRun(t *testing.T, c *Controller) *run.Run {
	t.Helper()
	r, err := c.StartRun(t.Context(), run.ModeImplementFeature, "add caching", "prefer LRU")
	require.NoError(t, err)
	return r
}

// seedReview plants an approvable review task in the active run's store.
func seedReview(t *testing.T, c *Controller, id string) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID:                id,
		RunID:             c.run.RunID,
		EpicID:            c.run.EpicID,
		Kind:              task.KindReview,
		Role:              task.RoleReviewer,
		Status:            task.StatusAwaitingReview,
		Title:             "review the change",
		Prompt:            "review",
		ApprovalsRequired: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, c.st.WriteRecord(tk))
	return tk
}

func TestStartRun(t *testing.T) {
	wt := t.TempDir()
	c := newTestController(t, wt)

	r := startRun(t, c)
	assert.Equal(t, run.StatusRunning, r.Status)

	// The run directory tree is in place.
	for _, sub := range []string{store.TasksDirName, convo.DirName, executor.ArtifactsDirName} {
		info, err := os.Stat(filepath.Join(r.Dir(wt), sub))
		require.NoError(t, err, "missing %s", sub)
		assert.True(t, info.IsDir())
	}

	// Both analysts are seeded and visible.
	tasks, err := c.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, tk := range tasks {
		assert.Equal(t, task.KindAnalysis, tk.Kind)
		assert.Equal(t, task.StatusReady, tk.Status)
	}

	// The briefing opens the run thread.
	entries, err := c.TaskConversation(RunThreadID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "add caching", entries[0].Message)

	snap := c.Snapshot()
	require.NotNil(t, snap.Run)
	assert.Equal(t, r.RunID, snap.Run.RunID)
	assert.Len(t, snap.Tasks, 2)
}

func TestStartRun_Validation(t *testing.T) {
	c := newTestController(t, t.TempDir())

	_, err := c.StartRun(t.Context(), run.ModeImplementFeature, "", "")
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = c.StartRun(t.Context(), run.Mode("mystery"), "desc", "")
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestStartRun_ConflictWhileActive(t *testing.T) {
	c := newTestController(t, t.TempDir())
	startRun(t, c)

	_, err := c.StartRun(t.Context(), run.ModeBugHunt, "something else", "")
	require.Error(t, err)
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
}

func TestStartRun_SupersedesInactive(t *testing.T) {
	c := newTestController(t, t.TempDir())
	first := startRun(t, c)
	require.NoError(t, c.StopRun(t.Context()))

	second, err := c.StartRun(t.Context(), run.ModeImplementFeature, "second briefing", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	// Only the new run's tasks remain in the view.
	snap := c.Snapshot()
	require.Len(t, snap.Tasks, 2)
	for _, tk := range snap.Tasks {
		assert.Equal(t, second.RunID, tk.RunID)
	}
}

func TestStopRun(t *testing.T) {
	wt := t.TempDir()
	c := newTestController(t, wt)

	err := c.StopRun(t.Context())
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))

	r := startRun(t, c)
	require.NoError(t, c.StopRun(t.Context()))

	loaded, err := run.Load(r.Dir(wt))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, loaded.Status)

	// Stopping again is a no-op.
	assert.NoError(t, c.StopRun(t.Context()))
}

func TestApproveTask(t *testing.T) {
	c := newTestController(t, t.TempDir())
	startRun(t, c)
	tk := seedReview(t, c, "reviewer-1")

	approved, err := c.ApproveTask(t.Context(), tk.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, approved.Status)
	assert.Equal(t, []string{"alice"}, approved.Approvals)

	// The approved review parks the run for follow-up.
	assert.Equal(t, run.StatusAwaitingFollowUp, c.run.Status)

	// Approving again with the same approver changes nothing.
	again, err := c.ApproveTask(t.Context(), tk.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.Approvals)

	entries, err := c.TaskConversation(tk.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "approver:alice", entries[0].Author)
}

func TestApproveTask_WrongState(t *testing.T) {
	c := newTestController(t, t.TempDir())
	startRun(t, c)

	tasks, err := c.Tasks()
	require.NoError(t, err)

	// A ready analysis task has nothing to approve.
	_, err = c.ApproveTask(t.Context(), tasks[0].ID, "alice")
	require.Error(t, err)
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))

	_, err = c.ApproveTask(t.Context(), tasks[0].ID, "")
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestCommentOnTask(t *testing.T) {
	c := newTestController(t, t.TempDir())
	startRun(t, c)
	tk := seedReview(t, c, "reviewer-1")

	entry, err := c.CommentOnTask(t.Context(), tk.ID, "alice", "please split this function")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Author)

	// The comment sends the reviewed task back for changes.
	current, err := c.st.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusChangesRequested, current.Status)

	_, err = c.CommentOnTask(t.Context(), tk.ID, "alice", "")
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = c.CommentOnTask(t.Context(), "no-such-task", "alice", "hello")
	assert.Error(t, err)
}

func TestSubmitFollowUp(t *testing.T) {
	c := newTestController(t, t.TempDir())
	startRun(t, c)

	// While work is in flight the follow-up becomes guidance.
	r, err := c.SubmitFollowUp(t.Context(), "also cover the cache eviction path")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Equal(t, "also cover the cache eviction path", r.Guidance)

	// Park the run, then follow up: a fresh epic is seeded.
	tk := seedReview(t, c, "reviewer-1")
	_, err = c.ApproveTask(t.Context(), tk.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingFollowUp, c.run.Status)

	oldEpic := c.run.EpicID
	r, err = c.SubmitFollowUp(t.Context(), "now add metrics")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.NotEqual(t, oldEpic, r.EpicID)

	tasks, err := c.Tasks()
	require.NoError(t, err)
	seeded := 0
	for _, tk := range tasks {
		if tk.EpicID == r.EpicID && tk.Kind == task.KindAnalysis {
			seeded++
		}
	}
	assert.Equal(t, 2, seeded)
}

func TestSubmitFollowUp_NoRun(t *testing.T) {
	c := newTestController(t, t.TempDir())
	_, err := c.SubmitFollowUp(t.Context(), "anything")
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
}

func TestRecover(t *testing.T) {
	wt := t.TempDir()

	first := newTestController(t, wt)
	r := startRun(t, first)
	tasks, err := first.Tasks()
	require.NoError(t, err)
	_, err = first.st.Claim(tasks[0].ID, "analyst_a-0")
	require.NoError(t, err)
	first.Close()

	// A fresh process reattaches the run and resets the orphaned claim.
	second := newTestController(t, wt)
	require.NoError(t, second.Recover(t.Context()))

	snap := second.Snapshot()
	require.NotNil(t, snap.Run)
	assert.Equal(t, r.RunID, snap.Run.RunID)

	current, err := second.st.Get(tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, current.Status)
	assert.Empty(t, current.Assignee)
}

func TestRecover_EmptyWorktree(t *testing.T) {
	c := newTestController(t, t.TempDir())
	require.NoError(t, c.Recover(t.Context()))
	assert.Nil(t, c.Snapshot().Run)
}

func TestRecover_InactiveRunNotAttached(t *testing.T) {
	wt := t.TempDir()

	first := newTestController(t, wt)
	startRun(t, first)
	require.NoError(t, first.StopRun(t.Context()))
	first.Close()

	second := newTestController(t, wt)
	require.NoError(t, second.Recover(t.Context()))

	snap := second.Snapshot()
	require.NotNil(t, snap.Run)
	assert.Equal(t, run.StatusCompleted, snap.Run.Status)

	// No machinery for an inactive run: task verbs report the conflict.
	_, err := second.Tasks()
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
}

func TestVerbsWithoutRun(t *testing.T) {
	c := newTestController(t, t.TempDir())

	_, err := c.Tasks()
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
	_, err = c.TaskConversation("x")
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
	_, err = c.ApproveTask(t.Context(), "x", "alice")
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
	err = c.StartWorkers(t.Context())
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
	err = c.StopWorkers(t.Context())
	assert.Equal(t, fault.ConflictState, fault.KindOf(err))
}

func TestConfigureWorkers(t *testing.T) {
	c := newTestController(t, t.TempDir())

	err := c.ConfigureWorkers(t.Context(), []config.WorkerSpawnConfig{{Role: "wizard", Count: 1}})
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	// Valid configuration sticks even without an active run.
	require.NoError(t, c.ConfigureWorkers(t.Context(), []config.WorkerSpawnConfig{
		{Role: task.RoleAnalystA, Count: 2},
	}))
	assert.Equal(t, task.RoleAnalystA, c.cfg.Workers[0].Role)
}
