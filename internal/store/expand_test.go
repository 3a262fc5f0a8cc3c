package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/task"
)

func tasksByKind(t *testing.T, s *Store) map[task.Kind][]*task.Task {
	t.Helper()
	entries, err := s.ReadEntries()
	require.NoError(t, err)
	out := make(map[task.Kind][]*task.Task)
	for _, e := range entries {
		out[e.Task.Kind] = append(out[e.Task.Kind], e.Task)
	}
	return out
}

func markSatisfied(t *testing.T, s *Store, tasks []*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		_, err := s.Mutate(tk.ID, func(rec *task.Task) bool {
			rec.Status = task.StatusDone
			rec.Outcome = &task.WorkerOutcome{Status: task.OutcomeOK, Summary: "ok"}
			return true
		})
		require.NoError(t, err)
	}
}

func TestSeedAnalysis(t *testing.T) {
	s := newTestStore(t)

	seeded, err := s.SeedAnalysis("epic-1", "add caching", "prefer LRU")
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	byKind := tasksByKind(t, s)
	require.Len(t, byKind[task.KindAnalysis], 2)
	for _, tk := range byKind[task.KindAnalysis] {
		assert.Equal(t, task.StatusReady, tk.Status)
		assert.Empty(t, tk.DependsOn)
		assert.Contains(t, tk.Prompt, "add caching")
		assert.Contains(t, tk.Prompt, "prefer LRU")
		assert.NotEmpty(t, tk.ConversationPath)
	}

	// Seeding again for the same epic is a no-op.
	again, err := s.SeedAnalysis("epic-1", "add caching", "")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, tasksByKind(t, s)[task.KindAnalysis], 2)
}

func TestEnsureWorkflowExpansion_FullChain(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SeedAnalysis("epic-1", "briefing", "")
	require.NoError(t, err)

	// Nothing satisfied yet: no expansion.
	changed, err := s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.False(t, changed)

	// One analyst done is not enough.
	byKind := tasksByKind(t, s)
	markSatisfied(t, s, byKind[task.KindAnalysis][:1])
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.False(t, changed)

	// Both analysts done: consensus appears, depending on both.
	markSatisfied(t, s, byKind[task.KindAnalysis][1:])
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.True(t, changed)

	byKind = tasksByKind(t, s)
	require.Len(t, byKind[task.KindConsensus], 1)
	consensus := byKind[task.KindConsensus][0]
	assert.Equal(t, task.StatusReady, consensus.Status)
	assert.Len(t, consensus.DependsOn, 2)

	// Consensus done: splitter appears.
	markSatisfied(t, s, byKind[task.KindConsensus])
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.True(t, changed)

	byKind = tasksByKind(t, s)
	require.Len(t, byKind[task.KindSplit], 1)

	// Splitter done: impl/test/review fanout in one pass. Only the impl is
	// immediately ready; its dependents wait.
	markSatisfied(t, s, byKind[task.KindSplit])
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.True(t, changed)

	byKind = tasksByKind(t, s)
	require.Len(t, byKind[task.KindImpl], 1)
	require.Len(t, byKind[task.KindTest], 1)
	require.Len(t, byKind[task.KindReview], 1)

	impl := byKind[task.KindImpl][0]
	test := byKind[task.KindTest][0]
	review := byKind[task.KindReview][0]
	assert.Equal(t, task.StatusReady, impl.Status)
	assert.Equal(t, task.StatusBlocked, test.Status)
	assert.Equal(t, task.StatusBlocked, review.Status)
	assert.Equal(t, []string{impl.ID}, test.DependsOn)
	assert.ElementsMatch(t, []string{impl.ID, test.ID}, review.DependsOn)
	assert.Equal(t, 1, review.ApprovalsRequired)

	// Impl done: tester is promoted, review still waits on the tester.
	markSatisfied(t, s, []*task.Task{impl})
	_, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)

	byKind = tasksByKind(t, s)
	assert.Equal(t, task.StatusReady, byKind[task.KindTest][0].Status)
	assert.Equal(t, task.StatusBlocked, byKind[task.KindReview][0].Status)

	// Tester done: review is promoted.
	markSatisfied(t, s, byKind[task.KindTest])
	_, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, tasksByKind(t, s)[task.KindReview][0].Status)
}

func TestEnsureWorkflowExpansion_Idempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SeedAnalysis("epic-1", "briefing", "")
	require.NoError(t, err)
	markSatisfied(t, s, tasksByKind(t, s)[task.KindAnalysis])

	changed, err := s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.True(t, changed)

	// Running it again creates nothing new.
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, tasksByKind(t, s)[task.KindConsensus], 1)
}

func TestEnsureWorkflowExpansion_LockHeld(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SeedAnalysis("epic-1", "briefing", "")
	require.NoError(t, err)
	markSatisfied(t, s, tasksByKind(t, s)[task.KindAnalysis])

	// Another live process holds the expansion lock.
	other := NewExpansionLock(s.RunDir(), "other#1")
	require.NoError(t, other.Acquire())

	changed, err := s.EnsureWorkflowExpansion()
	require.NoError(t, err, "held lock is not an error")
	assert.False(t, changed)
	assert.Empty(t, tasksByKind(t, s)[task.KindConsensus])

	require.NoError(t, other.Release())
	changed, err = s.EnsureWorkflowExpansion()
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPromoteSatisfied_LeavesFaultBlockedAlone(t *testing.T) {
	s := newTestStore(t)

	impl := makeTask("implementer-1", task.RoleImplementer, task.StatusDone)
	require.NoError(t, s.WriteRecord(impl))

	// Dependency-blocked: no outcome, deps satisfied -> promoted.
	waiting := makeTask("tester-1", task.RoleTester, task.StatusBlocked, impl.ID)
	require.NoError(t, s.WriteRecord(waiting))

	// Fault-blocked: a worker outcome pinned it; promotion must not touch it.
	stuck := makeTask("reviewer-1", task.RoleReviewer, task.StatusBlocked, impl.ID)
	stuck.ApprovalsRequired = 1
	stuck.Outcome = &task.WorkerOutcome{Status: task.OutcomeBlocked, Summary: "blocked after 3 failed attempts"}
	require.NoError(t, s.WriteRecord(stuck))

	_, err := s.EnsureWorkflowExpansion()
	require.NoError(t, err)

	promoted, err := s.Get("tester-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, promoted.Status)

	pinned, err := s.Get("reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, pinned.Status)
}
