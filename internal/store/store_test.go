package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/task"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(t.TempDir(), "run-test0001", opts...)
}

func makeTask(id string, role task.Role, status task.Status, deps ...string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:        id,
		RunID:     "run-test0001",
		EpicID:    "epic-1",
		Kind:      task.KindForRole[role],
		Role:      role,
		Status:    status,
		Title:     "title for " + id,
		Prompt:    "prompt",
		DependsOn: deps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_WriteRecordGet(t *testing.T) {
	s := newTestStore(t)

	tk := makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)
	require.NoError(t, s.WriteRecord(tk))

	loaded, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, loaded.ID)
	assert.Equal(t, task.StatusReady, loaded.Status)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestStore_WriteRecord_Invalid(t *testing.T) {
	s := newTestStore(t)

	bad := makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)
	bad.Kind = task.KindReview
	assert.Error(t, s.WriteRecord(bad))
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReadEntries_SortedByCreation(t *testing.T) {
	s := newTestStore(t)

	newer := makeTask("analyst_b-1", task.RoleAnalystB, task.StatusReady)
	older := makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)
	older.CreatedAt = newer.CreatedAt.Add(-time.Minute)
	require.NoError(t, s.WriteRecord(newer))
	require.NoError(t, s.WriteRecord(older))

	entries, err := s.ReadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "analyst_a-1", entries[0].Task.ID)
	assert.Equal(t, "analyst_b-1", entries[1].Task.ID)
}

func TestStore_ReadEntries_QuarantinesCorrupt(t *testing.T) {
	var faults []error
	s := newTestStore(t, WithOnError(func(err error) { faults = append(faults, err) }))

	require.NoError(t, s.WriteRecord(makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)))

	badPath := filepath.Join(s.TasksDir(), "broken.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0644))

	entries, err := s.ReadEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NotEmpty(t, faults)

	_, statErr := os.Stat(badPath + CorruptSuffix)
	assert.NoError(t, statErr, "corrupt file should be renamed aside")
	_, statErr = os.Stat(badPath)
	assert.True(t, os.IsNotExist(statErr))

	// The quarantined file is not re-reported on later reads.
	faults = nil
	_, err = s.ReadEntries()
	require.NoError(t, err)
	assert.Empty(t, faults)
}

func TestStore_ReadEntries_BlocksDanglingDep(t *testing.T) {
	s := newTestStore(t, WithOnError(func(error) {}))

	tk := makeTask("tester-1", task.RoleTester, task.StatusReady, "impl-gone")
	require.NoError(t, s.WriteRecord(tk))

	entries, err := s.ReadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.StatusBlocked, entries[0].Task.Status)

	// The block is persisted, not just in memory.
	loaded, err := s.Get("tester-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, loaded.Status)
}

func TestStore_ReadEntries_BlocksCycle(t *testing.T) {
	s := newTestStore(t, WithOnError(func(error) {}))

	a := makeTask("implementer-a", task.RoleImplementer, task.StatusReady, "implementer-b")
	b := makeTask("implementer-b", task.RoleImplementer, task.StatusReady, "implementer-a")
	require.NoError(t, s.WriteRecord(a))
	require.NoError(t, s.WriteRecord(b))

	entries, err := s.ReadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, task.StatusBlocked, e.Task.Status, "task %s", e.Task.ID)
	}
}

func TestStore_Claim(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteRecord(makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)))

	claimed, err := s.Claim("analyst_a-1", "analyst_a-0")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, claimed.Status)
	assert.Equal(t, "analyst_a-0", claimed.Assignee)
	assert.Equal(t, "analyst_a-0", claimed.LastClaimedBy)

	// A second claim loses the compare-and-swap.
	_, err = s.Claim("analyst_a-1", "analyst_a-1")
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestStore_Release(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteRecord(makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)))
	_, err := s.Claim("analyst_a-1", "w-0")
	require.NoError(t, err)

	released, err := s.Release("analyst_a-1", true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, released.Status)
	assert.Empty(t, released.Assignee)
	assert.Equal(t, 1, released.Retries)
	assert.Equal(t, "w-0", released.LastClaimedBy, "claim audit survives release")

	// Release without retry accounting.
	_, err = s.Claim("analyst_a-1", "w-1")
	require.NoError(t, err)
	released, err = s.Release("analyst_a-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, released.Retries)
}

func TestStore_Release_IgnoresTerminal(t *testing.T) {
	s := newTestStore(t)
	done := makeTask("analyst_a-1", task.RoleAnalystA, task.StatusDone)
	require.NoError(t, s.WriteRecord(done))

	released, err := s.Release("analyst_a-1", true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, released.Status)
	assert.Zero(t, released.Retries)
}

func TestStore_Mutate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteRecord(makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)))

	mutated, err := s.Mutate("analyst_a-1", func(rec *task.Task) bool {
		rec.Status = task.StatusDone
		rec.Summary = "analysis complete"
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, mutated.Status)

	loaded, err := s.Get("analyst_a-1")
	require.NoError(t, err)
	assert.Equal(t, "analysis complete", loaded.Summary)
}

func TestStore_OnChangeFires(t *testing.T) {
	changes := 0
	s := newTestStore(t, WithOnChange(func() { changes++ }))

	require.NoError(t, s.WriteRecord(makeTask("analyst_a-1", task.RoleAnalystA, task.StatusReady)))
	assert.Equal(t, 1, changes)

	_, err := s.Claim("analyst_a-1", "w-0")
	require.NoError(t, err)
	assert.Equal(t, 2, changes)
}
