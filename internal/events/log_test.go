package events

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_AppendQuery(t *testing.T) {
	l := openTestLog(t)

	l.Append(New(TypeRunStatus, "wt-1", RunStatusData{RunID: "run-1", Status: "running"}))
	l.Append(New(TypeConversationAppended, "wt-1", ConversationData{TaskID: "analyst_a-1", Author: "operator", Message: "hi"}))
	l.Append(New(TypeRunStatus, "wt-other", RunStatusData{RunID: "run-2", Status: "running"}))

	// Query flushes the buffer before reading.
	stored, err := l.Query("wt-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, string(TypeRunStatus), stored[0].EventType)
	assert.Contains(t, stored[0].Data, `"run-1"`)
	assert.Equal(t, string(TypeConversationAppended), stored[1].EventType)
	assert.False(t, stored[0].CreatedAt.IsZero())
	assert.Less(t, stored[0].ID, stored[1].ID)
}

func TestLog_QueryLimit(t *testing.T) {
	l := openTestLog(t)

	for range 5 {
		l.Append(New(TypeTasksUpdated, "wt-1", nil))
	}

	stored, err := l.Query("wt-1", 3)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestLog_SkipsWorkerLog(t *testing.T) {
	l := openTestLog(t)

	l.Append(New(TypeWorkerLog, "wt-1", WorkerLogData{WorkerID: "implementer-0", Chunk: "noisy"}))
	l.Append(New(TypeRunStatus, "wt-1", nil))

	stored, err := l.Query("wt-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, string(TypeRunStatus), stored[0].EventType)
}

func TestLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	l, err := OpenLog(path, nil)
	require.NoError(t, err)
	l.Append(New(TypeRunStatus, "wt-1", nil))
	require.NoError(t, l.Close())

	reopened, err := OpenLog(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	stored, err := reopened.Query("wt-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPersistentPublisher(t *testing.T) {
	l := openTestLog(t)
	p := NewPersistentPublisher(l)
	defer p.Close()

	ch := p.Subscribe("wt-1")
	p.Publish(New(TypeRunStatus, "wt-1", RunStatusData{RunID: "run-1", Status: "running"}))

	ev := <-ch
	assert.Equal(t, TypeRunStatus, ev.Type)

	stored, err := l.Query("wt-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
