// Package events provides the event stream infrastructure for crew: a closed
// set of event variants, an in-memory per-worktree publisher, and a durable
// sqlite-backed event log.
package events

import (
	"time"
)

// Type defines the event variant. The set is closed; consumers switch over
// these tags rather than over payload types.
type Type string

const (
	// TypeSnapshot carries a full projection snapshot.
	TypeSnapshot Type = "snapshot"
	// TypeRunStatus indicates the run changed status.
	TypeRunStatus Type = "run-status"
	// TypeTasksUpdated carries task records that were created or mutated.
	TypeTasksUpdated Type = "tasks-updated"
	// TypeTasksRemoved carries ids of tasks removed with a discarded run.
	TypeTasksRemoved Type = "tasks-removed"
	// TypeWorkersUpdated carries the current worker statuses.
	TypeWorkersUpdated Type = "workers-updated"
	// TypeWorkerLog carries a chunk of worker output.
	TypeWorkerLog Type = "worker-log"
	// TypeConversationAppended indicates a conversation entry was written.
	TypeConversationAppended Type = "conversation-appended"
	// TypeError surfaces a classified orchestrator failure.
	TypeError Type = "error"
)

// Event is one published event. Every event is tagged with the worktree it
// belongs to; ordering is guaranteed per worktree per subscriber only.
type Event struct {
	Type       Type      `json:"type"`
	WorktreeID string    `json:"worktreeId"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// New creates an event with the current timestamp.
func New(eventType Type, worktreeID string, data any) Event {
	return Event{
		Type:       eventType,
		WorktreeID: worktreeID,
		Data:       data,
		Time:       time.Now().UTC(),
	}
}

// LogSource identifies which stream a worker log chunk came from.
type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

// WorkerLogData is the payload of a worker-log event.
type WorkerLogData struct {
	WorkerID  string    `json:"workerId"`
	TaskID    string    `json:"taskId,omitempty"`
	Source    LogSource `json:"source"`
	Chunk     string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RunStatusData is the payload of a run-status event.
type RunStatusData struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ConversationData is the payload of a conversation-appended event.
type ConversationData struct {
	TaskID  string `json:"taskId"`
	EntryID string `json:"entryId"`
	Author  string `json:"author"`
	Message string `json:"message"`
}

// TasksRemovedData is the payload of a tasks-removed event.
type TasksRemovedData struct {
	RunID   string   `json:"runId"`
	TaskIDs []string `json:"taskIds"`
}
