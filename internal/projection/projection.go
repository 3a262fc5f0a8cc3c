// Package projection maintains the live view of a worktree's run: the run
// manifest, all task records, worker statuses, and the derived agent graph.
// Mutations arrive through reducer callbacks wired to the store, supervisor,
// and conversation log; every mutation also publishes the matching event.
package projection

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mwhitaker/crew/internal/convo"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/supervisor"
	"github.com/mwhitaker/crew/internal/task"
)

// Metadata is derived state computed from the projection on each snapshot.
type Metadata struct {
	// ImplementerLockHeldBy is the id of the implementation task currently
	// in progress, empty when the lock is free.
	ImplementerLockHeldBy string `json:"implementerLockHeldBy,omitempty"`
	// WorkerCounts is the live worker count per role.
	WorkerCounts map[task.Role]int `json:"workerCounts"`
	// AgentStates is the per-role node state of the agent graph.
	AgentStates map[task.Role]NodeState `json:"agentStates"`
}

// Snapshot is the full projection state at one instant.
type Snapshot struct {
	Run         *run.Run            `json:"run,omitempty"`
	Tasks       []*task.Task        `json:"tasks"`
	Workers     []supervisor.Status `json:"workers"`
	Graph       Graph               `json:"graph"`
	Metadata    Metadata            `json:"metadata"`
	LastEventAt time.Time           `json:"lastEventAt"`
}

// Projection is the reducer. One instance serves one worktree.
type Projection struct {
	worktreeID string
	pub        events.Publisher
	logger     *slog.Logger

	mu          sync.Mutex
	run         *run.Run
	tasks       map[string]*task.Task
	workers     []supervisor.Status
	lastEventAt time.Time
}

// New creates an empty projection publishing to pub.
func New(worktreeID string, pub events.Publisher, logger *slog.Logger) *Projection {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{
		worktreeID: worktreeID,
		pub:        pub,
		logger:     logger,
		tasks:      make(map[string]*task.Task),
	}
}

// WorktreeID returns the worktree this projection serves.
func (p *Projection) WorktreeID() string { return p.worktreeID }

// SetRun replaces the run manifest and publishes a run-status event.
// Replacing the run drops the previous run's tasks from the view.
func (p *Projection) SetRun(r *run.Run) {
	p.mu.Lock()
	if p.run != nil && r != nil && p.run.RunID != r.RunID {
		p.tasks = make(map[string]*task.Task)
	}
	p.run = r
	p.touch()
	p.mu.Unlock()

	if r == nil {
		return
	}
	p.pub.Publish(events.New(events.TypeRunStatus, p.worktreeID, events.RunStatusData{
		RunID:  r.RunID,
		Status: string(r.Status),
		Error:  r.Error,
	}))
}

// UpdateTasks merges task records into the view and publishes tasks-updated.
func (p *Projection) UpdateTasks(tasks []*task.Task) {
	if len(tasks) == 0 {
		return
	}

	p.mu.Lock()
	updated := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		p.tasks[c.ID] = c
		updated = append(updated, c)
	}
	p.touch()
	p.mu.Unlock()

	p.pub.Publish(events.New(events.TypeTasksUpdated, p.worktreeID, updated))
}

// RemoveTasks drops task records from the view, publishing tasks-removed.
// Used when a run is superseded and its task set is discarded.
func (p *Projection) RemoveTasks(runID string, ids []string) {
	if len(ids) == 0 {
		return
	}

	p.mu.Lock()
	for _, id := range ids {
		delete(p.tasks, id)
	}
	p.touch()
	p.mu.Unlock()

	p.pub.Publish(events.New(events.TypeTasksRemoved, p.worktreeID, events.TasksRemovedData{
		RunID:   runID,
		TaskIDs: ids,
	}))
}

// UpdateWorkers replaces the worker status set and publishes workers-updated.
func (p *Projection) UpdateWorkers(workers []supervisor.Status) {
	p.mu.Lock()
	p.workers = append([]supervisor.Status(nil), workers...)
	p.touch()
	p.mu.Unlock()

	p.pub.Publish(events.New(events.TypeWorkersUpdated, p.worktreeID, workers))
}

// WorkerLog forwards a worker output chunk as a worker-log event. Log chunks
// are not retained in the projection; the worker status carries a bounded
// tail instead.
func (p *Projection) WorkerLog(data events.WorkerLogData) {
	p.mu.Lock()
	p.touch()
	p.mu.Unlock()

	p.pub.Publish(events.New(events.TypeWorkerLog, p.worktreeID, data))
}

// ConversationAppended publishes a conversation-appended event.
func (p *Projection) ConversationAppended(entry convo.Entry) {
	p.mu.Lock()
	p.touch()
	p.mu.Unlock()

	p.pub.Publish(events.New(events.TypeConversationAppended, p.worktreeID, events.ConversationData{
		TaskID:  entry.TaskID,
		EntryID: entry.ID,
		Author:  entry.Author,
		Message: entry.Message,
	}))
}

// ReportError publishes a classified error event.
func (p *Projection) ReportError(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	p.touch()
	p.mu.Unlock()

	p.logger.Warn("projection error event", "error", err)
	p.pub.Publish(events.New(events.TypeError, p.worktreeID, events.ErrorData{
		Kind:       string(fault.KindOf(err)),
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	}))
}

// touch updates lastEventAt. Caller holds p.mu.
func (p *Projection) touch() {
	p.lastEventAt = time.Now().UTC()
}

// Snapshot returns a copy of the full projection state.
func (p *Projection) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]*task.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	graph := AgentGraph(tasks)

	meta := Metadata{
		WorkerCounts: make(map[task.Role]int),
		AgentStates:  make(map[task.Role]NodeState),
	}
	for _, w := range p.workers {
		if w.State != supervisor.StateStopped {
			meta.WorkerCounts[w.Role]++
		}
	}
	for _, n := range graph.Nodes {
		meta.AgentStates[n.Role] = n.State
	}
	for _, t := range tasks {
		if t.Kind == task.KindImpl && t.Status == task.StatusInProgress {
			meta.ImplementerLockHeldBy = t.ID
			break
		}
	}

	var r *run.Run
	if p.run != nil {
		c := *p.run
		r = &c
	}

	return Snapshot{
		Run:         r,
		Tasks:       tasks,
		Workers:     append([]supervisor.Status(nil), p.workers...),
		Graph:       graph,
		Metadata:    meta,
		LastEventAt: p.lastEventAt,
	}
}

// SnapshotEvent implements events.SnapshotFunc for this projection's
// worktree.
func (p *Projection) SnapshotEvent(worktreeID string) (events.Event, bool) {
	if worktreeID != p.worktreeID {
		return events.Event{}, false
	}
	return events.New(events.TypeSnapshot, p.worktreeID, p.Snapshot()), true
}
