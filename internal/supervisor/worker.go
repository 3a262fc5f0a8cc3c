// Package supervisor owns the dynamic set of role workers: spawning,
// heartbeating, cancelling, and crash recovery. It is driven through a
// bridge so a worker-side failure can never corrupt the projection.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/executor"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
)

// State is a worker's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateClaiming State = "claiming"
	StateWorking  State = "working"
	StateWaiting  State = "waiting"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// logTailMax bounds the retained worker output tail.
const logTailMax = 4096

// Status is the externally visible snapshot of one worker.
type Status struct {
	ID            string    `json:"id"`
	Role          task.Role `json:"role"`
	State         State     `json:"state"`
	TaskID        string    `json:"taskId,omitempty"`
	Description   string    `json:"description,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Model         string    `json:"model,omitempty"`
	LogTail       string    `json:"logTail,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
}

// worker drives one role slot. Each worker runs as its own goroutine that
// waits for task assignments from the scheduler and executes them.
type worker struct {
	id            string
	role          task.Role
	modelPriority []string

	sup    *Supervisor
	assign chan *task.Task
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
}

func newWorker(sup *Supervisor, role task.Role, index int, modelPriority []string) *worker {
	id := fmt.Sprintf("%s-%d", role, index)
	model := ""
	if len(modelPriority) > 0 {
		model = modelPriority[0]
	}
	now := time.Now().UTC()
	return &worker{
		id:            id,
		role:          role,
		modelPriority: modelPriority,
		sup:           sup,
		assign:        make(chan *task.Task, 1),
		status: Status{
			ID:        id,
			Role:      role,
			State:     StateIdle,
			Model:     model,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
}

// Status returns a copy of the worker's current status.
func (w *worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *worker) setState(state State, taskID, description string) {
	w.mu.Lock()
	w.status.State = state
	w.status.TaskID = taskID
	w.status.Description = description
	w.status.UpdatedAt = time.Now().UTC()
	w.mu.Unlock()
	w.sup.notifyWorkers()
}

func (w *worker) heartbeat() {
	w.mu.Lock()
	w.status.LastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
}

func (w *worker) appendLog(source events.LogSource, chunk string) {
	w.mu.Lock()
	tail := w.status.LogTail + chunk + "\n"
	if len(tail) > logTailMax {
		tail = tail[len(tail)-logTailMax:]
	}
	w.status.LogTail = tail
	taskID := w.status.TaskID
	w.mu.Unlock()

	w.sup.notifyLog(events.WorkerLogData{
		WorkerID:  w.id,
		TaskID:    taskID,
		Source:    source,
		Chunk:     chunk,
		Timestamp: time.Now().UTC(),
	})
}

// run is the worker's main loop: wait for an assignment, execute, repeat.
// A crashed execution ends the loop; the supervisor replaces the worker so
// the role slot keeps its capacity.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopped, "", "")
			return
		case t := <-w.assign:
			if !w.execute(ctx, t) {
				w.sup.replace(w)
				return
			}
		}
	}
}

// Dispatch hands a claimed task to the worker. It fails if the worker is
// mid-task; the scheduler only dispatches to idle workers, so a failure
// indicates a stale view and the claim is released by the caller.
func (w *worker) dispatch(t *task.Task) error {
	select {
	case w.assign <- t:
		return nil
	default:
		return fmt.Errorf("worker %s is busy", w.id)
	}
}

// execute runs one task through the role executor and writes the terminal
// record back to the store. It returns false when the worker crashed and
// must be replaced.
func (w *worker) execute(ctx context.Context, t *task.Task) bool {
	w.setState(StateWorking, t.ID, t.Title)
	w.heartbeat()

	// Heartbeat while working so the monitor can tell a long-running task
	// from a dead worker.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)

	exec := executor.ForRole(w.role, w.sup.execConfig)
	outcome, err := exec.Execute(ctx, executor.ExecutionContext{
		Worktree:      w.sup.st.Worktree(),
		RunID:         w.sup.st.RunID(),
		Task:          t,
		ModelPriority: w.modelPriority,
		Log:           w.appendLog,
	})

	switch {
	case err != nil:
		w.sup.logger.Error("worker execution failed",
			"worker", w.id, "task", t.ID, "error", err)
		w.sup.recoverCrash(w, t, err)
		w.setState(StateError, t.ID, "crashed")
		return false

	case ctx.Err() != nil:
		// Cancelled: the executor already returned a blocked outcome, but
		// cancellation resets the task rather than recording it.
		if _, rerr := w.sup.st.Release(t.ID, false); rerr != nil {
			w.sup.reportFault(rerr)
		}
		return true

	default:
		if cerr := w.sup.complete(t, outcome); cerr != nil {
			w.sup.reportFault(cerr)
		}
		w.setState(StateIdle, "", "")
		return true
	}
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	interval := w.sup.heartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

// recoverCrash implements the crash policy: capture the tail, reset the
// task unless a terminal outcome was already persisted, and block the task
// once the retry budget is exhausted.
func (s *Supervisor) recoverCrash(w *worker, t *task.Task, cause error) {
	st := w.Status()
	if st.LogTail != "" {
		s.notifyLog(events.WorkerLogData{
			WorkerID:  w.id,
			TaskID:    t.ID,
			Source:    events.SourceStderr,
			Chunk:     st.LogTail,
			Timestamp: time.Now().UTC(),
		})
	}
	s.reportFault(fault.Wrap(fault.WorkerCrash, cause, "worker %s crashed on task %s", w.id, t.ID))
	s.resetOrBlock(t.ID)
}

// resetOrBlock returns a task to the pool with the retry counted, or blocks
// it with a worker outcome once the retry budget is exhausted. Crash recovery
// and heartbeat expiry share this policy.
func (s *Supervisor) resetOrBlock(taskID string) {
	current, err := s.st.Get(taskID)
	if err != nil {
		s.reportFault(err)
		return
	}
	if current.Status.IsTerminal() {
		return // a terminal outcome won the race; nothing to reset
	}

	if current.Retries >= s.maxRetries {
		_, err := s.st.Mutate(taskID, func(rec *task.Task) bool {
			rec.Status = task.StatusBlocked
			rec.Assignee = ""
			rec.Outcome = &task.WorkerOutcome{
				Status:  task.OutcomeBlocked,
				Summary: fmt.Sprintf("blocked after %d failed attempts", current.Retries+1),
			}
			return true
		})
		if err != nil {
			s.reportFault(err)
		}
		return
	}

	if _, err := s.st.Release(taskID, true); err != nil {
		s.reportFault(err)
	}
}

// complete writes the outcome back to the task record. The status mapping:
// ok with approvals required -> awaiting_review, ok otherwise -> done,
// changes_requested and blocked map to the matching task statuses.
func (s *Supervisor) complete(t *task.Task, outcome *task.WorkerOutcome) error {
	_, err := s.st.Mutate(t.ID, func(rec *task.Task) bool {
		rec.Outcome = outcome
		rec.Summary = outcome.Summary
		rec.Artifacts = t.Artifacts
		rec.Assignee = ""

		switch outcome.Status {
		case task.OutcomeOK:
			if rec.ApprovalsRequired > 0 {
				rec.Status = task.StatusAwaitingReview
			} else {
				rec.Status = task.StatusDone
			}
		case task.OutcomeChangesRequested:
			rec.Status = task.StatusChangesRequested
		case task.OutcomeBlocked:
			rec.Status = task.StatusBlocked
		}
		return true
	})
	if err != nil {
		return err
	}

	entry, err := s.convo.Append(t.ID, "worker:"+string(t.Role), outcome.Summary)
	if err != nil {
		return err
	}
	s.notifyConversation(*entry)

	// Completion may unlock the next pipeline stage.
	if _, err := s.st.EnsureWorkflowExpansion(); err != nil {
		return err
	}
	return nil
}
