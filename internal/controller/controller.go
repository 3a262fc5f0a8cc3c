// Package controller composes the per-worktree machinery: the run lifecycle,
// the task store, the worker supervisor behind its bridge, the scheduler, and
// the projection. All verbs exposed by the CLI and the gateway terminate
// here.
package controller

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/convo"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/executor"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/projection"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/scheduler"
	"github.com/mwhitaker/crew/internal/store"
	"github.com/mwhitaker/crew/internal/supervisor"
	"github.com/mwhitaker/crew/internal/task"
)

// RunThreadID is the conversation file shared by run-level messages: the
// briefing, follow-ups, and operator guidance that is not tied to one task.
const RunThreadID = "run-thread"

// Controller drives one worktree.
type Controller struct {
	worktree   string
	worktreeID string
	cfg        *config.Config
	logger     *slog.Logger
	proj       *projection.Projection

	mu      sync.Mutex
	run     *run.Run
	st      *store.Store
	convo   *convo.Log
	sup     *supervisor.Supervisor
	bridge  *supervisor.Bridge
	sched   *scheduler.Scheduler
	watcher *store.Watcher
	cancel  context.CancelFunc
}

// Options configures a Controller.
type Options struct {
	Worktree   string
	WorktreeID string
	Config     *config.Config
	Publisher  events.Publisher
	Logger     *slog.Logger
}

// New creates a controller. Call Recover to rebuild state from disk before
// serving verbs.
func New(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorktreeID == "" {
		opts.WorktreeID = filepath.Base(opts.Worktree)
	}
	return &Controller{
		worktree:   opts.Worktree,
		worktreeID: opts.WorktreeID,
		cfg:        opts.Config,
		logger:     opts.Logger,
		proj:       projection.New(opts.WorktreeID, opts.Publisher, opts.Logger),
	}
}

// WorktreeID returns the worktree identity events are tagged with.
func (c *Controller) WorktreeID() string { return c.worktreeID }

// Snapshot returns the current projection state.
func (c *Controller) Snapshot() projection.Snapshot { return c.proj.Snapshot() }

// SnapshotEvent implements events.SnapshotFunc for this controller's
// worktree.
func (c *Controller) SnapshotEvent(worktreeID string) (events.Event, bool) {
	return c.proj.SnapshotEvent(worktreeID)
}

// Recover rebuilds in-memory state from disk on startup. The most recent run
// is reattached; tasks orphaned in progress by a dead process go back to
// ready so the scheduler can redispatch them.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := run.LoadLatest(c.worktree)
	if err != nil {
		return fault.Wrap(fault.Storage, err, "scan runs")
	}
	if r == nil {
		return nil
	}

	c.run = r
	c.proj.SetRun(r)
	if !r.IsActive() {
		return nil
	}

	if err := c.attachRunLocked(ctx, r); err != nil {
		return err
	}

	// No worker from a previous process survived; anything still marked in
	// progress is an orphan.
	entries, err := c.st.ReadEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Task.Status != task.StatusInProgress {
			continue
		}
		if _, err := c.st.Release(e.Task.ID, false); err != nil {
			c.proj.ReportError(err)
		}
	}

	c.refreshTasksLocked()
	c.sched.Kick()
	return nil
}

// StartRun begins a new run for a briefing. A run that is still actively
// progressing rejects the start; an inactive run is superseded and its task
// set leaves the projection.
func (c *Controller) StartRun(ctx context.Context, mode run.Mode, description, guidance string) (*run.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if description == "" {
		return nil, fault.New(fault.Validation, "run description is empty")
	}
	switch mode {
	case run.ModeImplementFeature, run.ModeBugHunt:
	default:
		return nil, fault.New(fault.Validation, "unknown run mode %q", mode)
	}

	if c.run != nil && c.run.IsActive() {
		return nil, fault.New(fault.ConflictState, "run %s is %s; stop it before starting another", c.run.RunID, c.run.Status)
	}
	if c.run != nil {
		c.supersedeLocked()
	}

	r := run.New(c.worktreeID, mode, description, guidance)
	r.Status = run.StatusBootstrapping
	if err := c.createLayout(r); err != nil {
		return nil, err
	}
	if err := r.Save(c.worktree); err != nil {
		return nil, fault.Wrap(fault.Storage, err, "persist run %s", r.RunID)
	}
	c.run = r
	c.proj.SetRun(r)

	if err := c.attachRunLocked(ctx, r); err != nil {
		return nil, err
	}

	if _, err := c.convo.Append(RunThreadID, "operator", description); err != nil {
		c.proj.ReportError(err)
	}

	seeded, err := c.st.SeedAnalysis(r.EpicID, description, guidance)
	if err != nil {
		return nil, err
	}
	c.proj.UpdateTasks(seeded)

	r.Status = run.StatusRunning
	if err := r.Save(c.worktree); err != nil {
		return nil, fault.Wrap(fault.Storage, err, "persist run %s", r.RunID)
	}
	c.proj.SetRun(r)
	c.sched.Kick()
	return r, nil
}

// supersedeLocked tears down the previous run's machinery and removes its
// tasks from the projection. The run directory stays on disk.
func (c *Controller) supersedeLocked() {
	old := c.run
	var ids []string
	if c.st != nil {
		if entries, err := c.st.ReadEntries(); err == nil {
			for _, e := range entries {
				ids = append(ids, e.Task.ID)
			}
		}
	}
	c.detachRunLocked()
	if old != nil && len(ids) > 0 {
		c.proj.RemoveTasks(old.RunID, ids)
	}
}

// createLayout creates the run directory tree.
func (c *Controller) createLayout(r *run.Run) error {
	dir := r.Dir(c.worktree)
	for _, sub := range []string{store.TasksDirName, convo.DirName, executor.ArtifactsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fault.Wrap(fault.Storage, err, "create run layout")
		}
	}
	return nil
}

// attachRunLocked builds the store, supervisor, scheduler, and watcher for a
// run and starts their loops. Caller holds c.mu.
func (c *Controller) attachRunLocked(ctx context.Context, r *run.Run) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	// Store and watcher callbacks fire while locks are held elsewhere, so
	// they only nudge a coalescing channel; the drain goroutine does the
	// actual refresh.
	changes := make(chan struct{}, 1)
	kick := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}
	go c.drainChanges(runCtx, changes)

	c.st = store.New(c.worktree, r.RunID,
		store.WithLogger(c.logger),
		store.WithOnChange(kick),
		store.WithOnError(c.proj.ReportError),
	)
	c.convo = convo.NewLog(c.st.RunDir())

	c.sup = supervisor.New(supervisor.Options{
		Store:             c.st,
		Convo:             c.convo,
		ExecConfig:        c.executorConfig(),
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		MaxRetries:        c.cfg.MaxRetries,
		Logger:            c.logger,
		OnWorkersUpdated:  c.proj.UpdateWorkers,
		OnWorkerLog:       c.proj.WorkerLog,
		OnConversation:    c.proj.ConversationAppended,
		OnFault:           c.onFault,
	})
	c.sup.Configure(c.cfg.Workers)
	c.bridge = supervisor.NewBridge(c.sup, 0)

	c.sched = scheduler.New(scheduler.Options{
		Store:   c.st,
		Bridge:  c.bridge,
		Tick:    c.cfg.SchedulerTick,
		Logger:  c.logger,
		OnError: c.proj.ReportError,
	})
	go c.sched.Run(runCtx)

	// Watch for task writes from other processes sharing the run directory.
	// Watching is best-effort; the tick loop covers a watcherless run.
	if w, err := store.NewWatcher(c.st, kick, c.logger); err != nil {
		c.logger.Warn("task watcher unavailable, relying on scheduler tick", "error", err)
	} else {
		c.watcher = w
	}

	if c.cfg.AutoStartWorkers {
		if err := c.sup.Start(runCtx, c.cfg.Workers); err != nil {
			return err
		}
	}
	return nil
}

// detachRunLocked stops the run's loops and workers. Caller holds c.mu.
func (c *Controller) detachRunLocked() {
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
	if c.sup != nil {
		_ = c.sup.Stop()
		c.sup = nil
		c.bridge = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sched = nil
	c.st = nil
	c.convo = nil
}

func (c *Controller) executorConfig() executor.Config {
	return executor.Config{
		AgentBinary:      c.cfg.AgentBinary,
		TestCommand:      c.cfg.TestCommand,
		SpawnBudget:      c.cfg.SpawnBudget,
		CancelGrace:      c.cfg.CancelGrace,
		ArtifactPatterns: c.cfg.ArtifactPatterns,
		Logger:           c.logger,
	}
}

// drainChanges refreshes the projection from disk and wakes the scheduler
// whenever the store or the watcher reports a change.
func (c *Controller) drainChanges(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
		c.mu.Lock()
		c.refreshTasksLocked()
		sched := c.sched
		c.mu.Unlock()
		if sched != nil {
			sched.Kick()
		}
	}
}

func (c *Controller) refreshTasksLocked() {
	if c.st == nil {
		return
	}
	entries, err := c.st.ReadEntries()
	if err != nil {
		c.proj.ReportError(err)
		return
	}
	tasks := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.Task)
	}
	c.proj.UpdateTasks(tasks)
}

// onFault publishes the fault and, for fatal kinds, moves the run to error.
// The transition runs on its own goroutine because faults can surface from
// supervisor goroutines the controller is concurrently tearing down.
func (c *Controller) onFault(err error) {
	c.proj.ReportError(err)
	if !fault.IsFatal(fault.KindOf(err)) {
		return
	}
	go c.failRun(err)
}

func (c *Controller) failRun(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || !c.run.IsActive() {
		return
	}
	c.run.Status = run.StatusError
	c.run.Error = err.Error()
	if serr := c.run.Save(c.worktree); serr != nil {
		c.logger.Error("persist run error state", "run", c.run.RunID, "error", serr)
	}
	c.proj.SetRun(c.run)
}

// StopRun stops workers and marks the run completed. Stopping an already
// inactive run is a no-op.
func (c *Controller) StopRun(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil {
		return fault.New(fault.ConflictState, "no run to stop")
	}
	if !c.run.IsActive() {
		return nil
	}

	c.detachRunLocked()
	c.run.Status = run.StatusCompleted
	if err := c.run.Save(c.worktree); err != nil {
		return fault.Wrap(fault.Storage, err, "persist run %s", c.run.RunID)
	}
	c.proj.SetRun(c.run)
	return nil
}

// SubmitFollowUp feeds a new message into the run. While the run is waiting
// after a completed epic, the follow-up seeds a fresh analysis epic; while
// work is in flight, it lands on the run thread as guidance for upcoming
// prompts.
func (c *Controller) SubmitFollowUp(ctx context.Context, message string) (*run.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if message == "" {
		return nil, fault.New(fault.Validation, "follow-up message is empty")
	}
	if c.run == nil || c.st == nil {
		return nil, fault.New(fault.ConflictState, "no active run for follow-up")
	}
	if !c.run.IsActive() {
		return nil, fault.New(fault.ConflictState, "run %s is %s and accepts no follow-up", c.run.RunID, c.run.Status)
	}

	entry, err := c.convo.Append(RunThreadID, "operator", message)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "append follow-up")
	}
	c.proj.ConversationAppended(*entry)

	if c.run.Status != run.StatusAwaitingFollowUp {
		c.run.Guidance = message
		if err := c.run.Save(c.worktree); err != nil {
			return nil, fault.Wrap(fault.Storage, err, "persist run %s", c.run.RunID)
		}
		return c.run, nil
	}

	// New epic: the follow-up is the briefing, the original description is
	// kept as context.
	c.run.EpicID = "epic-" + uuid.NewString()[:8]
	seeded, err := c.st.SeedAnalysis(c.run.EpicID, message, c.run.Description)
	if err != nil {
		return nil, err
	}
	c.proj.UpdateTasks(seeded)

	c.run.Status = run.StatusRunning
	if err := c.run.Save(c.worktree); err != nil {
		return nil, fault.Wrap(fault.Storage, err, "persist run %s", c.run.RunID)
	}
	c.proj.SetRun(c.run)
	c.sched.Kick()
	return c.run, nil
}

// ApproveTask records an approval. Approvals are idempotent per approver;
// reaching the required count moves the task to approved. Approving the
// epic's review task parks the run for follow-up.
func (c *Controller) ApproveTask(ctx context.Context, taskID, approver string) (*task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if approver == "" {
		return nil, fault.New(fault.Validation, "approver is empty")
	}
	if c.st == nil {
		return nil, fault.New(fault.ConflictState, "no active run")
	}

	t, err := c.st.Mutate(taskID, func(rec *task.Task) bool {
		if rec.HasApproval(approver) {
			return false
		}
		if rec.Status != task.StatusAwaitingReview {
			return false
		}
		rec.Approvals = append(rec.Approvals, approver)
		if len(rec.Approvals) >= rec.ApprovalsRequired {
			rec.Status = task.StatusApproved
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusApproved && !t.HasApproval(approver) {
		return nil, fault.New(fault.ConflictState, "task %s is %s and cannot be approved", taskID, t.Status)
	}

	entry, cerr := c.convo.Append(taskID, "approver:"+approver, "approved")
	if cerr != nil {
		c.proj.ReportError(cerr)
	} else {
		c.proj.ConversationAppended(*entry)
	}

	if _, err := c.st.EnsureWorkflowExpansion(); err != nil {
		c.proj.ReportError(err)
	}

	// An approved review closes the epic; the run waits for a follow-up.
	if t.Kind == task.KindReview && t.Status == task.StatusApproved && c.run != nil && c.run.Status == run.StatusRunning {
		c.run.Status = run.StatusAwaitingFollowUp
		if err := c.run.Save(c.worktree); err != nil {
			return nil, fault.Wrap(fault.Storage, err, "persist run %s", c.run.RunID)
		}
		c.proj.SetRun(c.run)
	}

	c.refreshTasksLocked()
	if c.sched != nil {
		c.sched.Kick()
	}
	return t, nil
}

// CommentOnTask appends an operator comment to a task's conversation. A
// comment on a task awaiting review sends it back for changes.
func (c *Controller) CommentOnTask(ctx context.Context, taskID, author, message string) (*convo.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if message == "" {
		return nil, fault.New(fault.Validation, "comment message is empty")
	}
	if author == "" {
		author = "operator"
	}
	if c.st == nil || c.convo == nil {
		return nil, fault.New(fault.ConflictState, "no active run")
	}

	if _, err := c.st.Get(taskID); err != nil {
		return nil, err
	}

	entry, err := c.convo.Append(taskID, author, message)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "append comment")
	}
	c.proj.ConversationAppended(*entry)

	t, err := c.st.Mutate(taskID, func(rec *task.Task) bool {
		if rec.Status != task.StatusAwaitingReview {
			return false
		}
		rec.Status = task.StatusChangesRequested
		return true
	})
	if err == nil && t.Status == task.StatusChangesRequested {
		c.refreshTasksLocked()
		if c.sched != nil {
			c.sched.Kick()
		}
	}
	return entry, nil
}

// TaskConversation returns a task's conversation entries.
func (c *Controller) TaskConversation(taskID string) ([]convo.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convo == nil {
		return nil, fault.New(fault.ConflictState, "no active run")
	}
	return c.convo.Read(taskID)
}

// Tasks returns all task records of the active run, oldest first.
func (c *Controller) Tasks() ([]*task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil, fault.New(fault.ConflictState, "no active run")
	}
	entries, err := c.st.ReadEntries()
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.Task)
	}
	return tasks, nil
}

// ConfigureWorkers updates the desired worker set for the active run and for
// subsequent runs.
func (c *Controller) ConfigureWorkers(ctx context.Context, configs []config.WorkerSpawnConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, wc := range configs {
		if !task.ValidRole(wc.Role) {
			return fault.New(fault.Validation, "unknown worker role %q", wc.Role)
		}
	}
	c.cfg.Workers = configs
	if c.bridge == nil {
		return nil
	}
	return c.bridge.Configure(ctx, configs)
}

// StartWorkers spawns workers up to the configured counts.
func (c *Controller) StartWorkers(ctx context.Context) error {
	c.mu.Lock()
	bridge := c.bridge
	configs := c.cfg.Workers
	c.mu.Unlock()

	if bridge == nil {
		return fault.New(fault.ConflictState, "no active run")
	}
	if err := bridge.StartWorkers(ctx, configs); err != nil {
		return err
	}
	c.mu.Lock()
	if c.sched != nil {
		c.sched.Kick()
	}
	c.mu.Unlock()
	return nil
}

// StopWorkers stops workers for the given roles, or all workers when no role
// is given. The run stays active; tasks wait until workers return.
func (c *Controller) StopWorkers(ctx context.Context, roles ...task.Role) error {
	c.mu.Lock()
	bridge := c.bridge
	c.mu.Unlock()

	if bridge == nil {
		return fault.New(fault.ConflictState, "no active run")
	}
	return bridge.StopWorkers(ctx, roles...)
}

// Close tears down the controller's machinery without changing run state on
// disk.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachRunLocked()
}
