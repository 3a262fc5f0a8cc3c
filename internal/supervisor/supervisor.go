package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/convo"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/executor"
	"github.com/mwhitaker/crew/internal/store"
	"github.com/mwhitaker/crew/internal/task"
)

// Supervisor owns the worker set for one run. All mutations of the set go
// through the supervisor mutex; workers themselves run as goroutines with
// per-worker cancellation.
type Supervisor struct {
	st    *store.Store
	convo *convo.Log

	execConfig        executor.Config
	heartbeatInterval time.Duration
	maxRetries        int
	logger            *slog.Logger

	onWorkersUpdated func([]Status)
	onWorkerLog      func(events.WorkerLogData)
	onConversation   func(convo.Entry)
	onFault          func(error)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	workers map[task.Role][]*worker
	cancels map[string]context.CancelFunc
	configs map[task.Role]config.WorkerSpawnConfig

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// Options configures a Supervisor.
type Options struct {
	Store             *store.Store
	Convo             *convo.Log
	ExecConfig        executor.Config
	HeartbeatInterval time.Duration
	MaxRetries        int
	Logger            *slog.Logger

	OnWorkersUpdated func([]Status)
	OnWorkerLog      func(events.WorkerLogData)
	OnConversation   func(convo.Entry)
	OnFault          func(error)
}

// New creates a supervisor with the default worker configuration.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}

	s := &Supervisor{
		st:                opts.Store,
		convo:             opts.Convo,
		execConfig:        opts.ExecConfig,
		heartbeatInterval: opts.HeartbeatInterval,
		maxRetries:        opts.MaxRetries,
		logger:            logger,
		onWorkersUpdated:  opts.OnWorkersUpdated,
		onWorkerLog:       opts.OnWorkerLog,
		onConversation:    opts.OnConversation,
		onFault:           opts.OnFault,
		workers:           make(map[task.Role][]*worker),
		cancels:           make(map[string]context.CancelFunc),
		configs:           make(map[task.Role]config.WorkerSpawnConfig),
	}
	s.Configure(config.DefaultWorkers())
	return s
}

// Configure declares the desired worker counts and model priority per role.
// Counts are clamped to the role cap and model priority is normalized.
// Configure is idempotent and does not spawn anything; Start reconciles.
func (s *Supervisor) Configure(configs []config.WorkerSpawnConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range configs {
		if !task.ValidRole(c.Role) {
			continue
		}
		s.configs[c.Role] = c.Normalize()
	}
}

// Configs returns the current desired configuration, sorted by role.
func (s *Supervisor) Configs() []config.WorkerSpawnConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.WorkerSpawnConfig, 0, len(s.configs))
	for _, role := range task.Roles {
		if c, ok := s.configs[role]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Start reconciles the actual worker set to the desired configuration,
// spawning missing workers. Passing configs is shorthand for Configure then
// Start. The supervisor must be started before tasks can be dispatched.
func (s *Supervisor) Start(ctx context.Context, configs []config.WorkerSpawnConfig) error {
	if configs != nil {
		s.Configure(configs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.started = true
		s.monitorStop = make(chan struct{})
		s.monitorDone = make(chan struct{})
		go s.monitor()
	}

	for _, role := range task.Roles {
		cfg, ok := s.configs[role]
		if !ok {
			continue
		}
		for len(s.workers[role]) < cfg.Count {
			index := len(s.workers[role])
			s.spawnLocked(role, index, cfg)
		}
	}
	s.notifyWorkersLocked()
	return nil
}

// spawnLocked creates and starts one worker goroutine. Caller holds s.mu.
func (s *Supervisor) spawnLocked(role task.Role, index int, cfg config.WorkerSpawnConfig) {
	// Each slot leads with its own model and falls back down the list.
	priority := cfg.ModelPriority
	if index < len(priority) {
		priority = priority[index:]
	}

	w := newWorker(s, role, index, priority)
	wctx, wcancel := context.WithCancel(s.ctx)
	w.cancel = wcancel
	s.workers[role] = append(s.workers[role], w)
	s.cancels[w.id] = wcancel

	s.logger.Info("worker spawned", "worker", w.id, "role", role)
	go w.run(wctx)
}

// Stop cancels and removes workers matching the role filter; an empty
// filter stops everything. In-flight subprocesses get the SIGTERM/SIGKILL
// escalation via their execution contexts.
func (s *Supervisor) Stop(roles ...task.Role) error {
	filter := make(map[task.Role]bool, len(roles))
	for _, r := range roles {
		filter[r] = true
	}

	s.mu.Lock()
	var stopping []*worker
	for role, ws := range s.workers {
		if len(filter) > 0 && !filter[role] {
			continue
		}
		stopping = append(stopping, ws...)
		delete(s.workers, role)
	}
	for _, w := range stopping {
		delete(s.cancels, w.id)
	}
	stopAll := len(filter) == 0
	s.mu.Unlock()

	g := new(errgroup.Group)
	for _, w := range stopping {
		g.Go(func() error {
			w.cancel()
			return nil
		})
	}
	err := g.Wait()

	if stopAll {
		s.shutdown()
	}
	s.notifyWorkers()
	return err
}

// shutdown stops the monitor and the root context after a full stop.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	stop := s.monitorStop
	done := s.monitorDone
	s.mu.Unlock()

	cancel()
	close(stop)
	<-done
}

// replace swaps a crashed worker for a fresh one in the same slot.
func (s *Supervisor) replace(old *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ws := s.workers[old.role]
	for i, w := range ws {
		if w == old {
			cfg, ok := s.configs[old.role]
			if !ok {
				s.workers[old.role] = append(ws[:i], ws[i+1:]...)
				break
			}
			delete(s.cancels, old.id)
			s.workers[old.role] = append(ws[:i], ws[i+1:]...)
			s.spawnLocked(old.role, i, cfg)
			break
		}
	}
	s.notifyWorkersLocked()
}

// Statuses returns all worker statuses, ordered by role then worker id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusesLocked()
}

func (s *Supervisor) statusesLocked() []Status {
	var out []Status
	for _, role := range task.Roles {
		ws := append([]*worker(nil), s.workers[role]...)
		sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
		for _, w := range ws {
			out = append(out, w.Status())
		}
	}
	return out
}

// Idle returns the idle workers in deterministic dispatch order: role name
// in pipeline order, then worker id ascending.
func (s *Supervisor) Idle() []Status {
	var idle []Status
	for _, st := range s.Statuses() {
		if st.State == StateIdle {
			idle = append(idle, st)
		}
	}
	return idle
}

// Dispatch hands a claimed task to the named worker.
func (s *Supervisor) Dispatch(workerID string, t *task.Task) error {
	s.mu.Lock()
	var target *worker
	for _, ws := range s.workers {
		for _, w := range ws {
			if w.id == workerID {
				target = w
				break
			}
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("worker %s not found", workerID)
	}
	target.setState(StateClaiming, t.ID, t.Title)
	if err := target.dispatch(t); err != nil {
		target.setState(StateIdle, "", "")
		return err
	}
	return nil
}

// monitor watches worker heartbeats. A working worker silent for three
// heartbeat intervals is considered dead: its task goes back to ready (or
// blocks once the retry budget runs out) and the worker is replaced.
func (s *Supervisor) monitor() {
	defer close(s.monitorDone)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	deadline := time.Now().Add(-3 * s.heartbeatInterval)

	s.mu.Lock()
	var stale []*worker
	for _, ws := range s.workers {
		for _, w := range ws {
			st := w.Status()
			if st.State == StateWorking && !st.LastHeartbeat.IsZero() && st.LastHeartbeat.Before(deadline) {
				stale = append(stale, w)
			}
		}
	}
	s.mu.Unlock()

	for _, w := range stale {
		st := w.Status()
		s.logger.Warn("worker heartbeat expired", "worker", w.id, "task", st.TaskID)
		if st.TaskID != "" {
			s.resetOrBlock(st.TaskID)
		}
		w.setState(StateError, st.TaskID, "heartbeat expired")
		w.cancel()
		s.replace(w)
	}
}

func (s *Supervisor) notifyWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyWorkersLocked()
}

func (s *Supervisor) notifyWorkersLocked() {
	if s.onWorkersUpdated != nil {
		s.onWorkersUpdated(s.statusesLocked())
	}
}

func (s *Supervisor) notifyConversation(entry convo.Entry) {
	if s.onConversation != nil {
		s.onConversation(entry)
	}
}

func (s *Supervisor) notifyLog(data events.WorkerLogData) {
	if s.onWorkerLog != nil {
		s.onWorkerLog(data)
	}
}

func (s *Supervisor) reportFault(err error) {
	s.logger.Warn("supervisor fault", "error", err)
	if s.onFault != nil {
		s.onFault(err)
	}
}
