// Package scheduler matches ready tasks to idle workers. It runs a short
// tick loop and can be kicked early when the store or worker set changes, so
// dispatch latency stays well under the tick interval in practice.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/mwhitaker/crew/internal/store"
	"github.com/mwhitaker/crew/internal/supervisor"
	"github.com/mwhitaker/crew/internal/task"
)

// Options configures a Scheduler.
type Options struct {
	Store   *store.Store
	Bridge  *supervisor.Bridge
	Tick    time.Duration
	Logger  *slog.Logger
	OnError func(error)
}

// Scheduler is the dispatch loop for one run.
type Scheduler struct {
	st      *store.Store
	bridge  *supervisor.Bridge
	tick    time.Duration
	logger  *slog.Logger
	onError func(error)

	kick chan struct{}
}

// New creates a scheduler. Run starts the loop.
func New(opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		st:      opts.Store,
		bridge:  opts.Bridge,
		tick:    opts.Tick,
		logger:  opts.Logger,
		onError: opts.OnError,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an immediate dispatch pass. Safe from any goroutine; extra
// kicks while one is pending coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives dispatch until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.dispatchOnce(ctx)
	}
}

// dispatchOnce performs one full pass: advance the workflow, compute the
// eligible set, and hand tasks to idle workers in deterministic order.
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	// Expansion first so tasks unlocked by recent completions are visible
	// within the same pass. A held lock means another process is expanding;
	// its results show up on the next pass.
	if _, err := s.st.EnsureWorkflowExpansion(); err != nil {
		s.reportError(err)
	}

	entries, err := s.st.ReadEntries()
	if err != nil {
		s.reportError(err)
		return
	}

	statuses := make(map[string]task.Status, len(entries))
	implLocked := false
	for _, e := range entries {
		statuses[e.Task.ID] = e.Task.Status
		if e.Task.Kind == task.KindImpl && e.Task.Status == task.StatusInProgress {
			implLocked = true
		}
	}

	// Eligible tasks per role, oldest first so pipeline order is stable.
	eligible := make(map[task.Role][]*task.Task)
	for _, e := range entries {
		t := e.Task
		if t.Status != task.StatusReady || !t.DepsSatisfied(statuses) {
			continue
		}
		eligible[t.Role] = append(eligible[t.Role], t)
	}
	for role := range eligible {
		ts := eligible[role]
		sort.Slice(ts, func(i, j int) bool {
			if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
				return ts[i].CreatedAt.Before(ts[j].CreatedAt)
			}
			return ts[i].ID < ts[j].ID
		})
	}

	idle, err := s.bridge.Idle(ctx)
	if err != nil {
		s.reportError(err)
		return
	}

	// Idle workers arrive ordered by pipeline role then worker id, which
	// makes the pairing deterministic for a given store state.
	for _, w := range idle {
		ts := eligible[w.Role]
		if len(ts) == 0 {
			continue
		}

		// At most one implementation task runs at a time so concurrent
		// implementers cannot produce conflicting edits.
		if ts[0].Kind == task.KindImpl && implLocked {
			continue
		}

		t := ts[0]
		claimed, err := s.st.Claim(t.ID, w.ID)
		if err != nil {
			if !errors.Is(err, store.ErrClaimLost) {
				s.reportError(err)
			}
			eligible[w.Role] = ts[1:]
			continue
		}
		eligible[w.Role] = ts[1:]
		if claimed.Kind == task.KindImpl {
			implLocked = true
		}

		if err := s.bridge.Dispatch(ctx, w.ID, claimed); err != nil {
			s.logger.Warn("dispatch failed, releasing claim",
				"task", claimed.ID, "worker", w.ID, "error", err)
			if _, rerr := s.st.Release(claimed.ID, false); rerr != nil {
				s.reportError(rerr)
			}
			if claimed.Kind == task.KindImpl {
				implLocked = false
			}
			continue
		}
		s.logger.Debug("task dispatched", "task", claimed.ID, "worker", w.ID)
	}
}

func (s *Scheduler) reportError(err error) {
	s.logger.Warn("scheduler pass error", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}
