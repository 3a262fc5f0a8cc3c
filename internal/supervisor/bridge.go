package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
)

// defaultBridgeTimeout bounds a single bridge round trip.
const defaultBridgeTimeout = 30 * time.Second

// request is one correlated call into the serve loop.
type request struct {
	id   uint64
	do   func() (any, error)
	resp chan response
}

type response struct {
	id    uint64
	value any
	err   error
}

// Bridge serializes access to a Supervisor through a request/response
// channel. Every request carries a monotonic correlation id and a deadline;
// if the serve loop has died, callers get a bridge-lost fault and the next
// call respawns the loop instead of blocking forever.
type Bridge struct {
	sup     *Supervisor
	timeout time.Duration

	seq atomic.Uint64

	mu    sync.Mutex
	reqs  chan *request
	quit  chan struct{}
	alive bool
}

// NewBridge wraps a supervisor. The serve loop starts lazily on first use.
func NewBridge(sup *Supervisor, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	return &Bridge{sup: sup, timeout: timeout}
}

// ensureLoop starts (or restarts) the serve loop and returns its channel.
func (b *Bridge) ensureLoop() chan *request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		b.reqs = make(chan *request)
		b.quit = make(chan struct{})
		b.alive = true
		go b.serve(b.reqs, b.quit)
	}
	return b.reqs
}

// serve processes requests one at a time until quit closes. A panic in a
// handler kills the loop; the bridge marks itself dead so the next call
// respawns it.
func (b *Bridge) serve(reqs chan *request, quit chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			b.sup.logger.Error("bridge serve loop died", "panic", r)
		}
		b.mu.Lock()
		if b.reqs == reqs {
			b.alive = false
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-quit:
			return
		case req := <-reqs:
			value, err := req.do()
			req.resp <- response{id: req.id, value: value, err: err}
		}
	}
}

// call runs one request through the loop with the bridge timeout.
func (b *Bridge) call(ctx context.Context, do func() (any, error)) (any, error) {
	req := &request{
		id:   b.seq.Add(1),
		do:   do,
		resp: make(chan response, 1),
	}

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	select {
	case b.ensureLoop() <- req:
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancellation, ctx.Err(), "bridge request %d cancelled", req.id)
	case <-deadline.C:
		b.markLost()
		return nil, fault.New(fault.BridgeLost, "bridge request %d not accepted within %s", req.id, b.timeout)
	}

	select {
	case resp := <-req.resp:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancellation, ctx.Err(), "bridge request %d cancelled", req.id)
	case <-deadline.C:
		b.markLost()
		return nil, fault.New(fault.BridgeLost, "bridge request %d timed out after %s", req.id, b.timeout)
	}
}

// markLost abandons the current loop so the next call spawns a fresh one.
// Closing quit lets the old loop finish its in-flight handler and exit.
func (b *Bridge) markLost() {
	b.mu.Lock()
	if b.alive {
		b.alive = false
		close(b.quit)
	}
	b.mu.Unlock()
}

// Statuses returns the worker statuses through the bridge.
func (b *Bridge) Statuses(ctx context.Context) ([]Status, error) {
	v, err := b.call(ctx, func() (any, error) {
		return b.sup.Statuses(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Status), nil
}

// Idle returns the idle workers in dispatch order.
func (b *Bridge) Idle(ctx context.Context) ([]Status, error) {
	v, err := b.call(ctx, func() (any, error) {
		return b.sup.Idle(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Status), nil
}

// Dispatch hands a claimed task to a worker.
func (b *Bridge) Dispatch(ctx context.Context, workerID string, t *task.Task) error {
	_, err := b.call(ctx, func() (any, error) {
		return nil, b.sup.Dispatch(workerID, t)
	})
	return err
}

// Configure updates the desired worker configuration.
func (b *Bridge) Configure(ctx context.Context, configs []config.WorkerSpawnConfig) error {
	_, err := b.call(ctx, func() (any, error) {
		b.sup.Configure(configs)
		return nil, nil
	})
	return err
}

// StartWorkers reconciles the worker set to the desired configuration.
func (b *Bridge) StartWorkers(ctx context.Context, configs []config.WorkerSpawnConfig) error {
	_, err := b.call(ctx, func() (any, error) {
		return nil, b.sup.Start(context.WithoutCancel(ctx), configs)
	})
	return err
}

// StopWorkers stops workers matching the role filter.
func (b *Bridge) StopWorkers(ctx context.Context, roles ...task.Role) error {
	_, err := b.call(ctx, func() (any, error) {
		return nil, b.sup.Stop(roles...)
	})
	return err
}
