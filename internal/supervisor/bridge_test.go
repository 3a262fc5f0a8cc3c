package supervisor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
)

func TestBridge_Statuses(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(t.Context(), onlyRole(task.RoleAnalystA, 1)))

	b := NewBridge(f.sup, time.Minute)
	sts, err := b.Statuses(t.Context())
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, "analyst_a-0", sts[0].ID)

	idle, err := b.Idle(t.Context())
	require.NoError(t, err)
	assert.Len(t, idle, 1)
}

func TestBridge_DispatchError(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, time.Minute)

	tk := seedReady(t, f.st, "analyst_a-1", task.RoleAnalystA)
	err := b.Dispatch(t.Context(), "analyst_a-99", tk)
	assert.ErrorContains(t, err, "not found")
}

func TestBridge_TimeoutAndRecovery(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, 50*time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	_, err := b.call(context.Background(), func() (any, error) {
		<-release
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.BridgeLost, fault.KindOf(err))

	// The next call respawns the serve loop instead of queueing behind the
	// dead one.
	v, err := b.call(context.Background(), func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBridge_AbandonedLoopExits(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, 50*time.Millisecond)

	before := runtime.NumGoroutine()

	release := make(chan struct{})
	_, err := b.call(context.Background(), func() (any, error) {
		<-release
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.BridgeLost, fault.KindOf(err))

	// Once the stuck handler returns, the abandoned serve loop must exit
	// rather than linger on its channel.
	close(release)
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_Cancellation(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, time.Minute)

	// Occupy the serve loop so the next request cannot even be accepted.
	busy := make(chan struct{})
	started := make(chan struct{})
	go b.call(context.Background(), func() (any, error) {
		close(started)
		<-busy
		return nil, nil
	})
	<-started
	defer close(busy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.call(ctx, func() (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Equal(t, fault.Cancellation, fault.KindOf(err))
}

func TestBridge_ConfigureAndWorkers(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, time.Minute)

	require.NoError(t, b.StartWorkers(t.Context(), onlyRole(task.RoleTester, 1)))
	sts, err := b.Statuses(t.Context())
	require.NoError(t, err)
	assert.Len(t, sts, 1)

	require.NoError(t, b.StopWorkers(t.Context(), task.RoleTester))
	sts, err = b.Statuses(t.Context())
	require.NoError(t, err)
	assert.Empty(t, sts)
}

func TestBridge_PanicRespawns(t *testing.T) {
	f := newFixture(t)
	b := NewBridge(f.sup, 100*time.Millisecond)

	// The panic kills the serve loop; the caller never gets a response and
	// times out as bridge-lost.
	_, err := b.call(context.Background(), func() (any, error) { panic("boom") })
	require.Error(t, err)
	assert.Equal(t, fault.BridgeLost, fault.KindOf(err))

	v, err := b.call(context.Background(), func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
