package wrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{Reg: registry.New(ids.NewAllocator(), 1)}
}

// trackedCtx returns a context whose causal stack has futID on top, the
// way an instrumented future's poll would leave it.
func trackedCtx(t *testing.T, env *Env) (context.Context, ids.ID) {
	t.Helper()
	futID, err := env.Reg.RegisterEntity(registry.KindFuture, "test-future", "", 0, registry.EntityBody{}, 0)
	require.NoError(t, err)

	stack := causal.NewStack()
	stack.Push(futID)
	return causal.Ensure(context.Background(), stack), futID
}

func hasEdge(env *Env, src, dst ids.ID, kind registry.EdgeKind) bool {
	for _, e := range env.Reg.Snapshot().Edges {
		if e.Src == src && e.Dst == dst && e.Kind == kind {
			return true
		}
	}
	return false
}

func eventsFor(env *Env, target ids.ID, kind registry.EventKind) []registry.Event {
	var out []registry.Event
	for _, ev := range env.Reg.Snapshot().Events {
		if ev.Target == target && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestChannelPairedOnCreation(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewChannel[int](env, "jobs", 4)
	require.NoError(t, err)

	assert.True(t, hasEdge(env, tx.ID(), rx.ID(), registry.EdgePairedWith))
	assert.True(t, hasEdge(env, rx.ID(), tx.ID(), registry.EdgePairedWith))
	assert.True(t, hasEdge(env, tx.ID(), rx.ID(), registry.EdgeChannelLink))

	_, err = env.Reg.Entity(tx.ID())
	require.NoError(t, err)
	_, err = env.Reg.Entity(rx.ID())
	require.NoError(t, err)
}

func TestBoundedChannelSaturation(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewChannel[int](env, "saturated", 16)
	require.NoError(t, err)
	_ = rx

	ctx, futID := trackedCtx(t, env)

	for i := 0; i < 16; i++ {
		require.NoError(t, tx.Send(ctx, i))
	}

	ent, err := env.Reg.Entity(tx.ID())
	require.NoError(t, err)
	assert.Equal(t, 16, ent.Body.ChannelDetails.Occupancy)
	assert.Equal(t, 16, ent.Body.ChannelDetails.Buffer)
	assert.Len(t, eventsFor(env, tx.ID(), registry.EventChannelSent), 16)

	// The 17th send suspends; the producer's future entity Needs the tx
	// endpoint and the wait stays open.
	blocked := make(chan error, 1)
	go func() { blocked <- tx.Send(ctx, 16) }()

	require.Eventually(t, func() bool {
		return hasEdge(env, futID, tx.ID(), registry.EdgeNeeds)
	}, time.Second, time.Millisecond)
	assert.Len(t, eventsFor(env, tx.ID(), registry.EventChannelWaitStarted), 1)
	assert.Empty(t, eventsFor(env, tx.ID(), registry.EventChannelWaitEnded))

	// Unblock and verify the wait closes and the edge retracts.
	_, err = rx.Recv(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-blocked)
	assert.False(t, hasEdge(env, futID, tx.ID(), registry.EdgeNeeds))
	assert.Len(t, eventsFor(env, tx.ID(), registry.EventChannelWaitEnded), 1)
}

func TestBoundedChannelSenderDropCloses(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewChannel[string](env, "closing", 2)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), "before close"))
	tx.Drop()

	// Buffered value still delivered, then Closed.
	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "before close", v)

	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)

	assert.Len(t, eventsFor(env, tx.ID(), registry.EventChannelClosed), 1)
	assert.Len(t, eventsFor(env, rx.ID(), registry.EventChannelClosed), 1)
}

func TestClonedSenderKeepsChannelOpen(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewChannel[int](env, "cloned", 2)
	require.NoError(t, err)

	tx2 := tx.Clone()
	tx.Drop()

	require.NoError(t, tx2.Send(context.Background(), 7))
	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	tx2.Drop()
	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestReceiverDropWakesBlockedSender(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewChannel[int](env, "rx-drop", 1)
	require.NoError(t, err)

	require.NoError(t, tx.Send(context.Background(), 0))
	blocked := make(chan error, 1)
	go func() { blocked <- tx.Send(context.Background(), 1) }()

	require.Eventually(t, func() bool {
		return len(eventsFor(env, tx.ID(), registry.EventChannelWaitStarted)) == 1
	}, time.Second, time.Millisecond)

	rx.Drop()
	require.ErrorIs(t, <-blocked, ErrChannelClosed)

	ent, err := env.Reg.Entity(tx.ID())
	if err == nil {
		assert.False(t, ent.Body.ChannelLifecycle.Open)
		assert.Equal(t, registry.CauseReceiverDropped, ent.Body.ChannelLifecycle.Cause)
	}
}

func TestUnboundedSendNeverSuspends(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewUnboundedChannel[int](env, "unbounded")
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, tx.Send(context.Background(), i))
	}
	assert.Empty(t, eventsFor(env, tx.ID(), registry.EventChannelWaitStarted))

	for i := 0; i < 1000; i++ {
		v, err := rx.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestOneshotDroppedSender(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewOneshot[int](env, "doomed")
	require.NoError(t, err)

	ctx, futID := trackedCtx(t, env)

	got := make(chan error, 1)
	go func() {
		_, err := rx.Recv(ctx)
		got <- err
	}()

	require.Eventually(t, func() bool {
		return hasEdge(env, futID, rx.ID(), registry.EdgeNeeds)
	}, time.Second, time.Millisecond)

	txID, rxID := tx.ID(), rx.ID()
	tx.Drop()
	require.ErrorIs(t, <-got, ErrChannelClosed)

	// Both endpoints closed SenderDropped, a ChannelClosed event on
	// each, and the Needs edge retracted.
	assert.False(t, hasEdge(env, futID, rxID, registry.EdgeNeeds))
	assert.Len(t, eventsFor(env, txID, registry.EventChannelClosed), 1)
	assert.Len(t, eventsFor(env, rxID, registry.EventChannelClosed), 1)
}

func TestOneshotSendRecv(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewOneshot[string](env, "handoff")
	require.NoError(t, err)

	require.NoError(t, tx.Send("value"))
	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestSemaphoreStarvation(t *testing.T) {
	env := newTestEnv(t)
	sem, err := NewSemaphore(env, "pool", 4)
	require.NoError(t, err)

	holderScope, err := env.Reg.RegisterScope(registry.ScopeTask, "holder", "", 0)
	require.NoError(t, err)

	permit, err := sem.Acquire(context.Background(), holderScope, 4)
	require.NoError(t, err)

	ent, err := env.Reg.Entity(sem.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, ent.Body.Semaphore.PermitsAvailable)
	assert.True(t, hasEdge(env, sem.ID(), holderScope, registry.EdgeHolds))

	// Two waiters each request one permit; both park with Needs edges
	// and open waits.
	ctxA, futA := trackedCtx(t, env)
	ctxB, futB := trackedCtx(t, env)
	done := make(chan *Permit, 2)
	go func() { p, _ := sem.Acquire(ctxA, 0, 1); done <- p }()
	go func() { p, _ := sem.Acquire(ctxB, 0, 1); done <- p }()

	require.Eventually(t, func() bool {
		return hasEdge(env, futA, sem.ID(), registry.EdgeNeeds) &&
			hasEdge(env, futB, sem.ID(), registry.EdgeNeeds)
	}, time.Second, time.Millisecond)
	assert.Len(t, eventsFor(env, sem.ID(), registry.EventChannelWaitStarted), 2)
	assert.Empty(t, eventsFor(env, sem.ID(), registry.EventChannelWaitEnded))

	permit.Release()
	(<-done).Release()
	(<-done).Release()

	assert.False(t, hasEdge(env, sem.ID(), holderScope, registry.EdgeHolds))
	ent, err = env.Reg.Entity(sem.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, ent.Body.Semaphore.PermitsAvailable)
}

func TestMutexHoldsEdge(t *testing.T) {
	env := newTestEnv(t)
	m, err := NewMutex(env, "shared")
	require.NoError(t, err)

	scope, err := env.Reg.RegisterScope(registry.ScopeTask, "alpha", "", 0)
	require.NoError(t, err)

	guard := m.Lock(context.Background(), scope)
	assert.True(t, hasEdge(env, m.ID(), scope, registry.EdgeHolds))

	guard.Unlock()
	assert.False(t, hasEdge(env, m.ID(), scope, registry.EdgeHolds))
}

func TestMutexContention(t *testing.T) {
	env := newTestEnv(t)
	m, err := NewMutex(env, "contended")
	require.NoError(t, err)

	scopeA, _ := env.Reg.RegisterScope(registry.ScopeTask, "a", "", 0)
	scopeB, _ := env.Reg.RegisterScope(registry.ScopeTask, "b", "", 0)

	guard := m.Lock(context.Background(), scopeA)

	ctx, futID := trackedCtx(t, env)
	acquired := make(chan *MutexGuard, 1)
	go func() { acquired <- m.Lock(ctx, scopeB) }()

	require.Eventually(t, func() bool {
		return hasEdge(env, futID, m.ID(), registry.EdgeNeeds)
	}, time.Second, time.Millisecond)

	guard.Unlock()
	g2 := <-acquired
	assert.False(t, hasEdge(env, futID, m.ID(), registry.EdgeNeeds))
	assert.True(t, hasEdge(env, m.ID(), scopeB, registry.EdgeHolds))
	g2.Unlock()
}

func TestRWMutexReadersShareEdges(t *testing.T) {
	env := newTestEnv(t)
	m, err := NewRWMutex(env, "rw")
	require.NoError(t, err)

	s1, _ := env.Reg.RegisterScope(registry.ScopeTask, "r1", "", 0)
	s2, _ := env.Reg.RegisterScope(registry.ScopeTask, "r2", "", 0)

	g1 := m.RLock(context.Background(), s1)
	g2 := m.RLock(context.Background(), s2)
	assert.True(t, hasEdge(env, m.ID(), s1, registry.EdgeHolds))
	assert.True(t, hasEdge(env, m.ID(), s2, registry.EdgeHolds))

	g1.Unlock()
	assert.False(t, hasEdge(env, m.ID(), s1, registry.EdgeHolds))
	assert.True(t, hasEdge(env, m.ID(), s2, registry.EdgeHolds))
	g2.Unlock()
}

func TestWatchChanged(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewWatch(env, "config", 1)
	require.NoError(t, err)

	// A fresh receiver has not seen the initial value.
	v, err := rx.Changed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	got := make(chan int, 1)
	go func() {
		v, _ := rx.Changed(context.Background())
		got <- v
	}()

	require.Eventually(t, func() bool {
		return len(eventsFor(env, rx.ID(), registry.EventChannelWaitStarted)) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, tx.Send(2))
	assert.Equal(t, 2, <-got)
	assert.Equal(t, 2, rx.Borrow())
}

func TestBroadcastLag(t *testing.T) {
	env := newTestEnv(t)
	tx, rx, err := NewBroadcast[int](env, "feed", 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Send(i))
	}

	_, err = rx.Recv(context.Background())
	var lagged *ErrLagged
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(3), lagged.Skipped)

	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	v, err = rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestBroadcastSubscribeSeesOnlyNewValues(t *testing.T) {
	env := newTestEnv(t)
	tx, rx1, err := NewBroadcast[int](env, "feed", 8)
	require.NoError(t, err)

	require.NoError(t, tx.Send(1))
	rx2 := tx.Subscribe()
	require.NoError(t, tx.Send(2))

	v, err := rx1.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = rx2.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestNotifyPermitAndWaiters(t *testing.T) {
	env := newTestEnv(t)
	n, err := NewNotify(env, "wakeup")
	require.NoError(t, err)

	// Stored permit: Notified returns immediately.
	n.NotifyOne()
	require.NoError(t, n.Notified(context.Background()))

	woke := make(chan error, 2)
	go func() { woke <- n.Notified(context.Background()) }()
	go func() { woke <- n.Notified(context.Background()) }()

	require.Eventually(t, func() bool {
		ent, err := env.Reg.Entity(n.ID())
		return err == nil && ent.Body.Notify.WaiterCount == 2
	}, time.Second, time.Millisecond)

	n.NotifyWaiters()
	require.NoError(t, <-woke)
	require.NoError(t, <-woke)

	ent, err := env.Reg.Entity(n.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, ent.Body.Notify.WaiterCount)
}

func TestOnceCellSingleInit(t *testing.T) {
	env := newTestEnv(t)
	cell, err := NewOnceCell[int](env, "config")
	require.NoError(t, err)

	_, ok := cell.Get()
	assert.False(t, ok)

	inits := 0
	v, err := cell.GetOrInit(context.Background(), func(context.Context) (int, error) {
		inits++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = cell.GetOrInit(context.Background(), func(context.Context) (int, error) {
		inits++
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, inits)

	ent, err := env.Reg.Entity(cell.ID())
	require.NoError(t, err)
	assert.Equal(t, registry.OnceCellInitialized, ent.Body.OnceCell.State)
}

func TestSleepCancellationRetractsEdges(t *testing.T) {
	env := newTestEnv(t)
	ctx, futID := trackedCtx(t, env)
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, env, time.Hour) }()

	require.Eventually(t, func() bool {
		for _, e := range env.Reg.Snapshot().Edges {
			if e.Src == futID && e.Kind == registry.EdgeNeeds {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// No orphan Needs edges from the cancelled sleeper, and the
	// transient sleep entity is gone.
	for _, e := range env.Reg.Snapshot().Edges {
		assert.NotEqual(t, registry.EdgeNeeds, e.Kind)
	}
	for _, e := range env.Reg.Snapshot().Entities {
		assert.NotEqual(t, "sleep", e.Name)
	}
}

func TestCancelledSendRetractsWithoutOutcome(t *testing.T) {
	env := newTestEnv(t)
	tx, _, err := NewChannel[int](env, "cancel", 1)
	require.NoError(t, err)
	require.NoError(t, tx.Send(context.Background(), 0))

	ctx, futID := trackedCtx(t, env)
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() { done <- tx.Send(ctx, 1) }()

	require.Eventually(t, func() bool {
		return hasEdge(env, futID, tx.ID(), registry.EdgeNeeds)
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.False(t, hasEdge(env, futID, tx.ID(), registry.EdgeNeeds))
	// Cancellation emits no wait-ended outcome.
	assert.Empty(t, eventsFor(env, tx.ID(), registry.EventChannelWaitEnded))
}

func TestRWMutexSameScopeReadersShareRefcountedEdge(t *testing.T) {
	env := newTestEnv(t)
	m, err := NewRWMutex(env, "rw-shared")
	require.NoError(t, err)

	scope, err := env.Reg.RegisterScope(registry.ScopeTask, "readers", "", 0)
	require.NoError(t, err)

	g1 := m.RLock(context.Background(), scope)
	g2 := m.RLock(context.Background(), scope)
	require.True(t, hasEdge(env, m.ID(), scope, registry.EdgeHolds))

	// The first release must not clear the edge out from under the
	// second reader.
	g1.Unlock()
	assert.True(t, hasEdge(env, m.ID(), scope, registry.EdgeHolds))

	g2.Unlock()
	assert.False(t, hasEdge(env, m.ID(), scope, registry.EdgeHolds))

	// Unlock is idempotent.
	g2.Unlock()
}
