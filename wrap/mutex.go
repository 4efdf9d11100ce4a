package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Mutex wraps sync.Mutex, installing a Holds edge from the lock's entity
// to the holder's task scope on every successful acquire and retracting
// it when the guard is released.
type Mutex struct {
	Env *Env
	id  ids.ID

	inner sync.Mutex
}

// NewMutex registers the lock entity and returns a ready-to-use wrapper.
func NewMutex(env *Env, name string) (*Mutex, error) {
	id, err := env.Reg.RegisterEntity(registry.KindLock, name, ids.CaptureSource(1), nowMS(),
		registry.EntityBody{Lock: &registry.LockBody{Kind: registry.LockKindMutex}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register mutex entity")
	}
	return &Mutex{Env: env, id: id}, nil
}

// ID exposes the lock's entity id for tests and for futures that want to
// target it explicitly.
func (m *Mutex) ID() ids.ID { return m.id }

// Close removes the lock entity. Dropping the wrapper retracts every
// edge the entity is an endpoint of via the registry's cascade.
func (m *Mutex) Close() { m.Env.Reg.RemoveEntity(m.id) }

// MutexGuard releases the underlying lock and retracts its Holds edge on
// Unlock.
type MutexGuard struct {
	m           *Mutex
	holderScope ids.ID
}

// Lock acquires the mutex on behalf of holderScope (the caller's task
// scope, or any scope id the caller wants attributed as holder).
// ctx supplies the causal stack used to attribute a Needs edge if the
// lock is currently held by someone else.
func (m *Mutex) Lock(ctx context.Context, holderScope ids.ID) *MutexGuard {
	source := ids.CaptureSource(1)

	if m.inner.TryLock() {
		m.Env.Reg.RecordEventDetailed(registry.Event{
			Target: m.id, AtMS: nowMS(), Source: source,
			Kind: registry.EventOperationEnded, Outcome: registry.OutcomeOk,
		})
		m.Env.Reg.SetEdge(m.id, holderScope, registry.EdgeHolds, source)
		return &MutexGuard{m: m, holderScope: holderScope}
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, m.Env, m.id, source)
	m.inner.Lock()
	endWait(m.Env, m.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)

	m.Env.Reg.SetEdge(m.id, holderScope, registry.EdgeHolds, source)
	return &MutexGuard{m: m, holderScope: holderScope}
}

// Unlock releases the mutex and retracts the Holds edge installed by
// Lock.
func (g *MutexGuard) Unlock() {
	g.m.Env.Reg.ClearEdge(g.m.id, g.holderScope, registry.EdgeHolds)
	g.m.inner.Unlock()
}

// RWMutex wraps sync.RWMutex the same way, distinguishing only the lock
// body's Kind so a dashboard query can tell reader/writer contention
// apart from plain mutex contention.
type RWMutex struct {
	Env *Env
	id  ids.ID

	inner sync.RWMutex

	mu sync.Mutex
	// holders counts live acquisitions per holder scope. Concurrent
	// readers in the same scope share one Holds edge, and the edge is
	// only cleared when the scope's last guard releases — the same
	// bookkeeping the semaphore wrapper keeps per permit holder.
	holders map[ids.ID]int
}

func NewRWMutex(env *Env, name string) (*RWMutex, error) {
	id, err := env.Reg.RegisterEntity(registry.KindLock, name, ids.CaptureSource(1), nowMS(),
		registry.EntityBody{Lock: &registry.LockBody{Kind: registry.LockKindRWLock}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register rwmutex entity")
	}
	return &RWMutex{Env: env, id: id, holders: make(map[ids.ID]int)}, nil
}

// ID exposes the lock's entity id.
func (m *RWMutex) ID() ids.ID { return m.id }

// Close removes the lock entity.
func (m *RWMutex) Close() { m.Env.Reg.RemoveEntity(m.id) }

// RWGuard releases a read or write acquisition of an RWMutex.
type RWGuard struct {
	m           *RWMutex
	holderScope ids.ID
	read        bool
	released    bool
}

func (m *RWMutex) granted(holderScope ids.ID, source ids.Source) {
	if holderScope == 0 {
		return
	}
	m.mu.Lock()
	m.holders[holderScope]++
	m.mu.Unlock()
	m.Env.Reg.SetEdge(m.id, holderScope, registry.EdgeHolds, source)
}

// Lock acquires the write side, attributed to holderScope.
func (m *RWMutex) Lock(ctx context.Context, holderScope ids.ID) *RWGuard {
	source := ids.CaptureSource(1)
	if m.inner.TryLock() {
		m.Env.Reg.RecordEventDetailed(registry.Event{Target: m.id, AtMS: nowMS(), Source: source, Kind: registry.EventOperationEnded, Outcome: registry.OutcomeOk})
		m.granted(holderScope, source)
		return &RWGuard{m: m, holderScope: holderScope}
	}
	startedAt, waiter, hasWaiter := beginWait(ctx, m.Env, m.id, source)
	m.inner.Lock()
	endWait(m.Env, m.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
	m.granted(holderScope, source)
	return &RWGuard{m: m, holderScope: holderScope}
}

// RLock acquires the read side, attributed the same way as Lock.
// Readers sharing a holder scope share one Holds edge, refcounted so it
// survives until the scope's last reader releases.
func (m *RWMutex) RLock(ctx context.Context, holderScope ids.ID) *RWGuard {
	source := ids.CaptureSource(1)
	if m.inner.TryRLock() {
		m.Env.Reg.RecordEventDetailed(registry.Event{Target: m.id, AtMS: nowMS(), Source: source, Kind: registry.EventOperationEnded, Outcome: registry.OutcomeOk})
		m.granted(holderScope, source)
		return &RWGuard{m: m, holderScope: holderScope, read: true}
	}
	startedAt, waiter, hasWaiter := beginWait(ctx, m.Env, m.id, source)
	m.inner.RLock()
	endWait(m.Env, m.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
	m.granted(holderScope, source)
	return &RWGuard{m: m, holderScope: holderScope, read: true}
}

// Unlock releases whichever side this guard acquired. The Holds edge is
// retracted only when this holder scope's last outstanding guard goes;
// a second reader in the same scope keeps it alive. Idempotent.
func (g *RWGuard) Unlock() {
	if g.released {
		return
	}
	g.released = true

	m := g.m
	clearHolds := false
	if g.holderScope != 0 {
		m.mu.Lock()
		m.holders[g.holderScope]--
		clearHolds = m.holders[g.holderScope] <= 0
		if clearHolds {
			delete(m.holders, g.holderScope)
		}
		m.mu.Unlock()
	}

	if clearHolds {
		m.Env.Reg.ClearEdge(m.id, g.holderScope, registry.EdgeHolds)
	}
	if g.read {
		m.inner.RUnlock()
	} else {
		m.inner.Unlock()
	}
}
