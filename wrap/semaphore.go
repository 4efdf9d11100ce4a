package wrap

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Semaphore wraps golang.org/x/sync's weighted semaphore, mirroring
// permits_total/permits_available into the entity body and installing a
// Holds edge per outstanding permit holder.
type Semaphore struct {
	Env *Env
	id  ids.ID

	inner *semaphore.Weighted
	total int64

	mu        sync.Mutex
	available int64
	// holders counts outstanding permits per holder scope so the Holds
	// edge is only cleared when a holder's last permit is released —
	// one Holds edge per holder, not one per permit.
	holders map[ids.ID]int64
}

// NewSemaphore registers the semaphore entity with permits permits.
func NewSemaphore(env *Env, name string, permits int64) (*Semaphore, error) {
	if permits <= 0 {
		return nil, errors.Newf("wrap: semaphore permits must be > 0, got %d", permits)
	}
	id, err := env.Reg.RegisterEntity(registry.KindSemaphore, name, ids.CaptureSource(1), nowMS(),
		registry.EntityBody{Semaphore: &registry.SemaphoreBody{PermitsTotal: int(permits), PermitsAvailable: int(permits)}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register semaphore entity")
	}
	return &Semaphore{
		Env: env, id: id,
		inner: semaphore.NewWeighted(permits), total: permits,
		available: permits, holders: make(map[ids.ID]int64),
	}, nil
}

// ID exposes the semaphore's entity id.
func (s *Semaphore) ID() ids.ID { return s.id }

// Close removes the semaphore entity.
func (s *Semaphore) Close() { s.Env.Reg.RemoveEntity(s.id) }

// Permit releases n permits back to its semaphore on Release.
type Permit struct {
	s           *Semaphore
	n           int64
	holderScope ids.ID
	released    bool
}

// Acquire obtains n permits on behalf of holderScope, suspending iff
// fewer than n are currently available. Returns ctx.Err() if cancelled
// while waiting; the Needs edge is retracted on that path with no
// outcome event.
func (s *Semaphore) Acquire(ctx context.Context, holderScope ids.ID, n int64) (*Permit, error) {
	source := ids.CaptureSource(1)

	if s.inner.TryAcquire(n) {
		s.granted(holderScope, n, source)
		s.Env.Reg.RecordEventDetailed(registry.Event{Target: s.id, AtMS: nowMS(), Source: source, Kind: registry.EventOperationEnded, Outcome: registry.OutcomeOk})
		return &Permit{s: s, n: n, holderScope: holderScope}, nil
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, s.Env, s.id, source)
	if err := s.inner.Acquire(ctx, n); err != nil {
		abandonWait(s.Env, s.id, waiter, hasWaiter)
		return nil, err
	}
	endWait(s.Env, s.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
	s.granted(holderScope, n, source)
	return &Permit{s: s, n: n, holderScope: holderScope}, nil
}

// TryAcquire obtains n permits without suspending, or reports failure.
func (s *Semaphore) TryAcquire(holderScope ids.ID, n int64) (*Permit, bool) {
	source := ids.CaptureSource(1)
	if !s.inner.TryAcquire(n) {
		return nil, false
	}
	s.granted(holderScope, n, source)
	return &Permit{s: s, n: n, holderScope: holderScope}, true
}

func (s *Semaphore) granted(holderScope ids.ID, n int64, source ids.Source) {
	s.mu.Lock()
	s.available -= n
	avail := s.available
	if holderScope != 0 {
		s.holders[holderScope] += n
	}
	s.mu.Unlock()

	s.Env.Reg.UpdateEntityBody(s.id, registry.EntityBody{
		Semaphore: &registry.SemaphoreBody{PermitsTotal: int(s.total), PermitsAvailable: int(avail)},
	})
	if holderScope != 0 {
		s.Env.Reg.SetEdge(s.id, holderScope, registry.EdgeHolds, source)
	}
}

// Release returns the permit's n permits. Idempotent; the Holds edge is
// retracted only when this holder's outstanding count reaches zero.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true
	s := p.s

	s.mu.Lock()
	s.available += p.n
	avail := s.available
	clearHolds := false
	if p.holderScope != 0 {
		s.holders[p.holderScope] -= p.n
		if s.holders[p.holderScope] <= 0 {
			delete(s.holders, p.holderScope)
			clearHolds = true
		}
	}
	s.mu.Unlock()

	s.inner.Release(p.n)
	s.Env.Reg.UpdateEntityBody(s.id, registry.EntityBody{
		Semaphore: &registry.SemaphoreBody{PermitsTotal: int(s.total), PermitsAvailable: int(avail)},
	})
	if clearHolds {
		s.Env.Reg.ClearEdge(s.id, p.holderScope, registry.EdgeHolds)
	}
}
