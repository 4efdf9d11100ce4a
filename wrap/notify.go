package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Notify wraps a notify-one/notify-all wakeup primitive. A NotifyOne
// with no waiter stores a single permit consumed by the next Notified
// call; NotifyWaiters wakes everyone currently parked and stores
// nothing. The entity body mirrors waiter_count.
type Notify struct {
	Env *Env
	id  ids.ID

	mu      sync.Mutex
	permit  bool
	waiters []chan struct{}
}

// NewNotify registers the notify entity.
func NewNotify(env *Env, name string) (*Notify, error) {
	id, err := env.Reg.RegisterEntity(registry.KindNotify, name, ids.CaptureSource(1), nowMS(),
		registry.EntityBody{Notify: &registry.NotifyBody{WaiterCount: 0}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register notify entity")
	}
	return &Notify{Env: env, id: id}, nil
}

// ID exposes the notify's entity id.
func (n *Notify) ID() ids.ID { return n.id }

// Close removes the notify entity.
func (n *Notify) Close() { n.Env.Reg.RemoveEntity(n.id) }

func (n *Notify) mirrorWaiters(count int) {
	n.Env.Reg.UpdateEntityBody(n.id, registry.EntityBody{Notify: &registry.NotifyBody{WaiterCount: count}})
}

// NotifyOne wakes one parked waiter, or stores a permit for the next
// Notified call if nobody is parked.
func (n *Notify) NotifyOne() {
	source := ids.CaptureSource(1)

	n.mu.Lock()
	if len(n.waiters) > 0 {
		w := n.waiters[0]
		n.waiters = n.waiters[1:]
		count := len(n.waiters)
		n.mu.Unlock()
		close(w)
		n.mirrorWaiters(count)
	} else {
		n.permit = true
		n.mu.Unlock()
	}
	n.Env.Reg.RecordEventDetailed(registry.Event{Target: n.id, AtMS: nowMS(), Source: source, Kind: registry.EventStateChanged})
}

// NotifyWaiters wakes every currently parked waiter. No permit is
// stored: a Notified call arriving after this returns parks as usual.
func (n *Notify) NotifyWaiters() {
	source := ids.CaptureSource(1)

	n.mu.Lock()
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if len(waiters) > 0 {
		n.mirrorWaiters(0)
	}
	n.Env.Reg.RecordEventDetailed(registry.Event{Target: n.id, AtMS: nowMS(), Source: source, Kind: registry.EventStateChanged})
}

// Notified parks until NotifyOne or NotifyWaiters wakes this caller, or
// returns immediately if a stored permit is pending.
func (n *Notify) Notified(ctx context.Context) error {
	source := ids.CaptureSource(1)

	n.mu.Lock()
	if n.permit {
		n.permit = false
		n.mu.Unlock()
		n.Env.Reg.RecordEventDetailed(registry.Event{Target: n.id, AtMS: nowMS(), Source: source, Kind: registry.EventOperationEnded, Outcome: registry.OutcomeOk})
		return nil
	}
	w := make(chan struct{})
	n.waiters = append(n.waiters, w)
	count := len(n.waiters)
	n.mu.Unlock()
	n.mirrorWaiters(count)

	startedAt, waiter, hasWaiter := beginWait(ctx, n.Env, n.id, source)
	select {
	case <-w:
		endWait(n.Env, n.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
		return nil
	case <-ctx.Done():
		abandonWait(n.Env, n.id, waiter, hasWaiter)
		n.mu.Lock()
		for i, cand := range n.waiters {
			if cand == w {
				n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
				break
			}
		}
		count := len(n.waiters)
		n.mu.Unlock()
		n.mirrorWaiters(count)
		return ctx.Err()
	}
}
