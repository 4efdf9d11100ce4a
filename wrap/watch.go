package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// watchCore is a versioned latest-value cell. Changed suspends until the
// version advances past what the receiver last observed: a watch recv
// suspends iff the value is unchanged.
type watchCore[T any] struct {
	env  *Env
	txID ids.ID
	rxID ids.ID

	mu      sync.Mutex
	value   T
	version uint64
	closed  bool
	wake    chan struct{}

	txLive  bool
	rxLive  bool
	removed bool
}

// WatchSender publishes the latest value; older values are simply
// replaced, never queued.
type WatchSender[T any] struct {
	core *watchCore[T]
}

// WatchReceiver observes the latest value and can wait for it to change.
type WatchReceiver[T any] struct {
	core *watchCore[T]
	seen uint64
}

// NewWatch registers the pair seeded with initial. The receiver's cursor
// starts behind the seed, so the first Changed resolves immediately —
// matching the underlying primitive, where a fresh receiver has not yet
// observed the initial value.
func NewWatch[T any](env *Env, name string, initial T) (*WatchSender[T], *WatchReceiver[T], error) {
	source := ids.CaptureSource(1)
	details := registry.ChannelDetails{Flavor: registry.FlavorWatch, LastUpdateMS: nowMS()}
	open := registry.ChannelLifecycle{Open: true}

	txID, err := env.Reg.RegisterEntity(registry.KindChannelTx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register watch tx entity")
	}
	rxID, err := env.Reg.RegisterEntity(registry.KindChannelRx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register watch rx entity")
	}
	env.Reg.SetEdge(txID, rxID, registry.EdgeChannelLink, source)
	env.Reg.SetEdge(txID, rxID, registry.EdgePairedWith, source)
	env.Reg.SetEdge(rxID, txID, registry.EdgePairedWith, source)

	core := &watchCore[T]{
		env: env, txID: txID, rxID: rxID,
		value: initial, version: 1,
		wake: make(chan struct{}), txLive: true, rxLive: true,
	}
	return &WatchSender[T]{core: core}, &WatchReceiver[T]{core: core}, nil
}

func (c *watchCore[T]) mirror(life registry.ChannelLifecycle) {
	details := registry.ChannelDetails{Flavor: registry.FlavorWatch, LastUpdateMS: nowMS()}
	body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
	c.env.Reg.UpdateEntityBody(c.txID, body)
	c.env.Reg.UpdateEntityBody(c.rxID, body)
}

func (c *watchCore[T]) removeIfDone() {
	c.mu.Lock()
	done := !c.txLive && !c.rxLive && !c.removed
	if done {
		c.removed = true
	}
	c.mu.Unlock()
	if done {
		c.env.Reg.RemoveEntity(c.txID)
		c.env.Reg.RemoveEntity(c.rxID)
	}
}

// ID exposes the tx entity id.
func (s *WatchSender[T]) ID() ids.ID { return s.core.txID }

// Send replaces the current value and wakes every receiver waiting in
// Changed. Never suspends.
func (s *WatchSender[T]) Send(v T) error {
	c := s.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.rxLive {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.value = v
	c.version++
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(wake)

	c.mirror(registry.ChannelLifecycle{Open: true})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
	return nil
}

// Drop closes the send side; waiting receivers resolve with
// ErrChannelClosed once they have consumed the final value.
func (s *WatchSender[T]) Drop() {
	c := s.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.txLive {
		c.mu.Unlock()
		return
	}
	c.txLive = false
	c.closed = true
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(wake)

	c.mirror(registry.ChannelLifecycle{Open: false, Cause: registry.CauseSenderDropped})
	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.SetEdge(c.rxID, c.txID, registry.EdgeClosedBy, source)
	c.removeIfDone()
}

// ID exposes the rx entity id.
func (r *WatchReceiver[T]) ID() ids.ID { return r.core.rxID }

// Borrow returns the current value without marking it seen.
func (r *WatchReceiver[T]) Borrow() T {
	r.core.mu.Lock()
	defer r.core.mu.Unlock()
	return r.core.value
}

// Changed suspends until a value newer than the last one this receiver
// observed exists, then returns it and advances the cursor.
func (r *WatchReceiver[T]) Changed(ctx context.Context) (T, error) {
	c := r.core
	source := ids.CaptureSource(1)
	var zero T

	if v, err, ready := r.tryChanged(); ready {
		r.record(source, err)
		return v, err
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.rxID, source)
	for {
		c.mu.Lock()
		wake := c.wake
		c.mu.Unlock()

		if v, err, ready := r.tryChanged(); ready {
			outcome := registry.OutcomeOk
			if err != nil {
				outcome = registry.OutcomeClosed
			}
			endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, outcome)
			r.record(source, err)
			return v, err
		}

		select {
		case <-wake:
		case <-ctx.Done():
			abandonWait(c.env, c.rxID, waiter, hasWaiter)
			return zero, ctx.Err()
		}
	}
}

func (r *WatchReceiver[T]) tryChanged() (T, error, bool) {
	c := r.core
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version > r.seen {
		r.seen = c.version
		return c.value, nil, true
	}
	if c.closed {
		return zero, ErrChannelClosed, true
	}
	return zero, nil, false
}

func (r *WatchReceiver[T]) record(source ids.Source, err error) {
	outcome := registry.OutcomeOk
	if err != nil {
		outcome = registry.OutcomeClosed
	}
	r.core.env.Reg.RecordEventDetailed(registry.Event{
		Target: r.core.rxID, AtMS: nowMS(), Source: source,
		Kind: registry.EventChannelReceived, Outcome: outcome,
	})
}

// Drop releases the receiver; a later Send observes ErrChannelClosed.
func (r *WatchReceiver[T]) Drop() {
	c := r.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.rxLive {
		c.mu.Unlock()
		return
	}
	c.rxLive = false
	c.mu.Unlock()

	c.mirror(registry.ChannelLifecycle{Open: false, Cause: registry.CauseReceiverDropped})
	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
	c.env.Reg.SetEdge(c.txID, c.rxID, registry.EdgeClosedBy, source)
	c.removeIfDone()
}
