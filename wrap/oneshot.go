package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// oneshotCore is the single-value cell behind one oneshot pair. done is
// closed exactly once, on Send or on sender drop; which of the two
// happened is recorded in the tri-state (Empty, Sent, Dropped).
type oneshotCore[T any] struct {
	env  *Env
	txID ids.ID
	rxID ids.ID

	mu        sync.Mutex
	value     T
	state     registry.OneshotState
	rxLive    bool
	txLive    bool
	txRemoved bool

	done chan struct{}
}

// OneshotSender sends at most one value; Send consumes the handle.
type OneshotSender[T any] struct {
	core *oneshotCore[T]
}

// OneshotReceiver resolves once the value arrives or the sender drops.
type OneshotReceiver[T any] struct {
	core *oneshotCore[T]
}

// NewOneshot registers the paired endpoints of a single-shot channel.
func NewOneshot[T any](env *Env, name string) (*OneshotSender[T], *OneshotReceiver[T], error) {
	source := ids.CaptureSource(1)
	details := registry.ChannelDetails{Flavor: registry.FlavorOneshot, OneshotState: registry.OneshotEmpty}
	open := registry.ChannelLifecycle{Open: true}

	txID, err := env.Reg.RegisterEntity(registry.KindChannelTx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register oneshot tx entity")
	}
	rxID, err := env.Reg.RegisterEntity(registry.KindChannelRx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register oneshot rx entity")
	}

	env.Reg.SetEdge(txID, rxID, registry.EdgeChannelLink, source)
	env.Reg.SetEdge(txID, rxID, registry.EdgePairedWith, source)
	env.Reg.SetEdge(rxID, txID, registry.EdgePairedWith, source)

	core := &oneshotCore[T]{
		env: env, txID: txID, rxID: rxID,
		state: registry.OneshotEmpty, rxLive: true, txLive: true,
		done: make(chan struct{}),
	}
	return &OneshotSender[T]{core: core}, &OneshotReceiver[T]{core: core}, nil
}

func (c *oneshotCore[T]) mirror(state registry.OneshotState, life registry.ChannelLifecycle) {
	details := registry.ChannelDetails{Flavor: registry.FlavorOneshot, OneshotState: state}
	body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
	c.env.Reg.UpdateEntityBody(c.txID, body)
	c.env.Reg.UpdateEntityBody(c.rxID, body)
}

func (c *oneshotCore[T]) removeIfDone() {
	c.mu.Lock()
	done := !c.txLive && !c.rxLive && !c.txRemoved
	if done {
		c.txRemoved = true
	}
	c.mu.Unlock()
	if done {
		c.env.Reg.RemoveEntity(c.txID)
		c.env.Reg.RemoveEntity(c.rxID)
	}
}

// ID exposes the tx entity id.
func (s *OneshotSender[T]) ID() ids.ID { return s.core.txID }

// Send delivers v and consumes the sender. Returns ErrChannelClosed if
// the receiver was already dropped (v is lost, matching the underlying
// primitive's send-after-close behavior).
func (s *OneshotSender[T]) Send(v T) error {
	c := s.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.rxLive {
		c.txLive = false
		c.mu.Unlock()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeClosed})
		c.removeIfDone()
		return ErrChannelClosed
	}
	c.value = v
	c.state = registry.OneshotSent
	c.txLive = false
	c.mu.Unlock()

	c.mirror(registry.OneshotSent, registry.ChannelLifecycle{Open: true})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
	close(c.done)
	return nil
}

// Drop abandons the sender without sending. The receiver resolves with
// ErrChannelClosed and both endpoints close with SenderDropped.
func (s *OneshotSender[T]) Drop() {
	c := s.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.txLive {
		c.mu.Unlock()
		return
	}
	c.txLive = false
	sent := c.state == registry.OneshotSent
	c.mu.Unlock()
	if sent {
		return
	}

	c.mu.Lock()
	c.state = registry.OneshotDropped
	c.mu.Unlock()

	c.mirror(registry.OneshotDropped, registry.ChannelLifecycle{Open: false, Cause: registry.CauseSenderDropped})
	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.SetEdge(c.rxID, c.txID, registry.EdgeClosedBy, source)
	close(c.done)
	c.removeIfDone()
}

// ID exposes the rx entity id.
func (r *OneshotReceiver[T]) ID() ids.ID { return r.core.rxID }

// Recv resolves to the sent value, or ErrChannelClosed if the sender
// dropped without sending. Suspends iff nothing has been sent yet.
func (r *OneshotReceiver[T]) Recv(ctx context.Context) (T, error) {
	c := r.core
	source := ids.CaptureSource(1)
	var zero T

	select {
	case <-c.done:
		return r.resolve(source, 0, 0, false)
	default:
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.rxID, source)
	select {
	case <-c.done:
		return r.resolve(source, startedAt, waiter, hasWaiter)
	case <-ctx.Done():
		abandonWait(c.env, c.rxID, waiter, hasWaiter)
		return zero, ctx.Err()
	}
}

func (r *OneshotReceiver[T]) resolve(source ids.Source, startedAt int64, waiter ids.ID, hasWaiter bool) (T, error) {
	c := r.core
	var zero T

	c.mu.Lock()
	state := c.state
	v := c.value
	c.rxLive = false
	c.mu.Unlock()

	if state == registry.OneshotSent {
		if startedAt != 0 {
			endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
		}
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
		c.removeIfDone()
		return v, nil
	}
	if startedAt != 0 {
		endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeClosed)
	}
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeClosed})
	c.removeIfDone()
	return zero, ErrChannelClosed
}

// Drop abandons the receiver. A later Send observes ErrChannelClosed;
// both endpoints close with ReceiverDropped.
func (r *OneshotReceiver[T]) Drop() {
	c := r.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if !c.rxLive {
		c.mu.Unlock()
		return
	}
	c.rxLive = false
	c.mu.Unlock()

	c.mirror(c.stateNow(), registry.ChannelLifecycle{Open: false, Cause: registry.CauseReceiverDropped})
	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
	c.env.Reg.SetEdge(c.txID, c.rxID, registry.EdgeClosedBy, source)
	c.removeIfDone()
}

func (c *oneshotCore[T]) stateNow() registry.OneshotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
