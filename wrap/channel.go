package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// ErrChannelClosed is returned from Send/Recv once the opposite endpoint
// has been dropped and (for Recv) the buffer has drained.
var ErrChannelClosed = errors.New("wrap: channel closed")

// chanCore is the state shared by the two endpoints of one mpsc channel.
// The inner buffered Go channel is the wrapped primitive for the bounded
// flavor; the unbounded flavor keeps its own queue because a Go channel
// cannot grow and an unbounded send must never suspend.
type chanCore[T any] struct {
	env    *Env
	txID   ids.ID
	rxID   ids.ID
	flavor registry.ChannelFlavor
	cap    int

	inner chan T // bounded flavor only

	mu        sync.Mutex
	queue     []T // unbounded flavor only
	senders   int // live Sender handles; zero after the last Drop
	rxLive    bool
	closed    bool
	cause     registry.ChannelCloseCause
	txRemoved bool
	rxRemoved bool

	// signal wakes one blocked unbounded receiver; txClosed/rxDropped
	// wake every waiter on the opposite endpoint's drop.
	signal    chan struct{}
	txClosed  chan struct{}
	rxDropped chan struct{}
}

// Sender is the transmit endpoint of an mpsc channel. Senders are
// cloneable; the channel closes with cause SenderDropped once every
// clone has been dropped.
type Sender[T any] struct {
	core *chanCore[T]
}

// Receiver is the single consume endpoint.
type Receiver[T any] struct {
	core *chanCore[T]
}

// NewChannel creates a bounded mpsc channel of the given capacity
// (must be > 0), registering the paired tx/rx entities and linking them
// with ChannelLink and PairedWith in both orientations.
func NewChannel[T any](env *Env, name string, capacity int) (*Sender[T], *Receiver[T], error) {
	if capacity <= 0 {
		return nil, nil, errors.Newf("wrap: bounded channel capacity must be > 0, got %d", capacity)
	}
	core := &chanCore[T]{
		env: env, flavor: registry.FlavorMpscBounded, cap: capacity,
		inner: make(chan T, capacity),
	}
	if err := core.register(name, ids.CaptureSource(1)); err != nil {
		return nil, nil, err
	}
	return &Sender[T]{core: core}, &Receiver[T]{core: core}, nil
}

// NewUnboundedChannel creates an mpsc channel whose sends never suspend.
func NewUnboundedChannel[T any](env *Env, name string) (*Sender[T], *Receiver[T], error) {
	core := &chanCore[T]{
		env: env, flavor: registry.FlavorMpscUnbounded,
		signal: make(chan struct{}, 1),
	}
	if err := core.register(name, ids.CaptureSource(1)); err != nil {
		return nil, nil, err
	}
	return &Sender[T]{core: core}, &Receiver[T]{core: core}, nil
}

func (c *chanCore[T]) register(name string, source ids.Source) error {
	details := registry.ChannelDetails{Flavor: c.flavor, Buffer: c.cap}
	open := registry.ChannelLifecycle{Open: true}

	txID, err := c.env.Reg.RegisterEntity(registry.KindChannelTx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, c.env.ProcessScope)
	if err != nil {
		return errors.Wrap(err, "wrap: register channel tx entity")
	}
	rxID, err := c.env.Reg.RegisterEntity(registry.KindChannelRx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, c.env.ProcessScope)
	if err != nil {
		return errors.Wrap(err, "wrap: register channel rx entity")
	}
	c.txID, c.rxID = txID, rxID
	c.senders = 1
	c.rxLive = true
	c.txClosed = make(chan struct{})
	c.rxDropped = make(chan struct{})

	c.env.Reg.SetEdge(txID, rxID, registry.EdgeChannelLink, source)
	c.env.Reg.SetEdge(txID, rxID, registry.EdgePairedWith, source)
	c.env.Reg.SetEdge(rxID, txID, registry.EdgePairedWith, source)
	return nil
}

// occupancy returns the current queue length. Caller need not hold mu
// for the bounded flavor.
func (c *chanCore[T]) occupancy() int {
	if c.flavor == registry.FlavorMpscBounded {
		return len(c.inner)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// mirrorDetails rewrites both endpoints' bodies with the current
// occupancy. Lifecycle is re-read from the core so a concurrent close is
// never overwritten back to Open.
func (c *chanCore[T]) mirrorDetails() {
	c.mu.Lock()
	life := registry.ChannelLifecycle{Open: !c.closed, Cause: c.cause}
	c.mu.Unlock()

	details := registry.ChannelDetails{Flavor: c.flavor, Buffer: c.cap, Occupancy: c.occupancy()}
	body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
	c.env.Reg.UpdateEntityBody(c.txID, body)
	c.env.Reg.UpdateEntityBody(c.rxID, body)
}

// close transitions both endpoints to Closed(cause), emits a
// ChannelClosed event on each side, and annotates the surviving endpoint
// with a ClosedBy edge pointing at the endpoint whose drop caused the
// closure. Idempotent; the first cause wins.
func (c *chanCore[T]) close(cause registry.ChannelCloseCause, source ids.Source) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	c.mu.Unlock()

	life := registry.ChannelLifecycle{Open: false, Cause: cause}
	details := registry.ChannelDetails{Flavor: c.flavor, Buffer: c.cap, Occupancy: c.occupancy()}
	body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
	c.env.Reg.UpdateEntityBody(c.txID, body)
	c.env.Reg.UpdateEntityBody(c.rxID, body)

	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: cause})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: cause})

	switch cause {
	case registry.CauseSenderDropped:
		c.env.Reg.SetEdge(c.rxID, c.txID, registry.EdgeClosedBy, source)
	case registry.CauseReceiverDropped:
		c.env.Reg.SetEdge(c.txID, c.rxID, registry.EdgeClosedBy, source)
	}
}

// removeEndpoints deletes both endpoint entities once both sides have
// been dropped, so a dashboard watching a half-closed channel still
// sees both endpoints until the survivor goes away too.
func (c *chanCore[T]) removeEndpoints() {
	c.mu.Lock()
	remove := c.senders == 0 && !c.rxLive && !c.txRemoved && !c.rxRemoved
	if remove {
		c.txRemoved = true
		c.rxRemoved = true
	}
	c.mu.Unlock()

	if remove {
		c.env.Reg.RemoveEntity(c.txID)
		c.env.Reg.RemoveEntity(c.rxID)
	}
}

// ID exposes the tx entity id.
func (s *Sender[T]) ID() ids.ID { return s.core.txID }

// Clone adds a sender handle sharing the same tx entity; endpoint
// identity is per-channel-side, not per-handle, so no new entity is
// registered: exactly one PairedWith pair exists for the channel's life.
func (s *Sender[T]) Clone() *Sender[T] {
	s.core.mu.Lock()
	s.core.senders++
	s.core.mu.Unlock()
	return &Sender[T]{core: s.core}
}

// Drop releases this sender handle. The last drop closes the channel
// with cause SenderDropped and wakes every blocked receiver.
func (s *Sender[T]) Drop() {
	c := s.core
	c.mu.Lock()
	c.senders--
	last := c.senders == 0
	c.mu.Unlock()

	if !last {
		return
	}
	c.close(registry.CauseSenderDropped, ids.CaptureSource(1))
	close(c.txClosed)
	if c.signal != nil {
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
	if c.rxLiveNow() {
		return
	}
	c.removeEndpoints()
}

func (c *chanCore[T]) rxLiveNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxLive
}

// Send delivers v, suspending iff the bounded buffer is full. Returns
// ErrChannelClosed if the receiver has been
// dropped, ctx.Err() on cancellation.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	c := s.core
	source := ids.CaptureSource(1)

	if c.flavor == registry.FlavorMpscUnbounded {
		return s.sendUnbounded(ctx, v, source)
	}

	select {
	case <-c.rxDropped:
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeClosed})
		return ErrChannelClosed
	default:
	}

	// Fast path: room in the buffer, no suspension, no edges.
	select {
	case c.inner <- v:
		c.mirrorDetails()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
		return nil
	default:
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.txID, source)
	select {
	case c.inner <- v:
		endWait(c.env, c.txID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
		c.mirrorDetails()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
		return nil
	case <-c.rxDropped:
		endWait(c.env, c.txID, source, startedAt, waiter, hasWaiter, registry.OutcomeClosed)
		return ErrChannelClosed
	case <-ctx.Done():
		abandonWait(c.env, c.txID, waiter, hasWaiter)
		return ctx.Err()
	}
}

func (s *Sender[T]) sendUnbounded(ctx context.Context, v T, source ids.Source) error {
	c := s.core
	c.mu.Lock()
	if !c.rxLive {
		c.mu.Unlock()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeClosed})
		return ErrChannelClosed
	}
	c.queue = append(c.queue, v)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	c.mirrorDetails()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
	return nil
}

// ID exposes the rx entity id.
func (r *Receiver[T]) ID() ids.ID { return r.core.rxID }

// Drop releases the receiver. Blocked senders wake with
// ErrChannelClosed; both endpoints transition to Closed(ReceiverDropped)
//.
func (r *Receiver[T]) Drop() {
	c := r.core
	c.mu.Lock()
	if !c.rxLive {
		c.mu.Unlock()
		return
	}
	c.rxLive = false
	c.mu.Unlock()

	c.close(registry.CauseReceiverDropped, ids.CaptureSource(1))
	close(c.rxDropped)
	c.removeEndpoints()
}

// Recv returns the next value, suspending iff the queue is empty.
// Returns ErrChannelClosed once every sender has been dropped and the
// buffer has drained — buffered values sent before the close are still
// delivered.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	c := r.core
	source := ids.CaptureSource(1)
	var zero T

	if c.flavor == registry.FlavorMpscUnbounded {
		return r.recvUnbounded(ctx, source)
	}

	// Fast path: a buffered value is ready.
	select {
	case v := <-c.inner:
		c.mirrorDetails()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
		return v, nil
	default:
	}
	select {
	case <-c.txClosed:
		// Closed and drained: no wait to record, just the outcome.
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeClosed})
		return zero, ErrChannelClosed
	default:
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.rxID, source)
	for {
		select {
		case v := <-c.inner:
			endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
			c.mirrorDetails()
			c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
			return v, nil
		case <-c.txClosed:
			// The close may race a value still sitting in the buffer;
			// drain before reporting Closed.
			select {
			case v := <-c.inner:
				endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
				c.mirrorDetails()
				c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
				return v, nil
			default:
				endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeClosed)
				return zero, ErrChannelClosed
			}
		case <-ctx.Done():
			abandonWait(c.env, c.rxID, waiter, hasWaiter)
			return zero, ctx.Err()
		}
	}
}

func (r *Receiver[T]) recvUnbounded(ctx context.Context, source ids.Source) (T, error) {
	c := r.core
	var zero T

	pop := func() (T, bool, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.queue) > 0 {
			v := c.queue[0]
			c.queue = c.queue[1:]
			return v, true, false
		}
		return zero, false, c.senders == 0
	}

	if v, ok, closed := pop(); ok {
		c.mirrorDetails()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
		return v, nil
	} else if closed {
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeClosed})
		return zero, ErrChannelClosed
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.rxID, source)
	for {
		select {
		case <-c.signal:
			if v, ok, closed := pop(); ok {
				endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
				c.mirrorDetails()
				c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelReceived, Outcome: registry.OutcomeOk})
				return v, nil
			} else if closed {
				endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, registry.OutcomeClosed)
				return zero, ErrChannelClosed
			}
		case <-ctx.Done():
			abandonWait(c.env, c.rxID, waiter, hasWaiter)
			return zero, ctx.Err()
		}
	}
}
