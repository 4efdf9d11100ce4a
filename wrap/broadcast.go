package wrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// ErrLagged reports how many values a slow broadcast receiver missed
// while the ring wrapped past it. Broadcast sends never suspend; slow
// receivers lag instead.
type ErrLagged struct {
	Skipped uint64
}

func (e *ErrLagged) Error() string {
	return fmt.Sprintf("wrap: broadcast receiver lagged by %d values", e.Skipped)
}

// broadcastCore is a ring buffer indexed by an absolute sequence number.
// headSeq is the sequence of the next value to be written; a receiver at
// nextSeq < headSeq-capacity has been lapped and must skip forward.
type broadcastCore[T any] struct {
	env  *Env
	txID ids.ID
	rxID ids.ID

	mu       sync.Mutex
	ring     []T
	capacity int
	headSeq  uint64
	closed   bool
	wake     chan struct{} // closed and replaced on every send/close

	receivers int
	txLive    bool
	removed   bool
}

// BroadcastSender fans every sent value out to all live receivers.
type BroadcastSender[T any] struct {
	core *broadcastCore[T]
}

// BroadcastReceiver consumes values at its own pace; a receiver that
// falls more than the ring capacity behind observes ErrLagged.
type BroadcastReceiver[T any] struct {
	core    *broadcastCore[T]
	nextSeq uint64
	dropped bool
}

// NewBroadcast registers the channel pair and returns the sender plus an
// initial receiver. Further receivers come from Subscribe; all receiver
// handles share one rx entity — endpoint identity is per channel side,
// so the exactly-one pairing holds however many subscribers exist.
func NewBroadcast[T any](env *Env, name string, capacity int) (*BroadcastSender[T], *BroadcastReceiver[T], error) {
	if capacity <= 0 {
		return nil, nil, errors.Newf("wrap: broadcast capacity must be > 0, got %d", capacity)
	}
	source := ids.CaptureSource(1)
	details := registry.ChannelDetails{Flavor: registry.FlavorBroadcast, Capacity: capacity}
	open := registry.ChannelLifecycle{Open: true}

	txID, err := env.Reg.RegisterEntity(registry.KindChannelTx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register broadcast tx entity")
	}
	rxID, err := env.Reg.RegisterEntity(registry.KindChannelRx, name, source, nowMS(),
		registry.EntityBody{ChannelLifecycle: &open, ChannelDetails: &details}, env.ProcessScope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap: register broadcast rx entity")
	}
	env.Reg.SetEdge(txID, rxID, registry.EdgeChannelLink, source)
	env.Reg.SetEdge(txID, rxID, registry.EdgePairedWith, source)
	env.Reg.SetEdge(rxID, txID, registry.EdgePairedWith, source)

	core := &broadcastCore[T]{
		env: env, txID: txID, rxID: rxID,
		ring: make([]T, capacity), capacity: capacity,
		wake: make(chan struct{}), receivers: 1, txLive: true,
	}
	return &BroadcastSender[T]{core: core}, &BroadcastReceiver[T]{core: core}, nil
}

// ID exposes the tx entity id.
func (s *BroadcastSender[T]) ID() ids.ID { return s.core.txID }

// Send fans v out to every receiver. Never suspends: a full ring
// overwrites the oldest value and laggards find out on their next Recv.
func (s *BroadcastSender[T]) Send(v T) error {
	c := s.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	if c.receivers == 0 {
		c.mu.Unlock()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeClosed})
		return ErrChannelClosed
	}
	c.ring[c.headSeq%uint64(c.capacity)] = v
	c.headSeq++
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: nowMS(), Source: source, Kind: registry.EventChannelSent, Outcome: registry.OutcomeOk})
	return nil
}

// Subscribe adds a receiver positioned at the current head: it observes
// only values sent after this call.
func (s *BroadcastSender[T]) Subscribe() *BroadcastReceiver[T] {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers++
	return &BroadcastReceiver[T]{core: c, nextSeq: c.headSeq}
}

// Drop closes the send side; receivers drain what remains and then
// observe ErrChannelClosed.
func (s *BroadcastSender[T]) Drop() {
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

	life := registry.ChannelLifecycle{Open: false, Cause: registry.CauseSenderDropped}
	details := registry.ChannelDetails{Flavor: registry.FlavorBroadcast, Capacity: c.capacity}
	body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
	c.env.Reg.UpdateEntityBody(c.txID, body)
	c.env.Reg.UpdateEntityBody(c.rxID, body)
	at := nowMS()
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseSenderDropped})
	c.env.Reg.SetEdge(c.rxID, c.txID, registry.EdgeClosedBy, source)
	c.removeIfDone()
}

func (c *broadcastCore[T]) removeIfDone() {
	c.mu.Lock()
	done := !c.txLive && c.receivers == 0 && !c.removed
	if done {
		c.removed = true
	}
	c.mu.Unlock()
	if done {
		c.env.Reg.RemoveEntity(c.txID)
		c.env.Reg.RemoveEntity(c.rxID)
	}
}

// ID exposes the rx entity id.
func (r *BroadcastReceiver[T]) ID() ids.ID { return r.core.rxID }

// Recv returns the next value after this receiver's cursor, suspending
// iff no newer value exists. A lapped receiver gets ErrLagged once and
// is repositioned at the oldest retained value.
func (r *BroadcastReceiver[T]) Recv(ctx context.Context) (T, error) {
	c := r.core
	source := ids.CaptureSource(1)
	var zero T

	if v, err, ready := r.tryRecv(); ready {
		r.recordOutcome(source, err)
		return v, err
	}

	startedAt, waiter, hasWaiter := beginWait(ctx, c.env, c.rxID, source)
	for {
		c.mu.Lock()
		wake := c.wake
		c.mu.Unlock()

		if v, err, ready := r.tryRecv(); ready {
			outcome := registry.OutcomeOk
			if errors.Is(err, ErrChannelClosed) {
				outcome = registry.OutcomeClosed
			}
			endWait(c.env, c.rxID, source, startedAt, waiter, hasWaiter, outcome)
			r.recordOutcome(source, err)
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

// tryRecv advances the cursor by one if a value is available. ready is
// false only when the receiver is fully caught up on an open channel.
func (r *BroadcastReceiver[T]) tryRecv() (T, error, bool) {
	c := r.core
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	oldest := uint64(0)
	if c.headSeq > uint64(c.capacity) {
		oldest = c.headSeq - uint64(c.capacity)
	}
	if r.nextSeq < oldest {
		skipped := oldest - r.nextSeq
		r.nextSeq = oldest
		return zero, &ErrLagged{Skipped: skipped}, true
	}
	if r.nextSeq < c.headSeq {
		v := c.ring[r.nextSeq%uint64(c.capacity)]
		r.nextSeq++
		return v, nil, true
	}
	if c.closed {
		return zero, ErrChannelClosed, true
	}
	return zero, nil, false
}

func (r *BroadcastReceiver[T]) recordOutcome(source ids.Source, err error) {
	outcome := registry.OutcomeOk
	if errors.Is(err, ErrChannelClosed) {
		outcome = registry.OutcomeClosed
	}
	r.core.env.Reg.RecordEventDetailed(registry.Event{
		Target: r.core.rxID, AtMS: nowMS(), Source: source,
		Kind: registry.EventChannelReceived, Outcome: outcome,
	})
}

// Drop releases this receiver handle. The last receiver's drop closes
// the channel toward the sender.
func (r *BroadcastReceiver[T]) Drop() {
	if r.dropped {
		return
	}
	r.dropped = true
	c := r.core
	source := ids.CaptureSource(1)

	c.mu.Lock()
	c.receivers--
	last := c.receivers == 0 && c.txLive
	c.mu.Unlock()

	if last {
		life := registry.ChannelLifecycle{Open: false, Cause: registry.CauseReceiverDropped}
		details := registry.ChannelDetails{Flavor: registry.FlavorBroadcast, Capacity: c.capacity}
		body := registry.EntityBody{ChannelLifecycle: &life, ChannelDetails: &details}
		c.env.Reg.UpdateEntityBody(c.txID, body)
		c.env.Reg.UpdateEntityBody(c.rxID, body)
		at := nowMS()
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.txID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
		c.env.Reg.RecordEventDetailed(registry.Event{Target: c.rxID, AtMS: at, Source: source, Kind: registry.EventChannelClosed, Cause: registry.CauseReceiverDropped})
		c.env.Reg.SetEdge(c.txID, c.rxID, registry.EdgeClosedBy, source)
	}
	c.removeIfDone()
}
