// Package future is the instrumentation core: it lifts an
// arbitrary operation into a first-class Future entity, maintains the
// per-task causal stack around it, and drives the polls→needs edge
// promotion the wait graph is built from.
//
// Go futures are completion cells rather than polled state machines, so
// the polling discipline maps onto Await as follows:
// the non-blocking readiness check on entry is the "first poll", and
// falling through to the blocking wait is the first Pending — which is
// exactly where the Polls edge on the target promotes to Needs.
package future

import (
	"context"

	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

type result[T any] struct {
	value T
	err   error
}

// Future is an instrumented operation with its own entity in the live
// graph. Create with Instrument, resolve with Await; the entity exists
// from construction until Await returns or is cancelled.
type Future[T any] struct {
	reg    *registry.Registry
	id     ids.ID
	on     ids.ID
	source ids.Source

	fn   func(ctx context.Context) (T, error)
	done chan result[T]
}

// Instrument allocates a Future entity named name and records its
// source. on optionally links the future to a target entity (used by
// RPC, timers, net readiness); zero means no target and no Polls/Needs
// edges from this wrapper — inner wrapped primitives still attribute
// their own waits to this future via the causal stack.
func Instrument[T any](reg *registry.Registry, name string, source ids.Source, on ids.ID, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	return instrumentScoped(reg, name, source, on, 0, fn)
}

func instrumentScoped[T any](reg *registry.Registry, name string, source ids.Source, on, scope ids.ID, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	id, err := reg.RegisterEntity(registry.KindFuture, name, source, nowMS(), registry.EntityBody{}, scope)
	if err != nil {
		return nil, errors.Wrap(err, "future: register entity")
	}
	return &Future[T]{
		reg: reg, id: id, on: on, source: source,
		fn: fn, done: make(chan result[T], 1),
	}, nil
}

// ID exposes the future's entity id.
func (f *Future[T]) ID() ids.ID { return f.id }

// Await drives the instrumented operation to completion:
//
//  1. push this entity onto the task's causal stack; emit Polls on the
//     target if one was set;
//  2. start the inner operation and check readiness without blocking;
//  3. not ready → promote Polls to Needs and park on completion or
//     ctx cancellation;
//  4. ready → retract edges, pop, destroy the entity;
//  5. cancelled → retract edges, pop, destroy the entity, return
//     ctx.Err(); the inner operation keeps ctx and is expected to
//     unwind on its own.
//
// The inner operation runs with this future on top of the causal stack,
// so every wrapped primitive it suspends on attributes its Needs edge
// here.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T

	stack, ctx := causal.FromContext(ctx)
	stack.Push(f.id)

	if f.on != 0 {
		f.reg.SetEdge(f.id, f.on, registry.EdgePolls, f.source)
	}

	go func() {
		v, err := f.fn(ctx)
		f.done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-f.done:
		f.finish(stack)
		return r.value, r.err
	default:
	}

	if f.on != 0 {
		f.reg.ClearEdge(f.id, f.on, registry.EdgePolls)
		f.reg.SetEdge(f.id, f.on, registry.EdgeNeeds, f.source)
	}

	select {
	case r := <-f.done:
		f.finish(stack)
		return r.value, r.err
	case <-ctx.Done():
		f.finish(stack)
		return zero, ctx.Err()
	}
}

// finish retracts any outstanding edges from this entity, pops the
// causal stack, and destroys the entity. RemoveEntity cascades the edge
// cleanup, so cancellation cannot leave an orphan Needs edge.
func (f *Future[T]) finish(stack *causal.Stack) {
	stack.Pop(f.id)
	f.reg.RemoveEntity(f.id)
}

// Peep instruments and awaits fn in one call, capturing the caller's
// file:line.
func Peep[T any](ctx context.Context, reg *registry.Registry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	f, err := Instrument(reg, name, ids.CaptureSource(1), 0, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return f.Await(ctx)
}

// PeepMeta is Peep with a structured key-value map attached to the
// entity for the duration of the operation.
func PeepMeta[T any](ctx context.Context, reg *registry.Registry, name string, meta map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	f, err := Instrument(reg, name, ids.CaptureSource(1), 0, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(meta) > 0 {
		f.reg.SetEntityMeta(f.id, meta)
	}
	return f.Await(ctx)
}
