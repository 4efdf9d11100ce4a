// Package wrap holds the primitive wrappers: thin adapters over Go's
// native mutexes, channels, and synchronization primitives that mirror
// every operation into the registry. Every wrapper follows one
// discipline: creation registers paired entities, non-suspending
// operations mutate the body and emit an event, and suspending
// operations bracket the wait with start/end events and a Needs edge
// from the causal-stack top.
package wrap

import (
	"context"
	"time"

	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Env is the shared dependency every wrapper constructor needs: the
// process-wide registry to register into, and the process scope every
// wrapper-created entity links to for its whole life. peep.Init fills
// both; tests that care only about graph shape may leave ProcessScope
// zero.
type Env struct {
	Reg          *registry.Registry
	ProcessScope ids.ID
}

func nowMS() int64 { return time.Now().UnixMilli() }

// needsTop pulls the current causal-stack top out of ctx, if any, and
// calls back with it. Suspending operations use this to decide whether
// to emit a Needs edge at all — a bare block_on with nothing on the
// causal stack still performs the operation, it just leaves no trace of
// who was waiting.
func needsTop(ctx context.Context, f func(top ids.ID)) {
	stack, _ := causal.FromContext(ctx)
	stack.WithTop(f)
}

// beginWait emits ChannelWaitStarted/OperationStarted on target and, if
// the calling task has a causal-stack top, a Needs edge from that top to
// target. It returns the wait-start timestamp and the waiter id (zero if
// none), which the caller passes to endWait to retract the edge and
// compute wait_ns.
func beginWait(ctx context.Context, env *Env, target ids.ID, source ids.Source) (startedAtMS int64, waiter ids.ID, hasWaiter bool) {
	startedAtMS = nowMS()
	env.Reg.RecordEventDetailed(registry.Event{
		Target: target,
		AtMS:   startedAtMS,
		Source: source,
		Kind:   registry.EventChannelWaitStarted,
	})

	needsTop(ctx, func(top ids.ID) {
		waiter = top
		hasWaiter = true
		env.Reg.SetEdge(top, target, registry.EdgeNeeds, source)
	})
	return startedAtMS, waiter, hasWaiter
}

// endWait retracts the Needs edge installed by beginWait (if any) and
// emits ChannelWaitEnded/OperationEnded with the resulting wait duration
// and outcome.
func endWait(env *Env, target ids.ID, source ids.Source, startedAtMS int64, waiter ids.ID, hasWaiter bool, outcome registry.Outcome) {
	if hasWaiter {
		env.Reg.ClearEdge(waiter, target, registry.EdgeNeeds)
	}
	env.Reg.RecordEventDetailed(registry.Event{
		Target:  target,
		AtMS:    nowMS(),
		Source:  source,
		Kind:    registry.EventChannelWaitEnded,
		WaitNS:  (nowMS() - startedAtMS) * int64(time.Millisecond),
		Outcome: outcome,
	})
}

// abandonWait retracts the Needs edge without emitting an outcome event:
// a wait cancelled by drop leaves no outcome, only the retraction.
func abandonWait(env *Env, target ids.ID, waiter ids.ID, hasWaiter bool) {
	if hasWaiter {
		env.Reg.ClearEdge(waiter, target, registry.EdgeNeeds)
	}
}
