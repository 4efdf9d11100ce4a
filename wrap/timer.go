package wrap

import (
	"context"
	"time"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Sleep parks the caller for d, surfaced in the graph as a transient
// Future entity the causal-stack top Needs for the duration. A timer
// always suspends, so there is no would-block fast path; the entity is
// removed on wake or cancellation either way.
func Sleep(ctx context.Context, env *Env, d time.Duration) error {
	source := ids.CaptureSource(1)

	id, err := env.Reg.RegisterEntity(registry.KindFuture, "sleep", source, nowMS(), registry.EntityBody{}, env.ProcessScope)
	if err != nil {
		return errors.Wrap(err, "wrap: register sleep entity")
	}
	defer env.Reg.RemoveEntity(id)

	startedAt, waiter, hasWaiter := beginWait(ctx, env, id, source)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		endWait(env, id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
		return nil
	case <-ctx.Done():
		abandonWait(env, id, waiter, hasWaiter)
		return ctx.Err()
	}
}
