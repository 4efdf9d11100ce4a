package wrap

import (
	"context"
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// OnceCell wraps a write-once cell with its tri-state lifecycle
// (Empty → Initializing → Initialized) mirrored in the entity body along
// with the count of callers parked behind the in-flight initializer.
type OnceCell[T any] struct {
	Env *Env
	id  ids.ID

	mu      sync.Mutex
	state   registry.OnceCellState
	value   T
	waiters []chan struct{}
}

// NewOnceCell registers the cell entity in the Empty state.
func NewOnceCell[T any](env *Env, name string) (*OnceCell[T], error) {
	id, err := env.Reg.RegisterEntity(registry.KindOnceCell, name, ids.CaptureSource(1), nowMS(),
		registry.EntityBody{OnceCell: &registry.OnceCellBody{State: registry.OnceCellEmpty}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register once cell entity")
	}
	return &OnceCell[T]{Env: env, id: id, state: registry.OnceCellEmpty}, nil
}

// ID exposes the cell's entity id.
func (c *OnceCell[T]) ID() ids.ID { return c.id }

// Close removes the cell entity.
func (c *OnceCell[T]) Close() { c.Env.Reg.RemoveEntity(c.id) }

func (c *OnceCell[T]) mirror(state registry.OnceCellState, waiters int) {
	c.Env.Reg.UpdateEntityBody(c.id, registry.EntityBody{
		OnceCell: &registry.OnceCellBody{State: state, WaiterCount: waiters},
	})
}

// Get returns the value if the cell is initialized.
func (c *OnceCell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.state != registry.OnceCellInitialized {
		return zero, false
	}
	return c.value, true
}

// GetOrInit returns the cell's value, running init to produce it if the
// cell is Empty. Concurrent callers park behind the first initializer
// in the Initializing state; if init fails the
// cell reverts to Empty and every parked caller retries, so one failed
// initializer cannot wedge the cell permanently.
func (c *OnceCell[T]) GetOrInit(ctx context.Context, init func(ctx context.Context) (T, error)) (T, error) {
	source := ids.CaptureSource(1)
	var zero T

	for {
		c.mu.Lock()
		switch c.state {
		case registry.OnceCellInitialized:
			v := c.value
			c.mu.Unlock()
			return v, nil

		case registry.OnceCellEmpty:
			c.state = registry.OnceCellInitializing
			c.mu.Unlock()
			c.mirror(registry.OnceCellInitializing, 0)
			c.Env.Reg.RecordEventDetailed(registry.Event{Target: c.id, AtMS: nowMS(), Source: source, Kind: registry.EventStateChanged})

			v, err := init(ctx)

			c.mu.Lock()
			waiters := c.waiters
			c.waiters = nil
			if err != nil {
				c.state = registry.OnceCellEmpty
			} else {
				c.state = registry.OnceCellInitialized
				c.value = v
			}
			state := c.state
			c.mu.Unlock()

			for _, w := range waiters {
				close(w)
			}
			c.mirror(state, 0)
			c.Env.Reg.RecordEventDetailed(registry.Event{Target: c.id, AtMS: nowMS(), Source: source, Kind: registry.EventStateChanged})
			if err != nil {
				return zero, errors.Wrap(err, "wrap: once cell init")
			}
			return v, nil

		case registry.OnceCellInitializing:
			w := make(chan struct{})
			c.waiters = append(c.waiters, w)
			count := len(c.waiters)
			c.mu.Unlock()
			c.mirror(registry.OnceCellInitializing, count)

			startedAt, waiter, hasWaiter := beginWait(ctx, c.Env, c.id, source)
			select {
			case <-w:
				endWait(c.Env, c.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
				// Loop: either the cell initialized, or the initializer
				// failed and this caller races to take over.
			case <-ctx.Done():
				abandonWait(c.Env, c.id, waiter, hasWaiter)
				c.mu.Lock()
				for i, cand := range c.waiters {
					if cand == w {
						c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
						break
					}
				}
				c.mu.Unlock()
				return zero, ctx.Err()
			}
		}
	}
}
