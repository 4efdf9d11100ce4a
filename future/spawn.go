package future

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

func nowMS() int64 { return time.Now().UnixMilli() }

// JoinHandle is the caller's side of a tracked task: Join parks until
// the task's body returns, attributed in the graph as a wait on the
// task's future entity.
type JoinHandle struct {
	reg    *registry.Registry
	taskID ids.ID
	scope  ids.ID
	source ids.Source
	done   chan error
}

// SpawnTracked runs fn on a new goroutine wrapped in both the per-task
// causal-stack scope and a Future entity. A Task
// scope is registered for the duration of the task; the body's entity is
// attached to it, so a dashboard groups the task's waits under its
// scope. The parent ctx's cancellation propagates into the task.
func SpawnTracked(ctx context.Context, reg *registry.Registry, name string, fn func(ctx context.Context) error) (*JoinHandle, error) {
	source := ids.CaptureSource(1)

	scope, err := reg.RegisterScope(registry.ScopeTask, name, source, nowMS())
	if err != nil {
		return nil, errors.Wrap(err, "future: register task scope")
	}
	taskID, err := reg.RegisterEntity(registry.KindFuture, name, source, nowMS(), registry.EntityBody{}, scope)
	if err != nil {
		reg.EndScope(scope)
		return nil, errors.Wrap(err, "future: register task entity")
	}

	h := &JoinHandle{reg: reg, taskID: taskID, scope: scope, source: source, done: make(chan error, 1)}

	// The task gets its own stack: causal attribution never crosses task
	// boundaries.
	stack := causal.NewStack()
	taskCtx := causal.Ensure(ctx, stack)

	go func() {
		stack.Push(taskID)
		err := fn(taskCtx)
		stack.Pop(taskID)

		// EndScope cascades removal of the task entity and anything else
		// still attached to the scope; edges from the entity go with it.
		reg.EndScope(scope)
		h.done <- err
	}()

	return h, nil
}

// TaskID exposes the entity id of the task's body future.
func (h *JoinHandle) TaskID() ids.ID { return h.taskID }

// Scope exposes the task's scope id for Holds attribution inside the
// task body.
func (h *JoinHandle) Scope() ids.ID { return h.scope }

// Join parks until the task finishes, returning its error. The caller's
// causal-stack top (if any) Needs the task entity while parked, so a
// join-blocked task shows up in the wait graph like any other wait.
func (h *JoinHandle) Join(ctx context.Context) error {
	select {
	case err := <-h.done:
		return err
	default:
	}

	stack, _ := causal.FromContext(ctx)
	var waiter ids.ID
	var hasWaiter bool
	stack.WithTop(func(top ids.ID) {
		waiter = top
		hasWaiter = true
		h.reg.SetEdge(top, h.taskID, registry.EdgeNeeds, h.source)
	})

	select {
	case err := <-h.done:
		if hasWaiter {
			h.reg.ClearEdge(waiter, h.taskID, registry.EdgeNeeds)
		}
		return err
	case <-ctx.Done():
		if hasWaiter {
			h.reg.ClearEdge(waiter, h.taskID, registry.EdgeNeeds)
		}
		return ctx.Err()
	}
}

// JoinSet runs a group of tracked tasks and joins them together,
// collecting the first error the way errgroup does.
type JoinSet struct {
	reg     *registry.Registry
	group   *errgroup.Group
	ctx     context.Context
	handles []*JoinHandle
}

// NewJoinSet derives a set from ctx; every spawned task observes the
// group's cancellation.
func NewJoinSet(ctx context.Context, reg *registry.Registry) *JoinSet {
	group, gctx := errgroup.WithContext(ctx)
	return &JoinSet{reg: reg, group: group, ctx: gctx}
}

// Spawn adds a tracked task to the set.
func (s *JoinSet) Spawn(name string, fn func(ctx context.Context) error) error {
	h, err := SpawnTracked(s.ctx, s.reg, name, fn)
	if err != nil {
		return err
	}
	s.handles = append(s.handles, h)
	s.group.Go(func() error { return h.Join(s.ctx) })
	return nil
}

// Wait joins every task in the set, returning the first error.
func (s *JoinSet) Wait() error {
	return s.group.Wait()
}
