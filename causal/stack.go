// Package causal maintains the per-task LIFO of currently-polled future
// entity ids. Go has no goroutine-local storage, so the Stack is
// threaded explicitly through context.Context — Ensure installs it,
// and every wrapper that wants to consult the current top pulls it
// back out with FromContext.
package causal

import (
	"context"
	"sync"

	"github.com/peepviz/peep/ids"
)

// Stack is a per-task LIFO of entity ids. Pushing and popping never
// touches the registry or any other task's Stack, so it is lock-free
// with respect to other tasks; the mutex here only protects this
// one task's slice against concurrent pushes, which in practice never
// happens since a single goroutine owns a Stack, but guards against a
// future future-combinator that runs children concurrently on the same
// task.
type Stack struct {
	mu    sync.Mutex
	items []ids.ID
}

// NewStack returns an empty per-task stack. Ambient tasks that never
// went through SpawnTracked get one lazily on first use via
// FromContext.
func NewStack() *Stack {
	return &Stack{}
}

// Push installs id as the new top of the stack, called before polling a
// wrapped future.
func (s *Stack) Push(id ids.ID) {
	s.mu.Lock()
	s.items = append(s.items, id)
	s.mu.Unlock()
}

// Pop removes the top of the stack. want must equal the id most
// recently pushed; a mismatch means a wrapper popped out of order,
// which is a programmer error in the instrumentation layer rather than
// something the instrumented application caused, so Pop does not
// return an error — it best-effort removes the matching entry so one
// broken caller cannot corrupt every other frame's bookkeeping.
func (s *Stack) Pop(want ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	if n == 0 {
		return
	}
	if s.items[n-1] == want {
		s.items = s.items[:n-1]
		return
	}
	// Out-of-order pop: remove the matching entry wherever it is rather
	// than leaving a stale id that would poison every WithTop call after
	// it.
	for i := n - 1; i >= 0; i-- {
		if s.items[i] == want {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// WithTop runs f with the current top of the stack if non-empty. Wrapped
// primitives use this to decide whether to emit a Needs edge: a bare
// block_on with no instrumented future on top means no edge, only the
// entity's own event.
func (s *Stack) WithTop(f func(top ids.ID)) {
	s.mu.Lock()
	n := len(s.items)
	var top ids.ID
	if n > 0 {
		top = s.items[n-1]
	}
	s.mu.Unlock()

	if n > 0 {
		f(top)
	}
}

// Top returns the current top and whether the stack is non-empty.
func (s *Stack) Top() (ids.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[len(s.items)-1], true
}

type contextKey struct{}

// Ensure installs stack into ctx, replacing any stack already present.
// future.SpawnTracked calls this once per task at submission time so
// every future polled within that task's goroutine tree shares one
// Stack.
func Ensure(ctx context.Context, stack *Stack) context.Context {
	return context.WithValue(ctx, contextKey{}, stack)
}

// FromContext returns the Stack installed in ctx, lazily creating one if
// ctx has none — the ambient-task case, where a future is polled on a
// goroutine that never went through SpawnTracked.
func FromContext(ctx context.Context) (*Stack, context.Context) {
	if s, ok := ctx.Value(contextKey{}).(*Stack); ok {
		return s, ctx
	}
	s := NewStack()
	return s, Ensure(ctx, s)
}
