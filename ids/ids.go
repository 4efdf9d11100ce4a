// Package ids allocates the 53-bit identifiers the registry uses for
// entities, scopes, events, and backtraces. Every id is
// process-prefixed so that, once a central server merges snapshots from
// many processes, two ids of the same class are equal if and only if
// they name the same object — a simple key match, no coordination
// required.
package ids

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/peepviz/peep/errors"
)

const (
	// prefixBits is the width of the per-process prefix. 16 bits gives
	// 65536 distinct processes sharing a dashboard server before prefix
	// collisions become a real (if still low) risk.
	prefixBits = 16
	// idBits is the total id width: every id must survive a float64
	// round-trip, so the prefix and counter together fit in 53 bits.
	idBits = 53
	// counterBits is the width of the per-process monotonic counter.
	counterBits = idBits - prefixBits
	// MaxSafeID is the largest id a float64 (and therefore a JSON
	// number) can represent without loss of precision. Every id this
	// package allocates is strictly below it.
	MaxSafeID uint64 = 1 << 53
	maxPrefix        = (uint64(1) << prefixBits) - 1
	maxCounter       = (uint64(1) << counterBits) - 1
)

// Class distinguishes the id namespaces. Each class has its own counter
// under the shared process prefix, so ids of different classes can be
// numerically equal (the first entity and the first scope are both
// counter 1); an id is only meaningful together with its class.
type Class int

const (
	ClassEntity Class = iota
	ClassScope
	ClassEvent
	ClassBacktrace
	numClasses
)

// Kind tags an id with a short prefix for display, e.g. "fut:1042".
type Kind string

// ID is a process-prefixed, JSON-safe 53-bit identifier.
type ID uint64

// String renders the raw decimal form; the "{kind}:{id}" display string
// is assembled by Entity.Display, which knows the kind.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Uint64 returns the raw wire value. Callers must not reformat this as a
// narrower type: doing so would silently drop the process prefix and
// break cross-process stitching.
func (id ID) Uint64() uint64 { return uint64(id) }

// Prefix extracts the process prefix embedded in id.
func (id ID) Prefix() uint64 { return uint64(id) >> counterBits }

// Allocator is a process-wide id source. One Allocator is created at
// process init and shared by every wrapper through the registry;
// allocators for different classes never share a counter, so an
// accounting bug in one class cannot make another class allocate a
// duplicate id.
type Allocator struct {
	prefix   uint64
	counters [numClasses]atomic.Uint64
}

// NewAllocator derives a stable per-process prefix from (pid XOR
// time_nanos) and returns an Allocator ready to mint ids in every
// class.
func NewAllocator() *Allocator {
	seed := uint64(os.Getpid()) ^ uint64(time.Now().UnixNano())
	return &Allocator{prefix: seed & maxPrefix}
}

// Next allocates the next id in class. It is safe for concurrent use
// from any goroutine; the underlying counter is a single atomic add, so
// this never blocks and never yields — wrappers call it from hot paths
// that must not introduce a suspension point of their own.
func (a *Allocator) Next(class Class) (ID, error) {
	counter := a.counters[class].Add(1)
	if counter == 0 {
		return 0, errors.Wrap(errors.ErrZeroID, "counter wrapped to zero")
	}
	if counter > maxCounter {
		return 0, errors.Wrapf(errors.ErrIDOutOfRange, "class %d counter exceeded %d bits", class, counterBits)
	}

	id := ID((a.prefix << counterBits) | counter)
	if uint64(id) == 0 {
		return 0, errors.ErrZeroID
	}
	if uint64(id) >= MaxSafeID {
		return 0, errors.Wrapf(errors.ErrIDOutOfRange, "id %d exceeds MaxSafeID", uint64(id))
	}
	return id, nil
}

// MustNext is Next but panics on failure. Id allocation failures are
// fatal — a wrapper that cannot mint an id for its own entity has no
// sensible degraded mode, so callers that are not prepared to propagate
// the error use this instead of silently skipping registration.
func (a *Allocator) MustNext(class Class) ID {
	id, err := a.Next(class)
	if err != nil {
		panic(err)
	}
	return id
}
