// Package peep is the embedding surface of the runtime diagnostics
// fabric. A host process calls Init once before its first tracked
// spawn; Init constructs the process scope, wires the registry, starts
// the dashboard push loop when DASHBOARD is set, and probes backtrace
// capture so later capture failures degrade silently instead of
// surprising a hot path (§9, "Global init via implicit process-start
// hook" — Go has no implicit hook, so the entry point is explicit).
package peep

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/peepviz/peep/backtrace"
	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/client"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/logger"
	"github.com/peepviz/peep/registry"
	"github.com/peepviz/peep/wrap"
)

// Runtime is the per-process handle Init returns. Everything hangs off
// its registry; the wrap.Env it exposes is what wrapper constructors
// take.
type Runtime struct {
	Reg          *registry.Registry
	Env          *wrap.Env
	ProcessScope ids.ID

	cancel context.CancelFunc
	pusher *client.Pusher
}

// Options tunes Init. The zero value is what most embedders want.
type Options struct {
	// ProcessName overrides the handshake process name; defaults to
	// PEEP_PROCESS_NAME, then the executable's basename.
	ProcessName string
	// ManifestRoot, when set, is stripped from captured source paths so
	// they read repo-relative.
	ManifestRoot string
	// JSONLogs switches the fabric's own logging to structured output.
	JSONLogs bool
}

// Init constructs the fabric for this process. Call once, before any
// tracked spawn; the returned Runtime is shared by every wrapper.
func Init(opts Options) (*Runtime, error) {
	if err := logger.Initialize(opts.JSONLogs); err != nil {
		return nil, errors.Wrap(err, "peep: initialize logging")
	}

	name := opts.ProcessName
	if name == "" {
		name = os.Getenv("PEEP_PROCESS_NAME")
	}
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	if opts.ManifestRoot != "" {
		ids.SetManifestRoot(opts.ManifestRoot)
	}

	alloc := ids.NewAllocator()
	streamID := uint64(time.Now().UnixNano())
	reg := registry.New(alloc, streamID)

	procScope, err := reg.RegisterScope(registry.ScopeProcess, name, ids.CaptureSource(1), time.Now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "peep: register process scope")
	}

	// One probe capture up front: if the platform cannot produce frames
	// the fabric logs it once here and every later failure is swallowed.
	if _, err := backtrace.CaptureCurrent(backtrace.Options{MaxFrames: 4}); err != nil {
		logger.Warnw("backtrace capture unavailable, entities will carry no stack ids",
			logger.FieldError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		Reg:          reg,
		Env:          &wrap.Env{Reg: reg, ProcessScope: procScope},
		ProcessScope: procScope,
		cancel:       cancel,
	}
	if addr := os.Getenv("DASHBOARD"); addr != "" {
		rt.pusher = client.Start(ctx, reg, client.Config{Addr: addr, ProcessName: name})
	}

	logger.Infow("diagnostics fabric initialized",
		"process", name, logger.FieldStreamID, streamID,
		"dashboard", os.Getenv("DASHBOARD") != "")
	return rt, nil
}

// Context returns a context carrying a fresh causal stack, for embedders
// that drive wrapped primitives from an ambient goroutine without going
// through SpawnTracked.
func (rt *Runtime) Context(parent context.Context) context.Context {
	_, ctx := causal.FromContext(parent)
	return ctx
}

// Shutdown stops the push loop and flushes logging. The registry stays
// usable; a process that shuts the fabric down mid-flight just stops
// streaming.
func (rt *Runtime) Shutdown() {
	rt.cancel()
	if rt.pusher != nil {
		<-rt.pusher.Done()
	}
	logger.Cleanup()
}
