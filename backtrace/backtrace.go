// Package backtrace captures the current call stack as an ordered
// sequence of (module_id, rel_pc) frames. It is intentionally
// decoupled from symbol resolution: a frame is just two integers, and a
// side-table maps module ids to the (runtime_base, path) pair needed to
// symbolicate it later, possibly on a different machine than the one
// that captured it. Platform backtrace capture itself is an opaque
// primitive; this package is the thin normalising layer around it.
package backtrace

import (
	"runtime"

	"github.com/peepviz/peep/errors"
)

// Frame is one entry in a captured backtrace.
type Frame struct {
	ModuleID uint32
	RelPC    uint64
}

// Module describes one distinct code region a capture observed frames
// in. The Go runtime exposes no per-image load address, so a module is
// a function: RuntimeBase is that function's entry address and Path its
// source file. RuntimeBase is the address rel_pc is relative to.
type Module struct {
	RuntimeBase uint64
	Path        string
}

// CapturedBacktrace is the result of a single capture_current call: an
// ordered list of frames plus the module table needed to interpret them.
type CapturedBacktrace struct {
	Frames  []Frame
	Modules []Module
}

// Options bounds how much stack a single capture walks.
type Options struct {
	// MaxFrames must be > 0.
	MaxFrames uint32
	SkipFrames uint32
}

// moduleTable deduplicates modules observed across the frames of a
// single capture. It is rebuilt fresh on every call — module identity is
// scoped to one CapturedBacktrace, not shared across captures, since
// nothing in the fabric needs cross-capture module interning.
type moduleTable struct {
	byKey map[Module]uint32
	order []Module
}

func newModuleTable() *moduleTable {
	return &moduleTable{byKey: make(map[Module]uint32)}
}

func (t *moduleTable) intern(runtimeBase uint64, path string) uint32 {
	key := Module{RuntimeBase: runtimeBase, Path: path}
	if id, ok := t.byKey[key]; ok {
		return id
	}
	id := uint32(len(t.order) + 1)
	t.byKey[key] = id
	t.order = append(t.order, Module{RuntimeBase: runtimeBase, Path: path})
	return id
}

// CaptureCurrent walks the stack of the calling goroutine outward,
// skipping opts.SkipFrames frames (plus this function's own frame) and
// returning at most opts.MaxFrames entries.
//
// Go's runtime is normally self-symbolicating, so unlike a stripped
// native binary there is rarely a real MissingModuleInfo case; the
// fabric still surfaces it rather than silently dropping the frame,
// since a future build with -trimpath or a plugin-loaded handler could
// hit it.
func CaptureCurrent(opts Options) (CapturedBacktrace, error) {
	if opts.MaxFrames == 0 {
		return CapturedBacktrace{}, errors.New("backtrace: MaxFrames must be > 0")
	}

	// +2 for runtime.Callers's own frame and this function's frame.
	pcs := make([]uintptr, opts.SkipFrames+opts.MaxFrames+2)
	n := runtime.Callers(2+int(opts.SkipFrames), pcs)
	if n == 0 {
		return CapturedBacktrace{}, errors.New("backtrace: EmptyBacktrace")
	}
	pcs = pcs[:n]
	if uint32(len(pcs)) > opts.MaxFrames {
		pcs = pcs[:opts.MaxFrames]
	}

	table := newModuleTable()
	frames := make([]Frame, 0, len(pcs))

	framesIter := runtime.CallersFrames(pcs)
	for {
		frame, more := framesIter.Next()
		fn := runtime.FuncForPC(frame.PC)
		if fn == nil {
			return CapturedBacktrace{}, errors.New("backtrace: MissingModuleInfo")
		}

		base := uint64(fn.Entry())
		if base == 0 {
			return CapturedBacktrace{}, errors.New("backtrace: ZeroModuleBase")
		}
		pc := uint64(frame.PC)
		if pc < base {
			return CapturedBacktrace{}, errors.New("backtrace: IpBeforeModuleBase")
		}

		moduleID := table.intern(base, modulePath(frame))
		frames = append(frames, Frame{ModuleID: moduleID, RelPC: pc - base})

		if !more {
			break
		}
	}

	return CapturedBacktrace{Frames: frames, Modules: table.order}, nil
}

// modulePath derives the path half of a frame's module key: the frame's
// source file, or "unknown" when the runtime reports no function name.
// Frames of the same function share one module; frames of different
// functions get separate modules even when they share a file.
func modulePath(frame runtime.Frame) string {
	if frame.Function == "" {
		return "unknown"
	}
	return frame.File
}
