package backtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureCurrentReturnsOrderedFrames(t *testing.T) {
	var captured CapturedBacktrace
	var err error

	func() {
		func() {
			captured, err = CaptureCurrent(Options{MaxFrames: 16})
		}()
	}()

	require.NoError(t, err)
	assert.NotEmpty(t, captured.Frames)
	assert.NotEmpty(t, captured.Modules)

	for _, f := range captured.Frames {
		assert.LessOrEqual(t, int(f.ModuleID), len(captured.Modules))
		assert.Greater(t, f.ModuleID, uint32(0))
	}
}

func TestCaptureCurrentRespectsMaxFrames(t *testing.T) {
	captured, err := CaptureCurrent(Options{MaxFrames: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(captured.Frames), 2)
}

func TestCaptureCurrentRejectsZeroMaxFrames(t *testing.T) {
	_, err := CaptureCurrent(Options{MaxFrames: 0})
	assert.Error(t, err)
}

func TestCaptureCurrentDeduplicatesModules(t *testing.T) {
	captured, err := CaptureCurrent(Options{MaxFrames: 32})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, m := range captured.Modules {
		assert.False(t, seen[m.Path], "module %s interned twice", m.Path)
		seen[m.Path] = true
	}
}
