package ids

import (
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorNeverRepeatsWithinClass(t *testing.T) {
	a := NewAllocator()
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id, err := a.Next(ClassEntity)
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
}

func TestAllocatorClassesAreIndependent(t *testing.T) {
	a := NewAllocator()
	entity := a.MustNext(ClassEntity)
	scope := a.MustNext(ClassScope)
	event := a.MustNext(ClassEvent)

	// Same counter value (1) in each class, but distinguishable because
	// callers never compare ids across classes directly.
	assert.Equal(t, entity.Prefix(), scope.Prefix())
	assert.Equal(t, entity.Prefix(), event.Prefix())
}

func TestIDSurvivesJSONRoundTrip(t *testing.T) {
	a := NewAllocator()
	id := a.MustNext(ClassEntity)

	b, err := json.Marshal(id.Uint64())
	require.NoError(t, err)

	var decoded uint64
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, id.Uint64(), decoded, "identifier round-trip must preserve id and process prefix")
	assert.Equal(t, id.Prefix(), ID(decoded).Prefix())
}

func TestAllocatorRejectsOutOfRangeIDs(t *testing.T) {
	a := &Allocator{prefix: maxPrefix}
	a.counters[ClassEntity].Store(maxCounter)

	_, err := a.Next(ClassEntity)
	assert.Error(t, err, "counter exceeding its bit width must fail, not silently wrap")
}

func TestCaptureSourceStripsManifestRoot(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	SetManifestRoot(filepath.Dir(file))
	defer SetManifestRoot("")

	src := CaptureSource(0)
	assert.NotEmpty(t, src)
	assert.True(t, strings.HasPrefix(string(src), "ids_test.go:"), "got %q", src)
}
