package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepviz/peep/causal"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(ids.NewAllocator(), 1)
}

func hasEdge(reg *registry.Registry, src, dst ids.ID, kind registry.EdgeKind) bool {
	for _, e := range reg.Snapshot().Edges {
		if e.Src == src && e.Dst == dst && e.Kind == kind {
			return true
		}
	}
	return false
}

func TestAwaitRemovesEntityOnReady(t *testing.T) {
	reg := newTestRegistry(t)

	f, err := Instrument(reg, "compute", "test.go:1", 0, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)

	_, err = reg.Entity(f.ID())
	require.NoError(t, err, "entity exists after construction")

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = reg.Entity(f.ID())
	require.ErrorIs(t, err, errors.ErrUnknownEntity, "entity gone after Await")
}

func TestAwaitPromotesPollsToNeeds(t *testing.T) {
	reg := newTestRegistry(t)

	target, err := reg.RegisterEntity(registry.KindNotify, "target", "", 0, registry.EntityBody{}, 0)
	require.NoError(t, err)

	release := make(chan struct{})
	f, err := Instrument(reg, "waiting", "test.go:2", target, func(ctx context.Context) (struct{}, error) {
		<-release
		return struct{}{}, nil
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.Await(context.Background())
		done <- err
	}()

	// Once the await parks, the Polls edge has promoted to Needs.
	require.Eventually(t, func() bool {
		return hasEdge(reg, f.ID(), target, registry.EdgeNeeds)
	}, time.Second, time.Millisecond)
	assert.False(t, hasEdge(reg, f.ID(), target, registry.EdgePolls))

	close(release)
	require.NoError(t, <-done)

	assert.False(t, hasEdge(reg, f.ID(), target, registry.EdgeNeeds))
	_, err = reg.Entity(f.ID())
	require.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestAwaitCancellationRetractsEverything(t *testing.T) {
	reg := newTestRegistry(t)

	target, err := reg.RegisterEntity(registry.KindNotify, "target", "", 0, registry.EntityBody{}, 0)
	require.NoError(t, err)

	block := make(chan struct{})
	defer close(block)
	f, err := Instrument(reg, "doomed", "test.go:3", target, func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Await(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return hasEdge(reg, f.ID(), target, registry.EdgeNeeds)
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// No orphan edges from the cancelled future, entity destroyed.
	for _, e := range reg.Snapshot().Edges {
		assert.NotEqual(t, f.ID(), e.Src)
	}
	_, err = reg.Entity(f.ID())
	require.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestPeepNestsOnCausalStack(t *testing.T) {
	reg := newTestRegistry(t)

	var innerID, outerID, topID ids.ID
	_, err := Peep(context.Background(), reg, "outer", func(ctx context.Context) (int, error) {
		// The inner peep's entity should be pushed above the outer's.
		return Peep(ctx, reg, "inner", func(ctx context.Context) (int, error) {
			stack, _ := causal.FromContext(ctx)
			topID, _ = stack.Top()
			snap := reg.Snapshot()
			for _, e := range snap.Entities {
				switch e.Name {
				case "outer":
					outerID = e.ID
				case "inner":
					innerID = e.ID
				}
			}
			return 1, nil
		})
	})
	require.NoError(t, err)
	assert.NotZero(t, outerID)
	assert.NotZero(t, innerID)
	assert.NotEqual(t, outerID, innerID)
	assert.Equal(t, innerID, topID, "inner entity is on top of the causal stack")
}

func TestPeepMetaAttachesMap(t *testing.T) {
	reg := newTestRegistry(t)

	var meta map[string]any
	_, err := PeepMeta(context.Background(), reg, "tagged", map[string]any{"shard": 3}, func(ctx context.Context) (int, error) {
		for _, e := range reg.Snapshot().Entities {
			if e.Name == "tagged" {
				meta = e.Meta
			}
		}
		return 0, nil
	})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 3, meta["shard"])
}

func TestSpawnTrackedScopeLifecycle(t *testing.T) {
	reg := newTestRegistry(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h, err := SpawnTracked(context.Background(), reg, "worker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	_, err = reg.Scope(h.Scope())
	require.NoError(t, err, "task scope registered for the task's duration")
	_, err = reg.Entity(h.TaskID())
	require.NoError(t, err)

	close(release)
	require.NoError(t, h.Join(context.Background()))

	_, err = reg.Scope(h.Scope())
	require.ErrorIs(t, err, errors.ErrUnknownScope)
	_, err = reg.Entity(h.TaskID())
	require.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestJoinPropagatesError(t *testing.T) {
	reg := newTestRegistry(t)

	boom := errors.New("boom")
	h, err := SpawnTracked(context.Background(), reg, "failing", func(ctx context.Context) error {
		return boom
	})
	require.NoError(t, err)
	require.ErrorIs(t, h.Join(context.Background()), boom)
}

func TestJoinSetWaitsForAll(t *testing.T) {
	reg := newTestRegistry(t)

	set := NewJoinSet(context.Background(), reg)
	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, set.Spawn("task", func(ctx context.Context) error {
			results <- i
			return nil
		}))
	}
	require.NoError(t, set.Wait())
	assert.Len(t, results, 3)
}
