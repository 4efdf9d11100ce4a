package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
)

func newTestRegistry() *Registry {
	return New(ids.NewAllocator(), 1)
}

func TestRegisterAndFetchEntity(t *testing.T) {
	r := newTestRegistry()

	id, err := r.RegisterEntity(KindLock, "mu", "", 0, EntityBody{Lock: &LockBody{Kind: LockKindMutex}}, 0)
	require.NoError(t, err)

	got, err := r.Entity(id)
	require.NoError(t, err)
	assert.Equal(t, KindLock, got.Kind)
	assert.Equal(t, "mu", got.Name)
}

func TestEntityUnknownReturnsWrappedSentinel(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Entity(12345)
	assert.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestUpdateEntityBody(t *testing.T) {
	r := newTestRegistry()
	id, err := r.RegisterEntity(KindSemaphore, "", "", 0, EntityBody{Semaphore: &SemaphoreBody{PermitsTotal: 4, PermitsAvailable: 4}}, 0)
	require.NoError(t, err)

	err = r.UpdateEntityBody(id, EntityBody{Semaphore: &SemaphoreBody{PermitsTotal: 4, PermitsAvailable: 3}})
	require.NoError(t, err)

	got, err := r.Entity(id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Body.Semaphore.PermitsAvailable)
}

func TestUpdateUnknownEntityFails(t *testing.T) {
	r := newTestRegistry()
	err := r.UpdateEntityBody(999, EntityBody{})
	assert.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestSetAndClearEdgeIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, 0)
	b, _ := r.RegisterEntity(KindLock, "", "", 0, EntityBody{Lock: &LockBody{Kind: LockKindMutex}}, 0)

	r.SetEdge(a, b, EdgeNeeds, "")
	r.SetEdge(a, b, EdgeNeeds, "") // re-assert, must not duplicate

	snap := r.Snapshot()
	count := 0
	for _, e := range snap.Edges {
		if e.Src == a && e.Dst == b && e.Kind == EdgeNeeds {
			count++
		}
	}
	assert.Equal(t, 1, count)

	r.ClearEdge(a, b, EdgeNeeds)
	snap = r.Snapshot()
	for _, e := range snap.Edges {
		assert.False(t, e.Src == a && e.Dst == b && e.Kind == EdgeNeeds)
	}
}

func TestEndScopeCascadesToEntities(t *testing.T) {
	r := newTestRegistry()
	scopeID, err := r.RegisterScope(ScopeTask, "task-1", "", 0)
	require.NoError(t, err)

	entityID, err := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, scopeID)
	require.NoError(t, err)

	r.EndScope(scopeID)

	_, err = r.Entity(entityID)
	assert.ErrorIs(t, err, errors.ErrUnknownEntity)
	_, err = r.Scope(scopeID)
	assert.ErrorIs(t, err, errors.ErrUnknownScope)
}

func TestRecordEventEvictsOldestOnOverflow(t *testing.T) {
	r := newTestRegistry()
	target, _ := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, 0)

	first, err := r.RecordEvent(EventStateChanged, target, 0, "")
	require.NoError(t, err)

	for i := 0; i < eventRingCapacity; i++ {
		_, err := r.RecordEvent(EventStateChanged, target, int64(i), "")
		require.NoError(t, err)
	}

	snap := r.Snapshot()
	assert.Len(t, snap.Events, eventRingCapacity)
	for _, ev := range snap.Events {
		assert.NotEqual(t, first, ev.ID, "oldest event must have been evicted")
	}
}

func TestDrainChangesIsOrderedAndConsuming(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEntity(KindFuture, "a", "", 0, EntityBody{}, 0)
	r.RegisterEntity(KindFuture, "b", "", 0, EntityBody{}, 0)
	r.RegisterEntity(KindFuture, "c", "", 0, EntityBody{}, 0)

	batch := r.DrainChanges(2)
	require.Len(t, batch.Changes, 2)
	assert.True(t, batch.More)
	assert.Less(t, batch.Changes[0].Seq, batch.Changes[1].Seq)

	rest := r.DrainChanges(10)
	require.Len(t, rest.Changes, 1)
	assert.False(t, rest.More)
}

func TestChangesSinceFallsBackWhenTruncated(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 5; i++ {
		r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, 0)
	}
	changes, latest, ok := r.ChangesSince(0)
	require.True(t, ok)
	assert.Len(t, changes, 5)
	assert.Equal(t, uint64(5), latest)

	// Once the oldest changes are gone, a caller asking from before them
	// must fall back to Snapshot.
	r.DrainChanges(3)
	_, latest, ok = r.ChangesSince(0)
	assert.False(t, ok)
	assert.Equal(t, uint64(5), latest)
}

func TestCompactIfExceedsCoalescesRedundantUpdates(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.RegisterEntity(KindSemaphore, "", "", 0, EntityBody{Semaphore: &SemaphoreBody{PermitsTotal: 1, PermitsAvailable: 1}}, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.UpdateEntityBody(id, EntityBody{Semaphore: &SemaphoreBody{PermitsTotal: 1, PermitsAvailable: i}}))
	}

	before := len(r.changes)
	r.CompactIfExceeds(0, 0)
	after := len(r.changes)

	assert.Less(t, after, before, "redundant updates to the same entity should coalesce")

	updates := 0
	for _, c := range r.changes {
		if c.Kind == ChangeEntityUpdated && c.Entity.ID == id {
			updates++
		}
	}
	assert.Equal(t, 1, updates, "only the last update for the entity should survive compaction")
}

func TestCompactIfExceedsCancelsSetThenClearedEdges(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, 0)
	b, _ := r.RegisterEntity(KindLock, "", "", 0, EntityBody{Lock: &LockBody{Kind: LockKindMutex}}, 0)

	r.SetEdge(a, b, EdgeNeeds, "")
	r.ClearEdge(a, b, EdgeNeeds)

	r.CompactIfExceeds(0, 0)

	for _, c := range r.changes {
		assert.NotEqual(t, ChangeEdgeSet, c.Kind)
		assert.NotEqual(t, ChangeEdgeCleared, c.Kind)
	}
}

func TestCompactIfExceedsPreservesEntityLifecycleAndEvents(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, 0)
	_, err := r.RecordEvent(EventStateChanged, id, 0, "")
	require.NoError(t, err)
	r.RemoveEntity(id)

	r.CompactIfExceeds(0, 0)

	var sawCreated, sawRemoved, sawEvent bool
	for _, c := range r.changes {
		switch c.Kind {
		case ChangeEntityCreated:
			sawCreated = true
		case ChangeEntityRemoved:
			sawRemoved = true
		case ChangeEventRecorded:
			sawEvent = true
		}
	}
	assert.True(t, sawCreated)
	assert.True(t, sawRemoved)
	assert.True(t, sawEvent)
}

func TestRegisterEntityAlwaysLinksProcessScope(t *testing.T) {
	r := newTestRegistry()
	proc, err := r.RegisterScope(ScopeProcess, "proc", "", 0)
	require.NoError(t, err)
	task, err := r.RegisterScope(ScopeTask, "task", "", 0)
	require.NoError(t, err)

	id, err := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{}, task)
	require.NoError(t, err)

	r.mu.RLock()
	linked := r.entityScopes[id]
	r.mu.RUnlock()
	assert.True(t, linked[proc], "entity always links the process scope")
	assert.True(t, linked[task], "explicit task scope links too")

	got, err := r.Entity(id)
	require.NoError(t, err)
	assert.Equal(t, task, got.ScopeID, "the task scope is what the wire carries")

	// Ending the task scope still cascades to the entity.
	r.EndScope(task)
	_, err = r.Entity(id)
	assert.ErrorIs(t, err, errors.ErrUnknownEntity)
}

func TestProcessScopeRecordedOnce(t *testing.T) {
	r := newTestRegistry()
	assert.Zero(t, r.ProcessScope())

	first, err := r.RegisterScope(ScopeProcess, "one", "", 0)
	require.NoError(t, err)
	_, err = r.RegisterScope(ScopeProcess, "two", "", 0)
	require.NoError(t, err)

	assert.Equal(t, first, r.ProcessScope())
}

func TestSetEdgeRepairsProcessScopeLink(t *testing.T) {
	r := newTestRegistry()
	proc, err := r.RegisterScope(ScopeProcess, "proc", "", 0)
	require.NoError(t, err)

	a, err := r.RegisterEntity(KindFuture, "", "", 0, EntityBody{})
	require.NoError(t, err)
	b, err := r.RegisterEntity(KindLock, "", "", 0, EntityBody{Lock: &LockBody{Kind: LockKindMutex}})
	require.NoError(t, err)

	// Simulate a garbage-collected link.
	r.mu.Lock()
	delete(r.entityScopes[a], proc)
	delete(r.scopeEntities[proc], a)
	r.mu.Unlock()

	r.SetEdge(a, b, EdgeNeeds, "")

	r.mu.RLock()
	repaired := r.entityScopes[a][proc]
	member := r.scopeEntities[proc][a]
	r.mu.RUnlock()
	assert.True(t, repaired, "SetEdge re-links a live endpoint to the process scope")
	assert.True(t, member)
}
