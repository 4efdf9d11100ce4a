package registry

import (
	"sync"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
)

// eventRingCapacity bounds the in-memory event log. Older events are dropped once the ring is
// full; a dashboard client that wants full history must poll often
// enough, or rely on cut snapshots for a durable record.
const eventRingCapacity = 16384

type edgeKey struct {
	src  ids.ID
	dst  ids.ID
	kind EdgeKind
}

// Registry is the process-wide, in-memory live graph: entities, scopes,
// a deduplicated edge set, and a bounded event ring. One RWMutex
// protects every field, every method returns without ever awaiting,
// and mutations append to a change log that the push loop drains
// independently of registry writers.
type Registry struct {
	mu sync.RWMutex

	entities map[ids.ID]*Entity
	scopes   map[ids.ID]*Scope
	edges    map[edgeKey]Edge

	// entityScopes and scopeEntities are the two directions of the
	// entity↔scope link set. An entity links to the process scope for
	// its whole life and to however many task scopes registered it, so
	// both sides are sets, and EndScope can find every entity a scope
	// owned without a linear scan.
	entityScopes  map[ids.ID]map[ids.ID]bool
	scopeEntities map[ids.ID]map[ids.ID]bool

	// processScope is recorded when the first Process-kind scope is
	// registered; every entity registered afterwards links to it.
	processScope ids.ID

	events     []Event
	eventsHead int // index of the oldest retained event
	eventsLen  int

	changeSeq uint64
	changes   []Change

	alloc    *ids.Allocator
	streamID uint64
}

// New constructs an empty Registry backed by alloc for every id it
// mints on callers' behalf (entities, scopes, events all come from the
// same per-process Allocator so every id in this registry shares one
// process prefix). streamID identifies this process-lifetime session;
// it is opaque to the registry and simply echoed back in every
// handshake frame so the server can tell a restart from a reconnect.
func New(alloc *ids.Allocator, streamID uint64) *Registry {
	return &Registry{
		entities:      make(map[ids.ID]*Entity),
		scopes:        make(map[ids.ID]*Scope),
		edges:         make(map[edgeKey]Edge),
		entityScopes:  make(map[ids.ID]map[ids.ID]bool),
		scopeEntities: make(map[ids.ID]map[ids.ID]bool),
		events:        make([]Event, eventRingCapacity),
		alloc:         alloc,
		streamID:      streamID,
	}
}

// StreamID returns the monotonic id of this process-lifetime session.
func (r *Registry) StreamID() uint64 { return r.streamID }

// Allocator exposes the registry's id source so wrapper constructors
// that need fresh ids (e.g. for paired entities) don't need a separate
// reference threaded through their own constructors.
func (r *Registry) Allocator() *ids.Allocator { return r.alloc }

// RegisterScope creates and stores a new scope, recording its creation
// in the change log. The first Process-kind scope becomes the implicit
// link target of every entity registered after it.
func (r *Registry) RegisterScope(kind ScopeKind, name string, source ids.Source, birthMS int64) (ids.ID, error) {
	id, err := r.alloc.Next(ids.ClassScope)
	if err != nil {
		return 0, errors.Wrap(err, "registry: allocate scope id")
	}

	scope := &Scope{ID: id, Kind: kind, BirthMS: birthMS, Source: source, Name: name}

	r.mu.Lock()
	r.scopes[id] = scope
	r.scopeEntities[id] = make(map[ids.ID]bool)
	if kind == ScopeProcess && r.processScope == 0 {
		r.processScope = id
	}
	r.pushChange(Change{Kind: ChangeScopeCreated, Scope: scope})
	r.mu.Unlock()

	return id, nil
}

// ProcessScope returns the id of the process scope, or zero if none has
// been registered yet.
func (r *Registry) ProcessScope() ids.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processScope
}

// EndScope removes a scope and every entity still attached to it:
// a scope ending cascades to the entities it owns.
func (r *Registry) EndScope(scopeID ids.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.scopeEntities[scopeID]
	for entID := range members {
		r.removeEntityLocked(entID)
	}
	delete(r.scopeEntities, scopeID)
	delete(r.scopes, scopeID)
	r.pushChange(Change{Kind: ChangeScopeEnded, ScopeID: scopeID})
}

// RegisterEntity creates and stores a new entity. The entity always
// links to the current process scope; the optional scopes (zero ids
// skipped) add further links — the task scope when registration happens
// inside a tracked task. The first Task-kind scope among them is echoed
// on the wire as Entity.ScopeID so the snapshot can attribute the
// entity to its owning task.
func (r *Registry) RegisterEntity(kind EntityKind, name string, source ids.Source, birthMS int64, body EntityBody, scopes ...ids.ID) (ids.ID, error) {
	id, err := r.alloc.Next(ids.ClassEntity)
	if err != nil {
		return 0, errors.Wrap(err, "registry: allocate entity id")
	}

	entity := &Entity{ID: id, Kind: kind, BirthMS: birthMS, Source: source, Name: name, Body: body}

	r.mu.Lock()
	r.entities[id] = entity
	if r.processScope != 0 {
		r.linkScopeLocked(id, r.processScope)
	}
	for _, scopeID := range scopes {
		if scopeID == 0 {
			continue
		}
		r.linkScopeLocked(id, scopeID)
		if entity.ScopeID == 0 {
			if s, ok := r.scopes[scopeID]; ok && s.Kind == ScopeTask {
				entity.ScopeID = scopeID
			}
		}
	}
	r.pushChange(Change{Kind: ChangeEntityCreated, Entity: entity})
	r.mu.Unlock()

	return id, nil
}

// linkScopeLocked records one entity↔scope link in both directions.
// Caller must hold r.mu.
func (r *Registry) linkScopeLocked(entID, scopeID ids.ID) {
	set, ok := r.entityScopes[entID]
	if !ok {
		set = make(map[ids.ID]bool, 2)
		r.entityScopes[entID] = set
	}
	set[scopeID] = true
	if members, ok := r.scopeEntities[scopeID]; ok {
		members[entID] = true
	}
}

// UpdateEntityBody replaces an entity's body in place and records the
// change; body mutation never suspends. Returns
// ErrUnknownEntity if id was never registered or has already ended.
func (r *Registry) UpdateEntityBody(id ids.ID, body EntityBody) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[id]
	if !ok {
		return errors.Wrapf(errors.ErrUnknownEntity, "entity %d", id.Uint64())
	}
	entity.Body = body
	r.pushChange(Change{Kind: ChangeEntityUpdated, Entity: entity})
	return nil
}

// SetEntityMeta merges kv into an entity's open key-value map. Values
// are preserved verbatim; the registry never interprets them.
func (r *Registry) SetEntityMeta(id ids.ID, kv map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[id]
	if !ok {
		return errors.Wrapf(errors.ErrUnknownEntity, "entity %d", id.Uint64())
	}
	if entity.Meta == nil {
		entity.Meta = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		entity.Meta[k] = v
	}
	r.pushChange(Change{Kind: ChangeEntityUpdated, Entity: entity})
	return nil
}

// RemoveEntity deletes an entity and every edge touching it.
func (r *Registry) RemoveEntity(id ids.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeEntityLocked(id)
}

func (r *Registry) removeEntityLocked(id ids.ID) {
	if _, ok := r.entities[id]; !ok {
		return
	}
	delete(r.entities, id)

	for scopeID := range r.entityScopes[id] {
		if members, ok := r.scopeEntities[scopeID]; ok {
			delete(members, id)
		}
	}
	delete(r.entityScopes, id)

	for key := range r.edges {
		if key.src == id || key.dst == id {
			delete(r.edges, key)
		}
	}

	r.pushChange(Change{Kind: ChangeEntityRemoved, EntityID: id})
}

// SetEdge inserts or replaces the edge (src, dst, kind). Edges are
// deduplicated on the triple, so calling SetEdge twice with the same
// key is idempotent — this is what lets wrap re-assert a Holds edge on
// every lock reacquire without the registry accumulating duplicates.
func (r *Registry) SetEdge(src, dst ids.ID, kind EdgeKind, source ids.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := edgeKey{src: src, dst: dst, kind: kind}
	edge := Edge{Src: src, Dst: dst, Kind: kind, Source: source}
	r.edges[key] = edge
	r.repairProcessLinkLocked(src)
	r.repairProcessLinkLocked(dst)
	r.pushChange(Change{Kind: ChangeEdgeSet, Edge: &edge})
}

// repairProcessLinkLocked re-adds a live endpoint's process-scope link
// if it has been garbage-collected, so a scope walk starting from the
// process scope never misses an entity that still anchors edges. Caller
// must hold r.mu.
func (r *Registry) repairProcessLinkLocked(id ids.ID) {
	if r.processScope == 0 {
		return
	}
	if _, ok := r.entities[id]; !ok {
		return
	}
	if r.entityScopes[id][r.processScope] {
		return
	}
	r.linkScopeLocked(id, r.processScope)
}

// ClearEdge removes the edge (src, dst, kind) if present. This is what
// future instrumentation calls when a Needs edge is retracted after a
// Pending future resolves.
func (r *Registry) ClearEdge(src, dst ids.ID, kind EdgeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := edgeKey{src: src, dst: dst, kind: kind}
	if _, ok := r.edges[key]; !ok {
		return
	}
	delete(r.edges, key)
	r.repairProcessLinkLocked(src)
	r.repairProcessLinkLocked(dst)
	cleared := Edge{Src: src, Dst: dst, Kind: kind}
	r.pushChange(Change{Kind: ChangeEdgeCleared, Edge: &cleared})
}

// RecordEvent appends ev to the bounded ring, evicting the oldest event
// on overflow, and records the append in the
// change log so a connected dashboard sees it on its next drain.
func (r *Registry) RecordEvent(kind EventKind, target ids.ID, atMS int64, source ids.Source) (ids.ID, error) {
	id, err := r.alloc.Next(ids.ClassEvent)
	if err != nil {
		return 0, errors.Wrap(err, "registry: allocate event id")
	}

	ev := Event{ID: id, Target: target, AtMS: atMS, Source: source, Kind: kind}

	r.mu.Lock()
	r.pushEventLocked(ev)
	r.pushChange(Change{Kind: ChangeEventRecorded, Event: &ev})
	r.mu.Unlock()

	return id, nil
}

// RecordEventDetailed is RecordEvent for the channel/operation events
// that carry wait duration, outcome, or close cause.
func (r *Registry) RecordEventDetailed(ev Event) (ids.ID, error) {
	id, err := r.alloc.Next(ids.ClassEvent)
	if err != nil {
		return 0, errors.Wrap(err, "registry: allocate event id")
	}
	ev.ID = id

	r.mu.Lock()
	r.pushEventLocked(ev)
	r.pushChange(Change{Kind: ChangeEventRecorded, Event: &ev})
	r.mu.Unlock()

	return id, nil
}

func (r *Registry) pushEventLocked(ev Event) {
	idx := (r.eventsHead + r.eventsLen) % eventRingCapacity
	if r.eventsLen < eventRingCapacity {
		r.events[idx] = ev
		r.eventsLen++
	} else {
		r.events[r.eventsHead] = ev
		r.eventsHead = (r.eventsHead + 1) % eventRingCapacity
	}
}

// Entity returns a copy of the entity stored under id, or
// ErrUnknownEntity.
func (r *Registry) Entity(id ids.ID) (Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[id]
	if !ok {
		return Entity{}, errors.Wrapf(errors.ErrUnknownEntity, "entity %d", id.Uint64())
	}
	return *e, nil
}

// Scope returns a copy of the scope stored under id, or ErrUnknownScope.
func (r *Registry) Scope(id ids.ID) (Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scopes[id]
	if !ok {
		return Scope{}, errors.Wrapf(errors.ErrUnknownScope, "scope %d", id.Uint64())
	}
	return *s, nil
}

// Snapshot returns a point-in-time copy of the entire live graph,
// suitable for a cut reply or a full push-loop sync.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Entities: make([]Entity, 0, len(r.entities)),
		Scopes:   make([]Scope, 0, len(r.scopes)),
		Edges:    make([]Edge, 0, len(r.edges)),
		Events:   make([]Event, 0, r.eventsLen),
	}
	for _, e := range r.entities {
		snap.Entities = append(snap.Entities, *e)
	}
	for _, s := range r.scopes {
		snap.Scopes = append(snap.Scopes, *s)
	}
	for _, e := range r.edges {
		snap.Edges = append(snap.Edges, e)
	}
	for i := 0; i < r.eventsLen; i++ {
		snap.Events = append(snap.Events, r.events[(r.eventsHead+i)%eventRingCapacity])
	}
	return snap
}

// Snapshot is a full copy of the live graph at one instant.
type Snapshot struct {
	Entities []Entity
	Scopes   []Scope
	Edges    []Edge
	Events   []Event
}
