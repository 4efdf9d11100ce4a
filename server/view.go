package server

import (
	"sync"

	"github.com/peepviz/peep/registry"
	"github.com/peepviz/peep/wire"
)

// viewEventCapacity bounds the per-connection event buffer the same way
// the client's own ring is bounded.
const viewEventCapacity = 16384

type edgeKey struct {
	src  uint64
	dst  uint64
	kind registry.EdgeKind
}

// liveView is the server's rolling picture of one connection's graph,
// maintained by applying delta frames in arrival order.
// It answers "what does this process look like right now" without a
// cut. A cut does not persist it: a connection that fails to reply in
// time contributes no rows to the snapshot.
type liveView struct {
	mu       sync.Mutex
	entities map[uint64]registry.Entity
	scopes   map[uint64]registry.Scope
	edges    map[edgeKey]registry.Edge
	events   []registry.Event
}

func newLiveView() *liveView {
	return &liveView{
		entities: make(map[uint64]registry.Entity),
		scopes:   make(map[uint64]registry.Scope),
		edges:    make(map[edgeKey]registry.Edge),
	}
}

// apply folds one delta into the view. Removal of an entity cascades
// its edges, mirroring the registry's own removal semantics.
func (v *liveView) apply(d wire.Delta) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, s := range d.Scopes {
		v.scopes[s.ID.Uint64()] = s
	}
	for _, e := range d.Entities {
		v.entities[e.ID.Uint64()] = e
	}
	for _, e := range d.Edges {
		v.edges[edgeKey{src: e.Src.Uint64(), dst: e.Dst.Uint64(), kind: e.Kind}] = e
	}
	for _, ref := range d.EdgeRemovals {
		delete(v.edges, edgeKey{src: ref.Src, dst: ref.Dst, kind: ref.Kind})
	}
	for _, id := range d.EntityRemovals {
		delete(v.entities, id)
		for key := range v.edges {
			if key.src == id || key.dst == id {
				delete(v.edges, key)
			}
		}
	}
	v.events = append(v.events, d.Events...)
	if len(v.events) > viewEventCapacity {
		v.events = v.events[len(v.events)-viewEventCapacity:]
	}
}

// reset clears the view. Ingest does not call it: every connection,
// including a restarted process's new one, starts from newLiveView.
func (v *liveView) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entities = make(map[uint64]registry.Entity)
	v.scopes = make(map[uint64]registry.Scope)
	v.edges = make(map[edgeKey]registry.Edge)
	v.events = nil
}

// snapshot renders the view as a CutReply-shaped slice.
func (v *liveView) snapshot() wire.CutReply {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := wire.CutReply{
		Entities: make([]registry.Entity, 0, len(v.entities)),
		Scopes:   make([]registry.Scope, 0, len(v.scopes)),
		Edges:    make([]registry.Edge, 0, len(v.edges)),
		Events:   append([]registry.Event(nil), v.events...),
	}
	for _, e := range v.entities {
		out.Entities = append(out.Entities, e)
	}
	for _, s := range v.scopes {
		out.Scopes = append(out.Scopes, s)
	}
	for _, e := range v.edges {
		out.Edges = append(out.Edges, e)
	}
	return out
}
