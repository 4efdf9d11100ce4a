package registry

// CompactIfExceeds coalesces the change log in place once it grows past
// threshold, trying to shrink it toward target without losing any
// currently-live observable state: a chain of EntityUpdated
// changes for the same entity collapses to its last entry, and an
// EdgeSet immediately cancelled by a later EdgeCleared for the same key
// drops both — the dashboard never needed to see the edge at all if it
// is already gone by the time it drains.
//
// Entity/scope creation and removal, and every recorded event, survive
// compaction untouched: those are the changes the live graph is
// reconstructed from, and the set of events is itself part of
// observable state, not just a path to it.
func (r *Registry) CompactIfExceeds(threshold, target int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.changes) <= threshold {
		return
	}

	drop := make(map[int]bool)
	lastEntityUpdate := make(map[uint64]int)
	pendingEdgeSet := make(map[edgeKey]int)

	for i, c := range r.changes {
		switch c.Kind {
		case ChangeEntityUpdated:
			id := c.Entity.ID.Uint64()
			if prev, ok := lastEntityUpdate[id]; ok {
				drop[prev] = true
			}
			lastEntityUpdate[id] = i

		case ChangeEntityCreated, ChangeEntityRemoved:
			var id uint64
			if c.Entity != nil {
				id = c.Entity.ID.Uint64()
			} else {
				id = c.EntityID.Uint64()
			}
			delete(lastEntityUpdate, id)

		case ChangeEdgeSet:
			key := edgeKey{src: c.Edge.Src, dst: c.Edge.Dst, kind: c.Edge.Kind}
			if prev, ok := pendingEdgeSet[key]; ok {
				drop[prev] = true
			}
			pendingEdgeSet[key] = i

		case ChangeEdgeCleared:
			key := edgeKey{src: c.Edge.Src, dst: c.Edge.Dst, kind: c.Edge.Kind}
			if prev, ok := pendingEdgeSet[key]; ok {
				drop[prev] = true
				drop[i] = true
				delete(pendingEdgeSet, key)
			}
		}
	}

	if len(drop) == 0 {
		return
	}

	kept := make([]Change, 0, len(r.changes)-len(drop))
	for i, c := range r.changes {
		if !drop[i] {
			kept = append(kept, c)
		}
	}
	r.changes = kept
}
