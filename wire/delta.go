package wire

import "github.com/peepviz/peep/registry"

// DeltaFromChanges flattens an ordered slice of registry changes into
// the wire Delta shape. seq is the sequence number of the last change in
// the batch. The server's live view applies deltas in arrival order and
// does not check seq for gaps; a reconnecting client resumes from the
// current change-log tail.
func DeltaFromChanges(changes []registry.Change, seq uint64) Delta {
	d := Delta{Seq: seq}

	for _, c := range changes {
		switch c.Kind {
		case registry.ChangeEntityCreated, registry.ChangeEntityUpdated:
			if c.Entity != nil {
				d.Entities = append(d.Entities, *c.Entity)
			}
		case registry.ChangeEntityRemoved:
			d.EntityRemovals = append(d.EntityRemovals, c.EntityID.Uint64())
		case registry.ChangeScopeCreated:
			if c.Scope != nil {
				d.Scopes = append(d.Scopes, *c.Scope)
			}
		case registry.ChangeScopeEnded:
			// Scope endings cascade to entity removals in the registry;
			// the corresponding ChangeEntityRemoved entries already cover
			// what the receiver needs to drop.
		case registry.ChangeEdgeSet:
			if c.Edge != nil {
				d.Edges = append(d.Edges, *c.Edge)
			}
		case registry.ChangeEdgeCleared:
			if c.Edge != nil {
				d.EdgeRemovals = append(d.EdgeRemovals, EdgeRef{
					Src: c.Edge.Src.Uint64(), Dst: c.Edge.Dst.Uint64(), Kind: c.Edge.Kind,
				})
			}
		case registry.ChangeEventRecorded:
			if c.Event != nil {
				d.Events = append(d.Events, *c.Event)
			}
		}
	}

	return d
}
