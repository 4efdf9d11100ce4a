package registry

import "github.com/peepviz/peep/ids"

// ChangeKind tags one entry of the registry's change log.
type ChangeKind int

const (
	ChangeEntityCreated ChangeKind = iota
	ChangeEntityUpdated
	ChangeEntityRemoved
	ChangeScopeCreated
	ChangeScopeEnded
	ChangeEdgeSet
	ChangeEdgeCleared
	ChangeEventRecorded
)

// Change is one delta the push loop ships to the dashboard server.
// Exactly the fields matching Kind are populated; the others stay nil or
// zero. Change itself is never marshalled: wire.DeltaFromChanges
// flattens a batch of changes into a wire.Delta before it is sent.
type Change struct {
	Seq uint64

	Kind ChangeKind

	Entity   *Entity
	EntityID ids.ID

	Scope   *Scope
	ScopeID ids.ID

	// Edge carries the full edge for ChangeEdgeSet, and just the
	// identifying (Src, Dst, Kind) triple — Source left zero — for
	// ChangeEdgeCleared.
	Edge *Edge

	Event *Event
}

// MaxChangesBeforeCompact and CompactTargetChanges are the back-pressure
// thresholds: once the undrained log passes the first, the push
// loop compacts it toward the second before draining. Tunable; what
// matters is that compaction preserves the observable live set, not
// the particular values.
const (
	MaxChangesBeforeCompact = 65536
	CompactTargetChanges    = 8192
)

// changeLogCapacity bounds how much undrained history the registry
// retains, set well past the compaction threshold so compaction runs
// before anything is force-dropped. Past this bound the oldest undrained
// changes are discarded; ChangesSince reports the gap with ok=false,
// DrainChanges does not report it.
const changeLogCapacity = 4 * MaxChangesBeforeCompact

// pushChange appends to the change log, assigning the next sequence
// number, and drops the oldest entry once the log is full. Caller must
// hold r.mu.
func (r *Registry) pushChange(c Change) {
	r.changeSeq++
	c.Seq = r.changeSeq
	r.changes = append(r.changes, c)
	if len(r.changes) > changeLogCapacity {
		r.changes = r.changes[len(r.changes)-changeLogCapacity:]
	}
}

// ChangesSince returns every change with Seq > after, and the latest
// sequence number in the log. If after is older than the oldest
// retained change, ok is false and the caller must fall back to
// Snapshot — the log has truncated history it needed.
func (r *Registry) ChangesSince(after uint64) (changes []Change, latest uint64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.changes) == 0 {
		return nil, r.changeSeq, true
	}
	oldest := r.changes[0].Seq
	if after < oldest-1 {
		return nil, r.changeSeq, false
	}

	for _, c := range r.changes {
		if c.Seq > after {
			changes = append(changes, c)
		}
	}
	return changes, r.changeSeq, true
}

// LatestSeq returns the most recently assigned change sequence number.
func (r *Registry) LatestSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changeSeq
}

// DeltaBatch is what DrainChanges hands the push loop: an ordered slice
// of changes plus whether more remain buffered.
type DeltaBatch struct {
	Changes []Change
	More    bool
}

// DrainChanges dequeues at most maxN buffered changes in order.
// Unlike ChangesSince, this consumes the log: the push loop is the
// single reader, so there is no need to retain drained entries for a
// second consumer.
func (r *Registry) DrainChanges(maxN int) DeltaBatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxN <= 0 || len(r.changes) == 0 {
		return DeltaBatch{}
	}
	n := maxN
	if n > len(r.changes) {
		n = len(r.changes)
	}
	batch := make([]Change, n)
	copy(batch, r.changes[:n])
	r.changes = r.changes[n:]

	return DeltaBatch{Changes: batch, More: len(r.changes) > 0}
}
