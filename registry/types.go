// Package registry is the authoritative in-process store of entities,
// scopes, edges, and a bounded event ring. It is a process-wide
// singleton populated by the primitive wrappers (wrap), the future
// instrumentation core (future), and the RPC layer (rpctrace); the root
// peep package registers the process scope at init, and the push loop
// (client) drains and compacts the change log.
//
// Every public method here returns immediately and pushes its effect
// into the change log: the registry holds
// one short-lived mutex and never awaits anything while holding it.
package registry

import (
	"github.com/peepviz/peep/ids"
)

// EntityKind names an entity variant.
type EntityKind string

const (
	KindFuture      EntityKind = "future"
	KindLock        EntityKind = "lock"
	KindChannelTx   EntityKind = "channel_tx"
	KindChannelRx   EntityKind = "channel_rx"
	KindSemaphore   EntityKind = "semaphore"
	KindNotify      EntityKind = "notify"
	KindOnceCell    EntityKind = "once_cell"
	KindRequest     EntityKind = "request"
	KindResponse    EntityKind = "response"
	KindNetConnect  EntityKind = "net_connect"
	KindNetAccept   EntityKind = "net_accept"
	KindNetRead     EntityKind = "net_read"
	KindNetWrite    EntityKind = "net_write"
)

// LockKind distinguishes the two lock flavors a Lock entity wraps.
type LockKind string

const (
	LockKindMutex  LockKind = "mutex"
	LockKindRWLock LockKind = "rwlock"
)

// ChannelLifecycle is Open or Closed(cause).
type ChannelLifecycle struct {
	Open  bool              `json:"open"`
	Cause ChannelCloseCause `json:"cause,omitempty"`
}

// ChannelCloseCause names why a channel endpoint closed.
type ChannelCloseCause string

const (
	CauseNone            ChannelCloseCause = ""
	CauseSenderDropped   ChannelCloseCause = "sender_dropped"
	CauseReceiverDropped ChannelCloseCause = "receiver_dropped"
)

// ChannelFlavor distinguishes the "would block" semantics of the
// channel wrappers: which send and recv operations can suspend.
type ChannelFlavor string

const (
	FlavorMpscBounded   ChannelFlavor = "mpsc_bounded"
	FlavorMpscUnbounded ChannelFlavor = "mpsc_unbounded"
	FlavorBroadcast     ChannelFlavor = "broadcast"
	FlavorWatch         ChannelFlavor = "watch"
	FlavorOneshot       ChannelFlavor = "oneshot"
)

// ChannelDetails carries the flavor-specific endpoint state. Only the
// field matching Flavor is meaningful.
type ChannelDetails struct {
	Flavor ChannelFlavor `json:"flavor"`

	// Mpsc (bounded and unbounded)
	Buffer    int `json:"buffer,omitempty"`
	Occupancy int `json:"occupancy,omitempty"`

	// Broadcast
	Capacity int `json:"capacity,omitempty"`

	// Watch
	LastUpdateMS int64 `json:"last_update_ms,omitempty"`

	// Oneshot
	OneshotState OneshotState `json:"oneshot_state,omitempty"`
}

// OneshotState is the three-state lifecycle of a oneshot channel.
type OneshotState string

const (
	OneshotEmpty   OneshotState = "empty"
	OneshotSent    OneshotState = "sent"
	OneshotDropped OneshotState = "dropped"
)

// OnceCellState is the three-state lifecycle of a OnceCell entity.
type OnceCellState string

const (
	OnceCellEmpty       OnceCellState = "empty"
	OnceCellInitializing OnceCellState = "initializing"
	OnceCellInitialized  OnceCellState = "initialized"
)

// ResponseStatus is the lifecycle of an RPC Response entity.
type ResponseStatus string

const (
	ResponsePending   ResponseStatus = "pending"
	ResponseOk        ResponseStatus = "ok"
	ResponseErr       ResponseStatus = "err"
	ResponseCancelled ResponseStatus = "cancelled"
)

// EntityBody carries the kind-specific state of an entity. Exactly one
// field is populated, matching Kind; a struct of pointers rather than a
// sum type because bodies persist as JSON (body_json) and a tagged
// struct marshals cleanly without a custom encoder.
type EntityBody struct {
	Lock *LockBody `json:"lock,omitempty"`

	ChannelLifecycle *ChannelLifecycle `json:"channel_lifecycle,omitempty"`
	ChannelDetails   *ChannelDetails   `json:"channel_details,omitempty"`

	Semaphore *SemaphoreBody `json:"semaphore,omitempty"`
	Notify    *NotifyBody    `json:"notify,omitempty"`
	OnceCell  *OnceCellBody  `json:"once_cell,omitempty"`
	Request   *RequestBody   `json:"request,omitempty"`
	Response  *ResponseBody  `json:"response,omitempty"`
	NetRemote *NetRemoteBody `json:"net_remote,omitempty"`
}

type LockBody struct {
	Kind LockKind `json:"kind"`
}

type SemaphoreBody struct {
	PermitsTotal     int `json:"permits_total"`
	PermitsAvailable int `json:"permits_available"`
}

type NotifyBody struct {
	WaiterCount int `json:"waiter_count"`
}

type OnceCellBody struct {
	State       OnceCellState `json:"state"`
	WaiterCount int           `json:"waiter_count"`
}

type RequestBody struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []byte `json:"args,omitempty"`
}

type ResponseBody struct {
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Status  ResponseStatus `json:"status"`
}

type NetRemoteBody struct {
	RemoteAddr string `json:"remote_addr"`
}

// Entity is a vertex of the live graph. ScopeID is the owning task
// scope (zero when the entity belongs to no task), carried on the wire
// so the merged snapshot can answer "which task owns this future"
// without a side table; the process-scope link every entity also holds
// is implied by the connection and not repeated per entity.
type Entity struct {
	ID      ids.ID         `json:"id"`
	Kind    EntityKind     `json:"kind"`
	BirthMS int64          `json:"birth_ms"`
	Source  ids.Source     `json:"source,omitempty"`
	Name    string         `json:"name,omitempty"`
	ScopeID ids.ID         `json:"scope,omitempty"`
	Body    EntityBody     `json:"body"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Display renders "{kind}:{id}" for operator-facing output.
func (e Entity) Display() string {
	return string(e.Kind) + ":" + e.ID.String()
}

// ScopeKind names a scope variant.
type ScopeKind string

const (
	ScopeProcess ScopeKind = "process"
	ScopeThread  ScopeKind = "thread"
	ScopeTask    ScopeKind = "task"
)

// Scope groups entities by execution container.
type Scope struct {
	ID      ids.ID     `json:"id"`
	Kind    ScopeKind  `json:"kind"`
	BirthMS int64      `json:"birth_ms"`
	Source  ids.Source `json:"source,omitempty"`
	Name    string     `json:"name,omitempty"`
}

// EdgeKind is a directed, typed relationship between two entities.
type EdgeKind string

const (
	EdgePolls       EdgeKind = "polls"
	EdgeNeeds       EdgeKind = "needs"
	EdgeHolds       EdgeKind = "holds"
	EdgePairedWith  EdgeKind = "paired_with"
	EdgeClosedBy    EdgeKind = "closed_by"
	EdgeChannelLink EdgeKind = "channel_link"
	EdgeRPCLink     EdgeKind = "rpc_link"
)

// Edge is deduplicated by (Src, Dst, Kind); the registry's edge set is
// keyed on this triple.
type Edge struct {
	Src    ids.ID   `json:"src"`
	Dst    ids.ID   `json:"dst"`
	Kind   EdgeKind `json:"kind"`
	Source ids.Source `json:"source,omitempty"`
}

// EventKind names a point-in-time occurrence attached to an entity.
type EventKind string

const (
	EventStateChanged       EventKind = "state_changed"
	EventChannelSent        EventKind = "channel_sent"
	EventChannelReceived    EventKind = "channel_received"
	EventChannelWaitStarted EventKind = "channel_wait_started"
	EventChannelWaitEnded   EventKind = "channel_wait_ended"
	EventChannelClosed      EventKind = "channel_closed"
	EventOperationStarted   EventKind = "operation_started"
	EventOperationEnded     EventKind = "operation_ended"
)

// Outcome is the terminal result an OperationEnded/ChannelWaitEnded event
// carries, e.g. Ok, Closed, Full, Empty, Cancelled.
type Outcome string

const (
	OutcomeOk        Outcome = "ok"
	OutcomeClosed    Outcome = "closed"
	OutcomeFull      Outcome = "full"
	OutcomeEmpty     Outcome = "empty"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is a timestamped occurrence attached to an entity.
type Event struct {
	ID      ids.ID     `json:"id"`
	Target  ids.ID     `json:"target"`
	AtMS    int64      `json:"at_ms"`
	Source  ids.Source `json:"source,omitempty"`
	Kind    EventKind  `json:"kind"`
	WaitNS  int64      `json:"wait_ns,omitempty"`
	Outcome Outcome    `json:"outcome,omitempty"`
	Cause   ChannelCloseCause `json:"cause,omitempty"`
}
