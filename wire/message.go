package wire

import (
	"encoding/json"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/registry"
)

// MessageType discriminates the frame payload shapes.
type MessageType string

const (
	TypeHandshake   MessageType = "handshake"
	TypeDelta       MessageType = "delta"
	TypeCutRequest  MessageType = "cut_request"
	TypeCutAck      MessageType = "cut_ack"
	TypeCutReply    MessageType = "cut_reply"
	TypeClientError MessageType = "client_error"
)

// Envelope is the outer shape every frame shares: a type tag plus a raw
// JSON body the caller decodes once it knows which variant it got.
type Envelope struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Handshake is sent by the client immediately after connecting.
type Handshake struct {
	Process  string `json:"process"`
	PID      int    `json:"pid"`
	ProcKey  string `json:"proc_key"`
	StreamID uint64 `json:"stream_id"`
}

// Delta carries a batch of registry changes. Removals are carried
// as bare ids/keys rather than full records since the receiver only
// needs to know what to drop from its own view.
type Delta struct {
	Seq            uint64                 `json:"seq"`
	Entities       []registry.Entity      `json:"entities,omitempty"`
	Scopes         []registry.Scope       `json:"scopes,omitempty"`
	Edges          []registry.Edge        `json:"edges,omitempty"`
	EdgeRemovals   []EdgeRef              `json:"edge_removals,omitempty"`
	EntityRemovals []uint64               `json:"entity_removals,omitempty"`
	Events         []registry.Event       `json:"events,omitempty"`
}

// EdgeRef identifies an edge for removal without carrying its Source.
type EdgeRef struct {
	Src  uint64            `json:"src"`
	Dst  uint64            `json:"dst"`
	Kind registry.EdgeKind `json:"kind"`
}

// CutRequest is sent server → client to trigger a coordinated snapshot
//.
type CutRequest struct {
	CutID uint64 `json:"cut_id"`
}

// CutAck is sent client → server on CutRequest receipt, before the
// client has finished building its reply.
type CutAck struct {
	CutID      uint64 `json:"cut_id"`
	ReceivedAtNS int64 `json:"received_at_ns"`
}

// CutReply carries one process's full graph slice for a cut: every
// currently-live entity, scope, edge, and the event ring.
type CutReply struct {
	CutID    uint64            `json:"cut_id"`
	StreamID uint64            `json:"stream_id"`
	Entities []registry.Entity `json:"entities"`
	Scopes   []registry.Scope  `json:"scopes"`
	Edges    []registry.Edge   `json:"edges"`
	Events   []registry.Event  `json:"events"`
}

// ClientError is sent server → client on a framing or protocol violation
//; the server tears down the connection immediately after.
type ClientError struct {
	Stage          string `json:"stage"`
	Error          string `json:"error"`
	LastFrameUTF8  string `json:"last_frame_utf8,omitempty"`
}

// encode marshals v and wraps it in an Envelope tagged with typ; it does
// not write a frame. typ must match the concrete type of v; callers use
// the Encode* helpers below instead of calling this directly to avoid
// that mismatch.
func encode(typ MessageType, v any) (Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "wire: marshal message body")
	}
	return Envelope{Type: typ, Body: body}, nil
}

func EncodeHandshake(h Handshake) (Envelope, error)   { return encode(TypeHandshake, h) }
func EncodeDelta(d Delta) (Envelope, error)           { return encode(TypeDelta, d) }
func EncodeCutRequest(c CutRequest) (Envelope, error) { return encode(TypeCutRequest, c) }
func EncodeCutAck(c CutAck) (Envelope, error)         { return encode(TypeCutAck, c) }
func EncodeCutReply(c CutReply) (Envelope, error)     { return encode(TypeCutReply, c) }
func EncodeClientError(c ClientError) (Envelope, error) { return encode(TypeClientError, c) }

// DecodeEnvelope unmarshals a raw frame payload into its Envelope. The
// caller then switches on Type and calls the matching Decode* helper.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "wire: decode envelope")
	}
	return env, nil
}

func (e Envelope) DecodeHandshake() (Handshake, error) {
	var h Handshake
	err := json.Unmarshal(e.Body, &h)
	return h, errors.Wrap(err, "wire: decode handshake body")
}

func (e Envelope) DecodeDelta() (Delta, error) {
	var d Delta
	err := json.Unmarshal(e.Body, &d)
	return d, errors.Wrap(err, "wire: decode delta body")
}

func (e Envelope) DecodeCutRequest() (CutRequest, error) {
	var c CutRequest
	err := json.Unmarshal(e.Body, &c)
	return c, errors.Wrap(err, "wire: decode cut_request body")
}

func (e Envelope) DecodeCutAck() (CutAck, error) {
	var c CutAck
	err := json.Unmarshal(e.Body, &c)
	return c, errors.Wrap(err, "wire: decode cut_ack body")
}

func (e Envelope) DecodeCutReply() (CutReply, error) {
	var c CutReply
	err := json.Unmarshal(e.Body, &c)
	return c, errors.Wrap(err, "wire: decode cut_reply body")
}

func (e Envelope) DecodeClientError() (ClientError, error) {
	var c ClientError
	err := json.Unmarshal(e.Body, &c)
	return c, errors.Wrap(err, "wire: decode client_error body")
}
