// Package rpctrace creates the paired Request/Response entities that
// link cross-process RPC calls into the wait graph. The request's
// entity id doubles as the wire id: because ids carry the originating
// process prefix, the central server stitches client and server
// sides at merge time by plain key equality — neither
// process needs to know about the other.
package rpctrace

import (
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Request is the client side of a call: an entity carrying
// (service, method, args) whose id is embedded in the on-wire envelope.
type Request struct {
	reg    *registry.Registry
	id     ids.ID
	source ids.Source
	done   bool
}

// NewRequest allocates the Request entity. args travels opaquely; the
// fabric never inspects it.
func NewRequest(reg *registry.Registry, service, method string, args []byte) (*Request, error) {
	source := ids.CaptureSource(1)
	id, err := reg.RegisterEntity(registry.KindRequest, service+"."+method, source, nowMS(),
		registry.EntityBody{Request: &registry.RequestBody{Service: service, Method: method, Args: args}})
	if err != nil {
		return nil, errors.Wrap(err, "rpctrace: register request entity")
	}
	return &Request{reg: reg, id: id, source: source}, nil
}

// ID exposes the request's entity id.
func (r *Request) ID() ids.ID { return r.id }

// WireID returns the numeric id to embed in the on-wire envelope. It
// must be carried as a full-width number: reformatting as a
// narrower type drops the process prefix and breaks cross-process
// stitching.
func (r *Request) WireID() uint64 { return r.id.Uint64() }

// Complete removes the request entity after a terminal response.
func (r *Request) Complete() {
	if r.done {
		return
	}
	r.done = true
	r.reg.RemoveEntity(r.id)
}

// Cancel is the cancel-by-drop path: the request entity is destroyed,
// with every edge it anchored.
func (r *Request) Cancel() { r.Complete() }

// Response is the server side of a call, created in Pending status and
// linked to the (possibly remote) request.
type Response struct {
	reg    *registry.Registry
	id     ids.ID
	reqRef ids.ID
	source ids.Source
	status registry.ResponseStatus
	body   registry.ResponseBody
	done   bool
}

// ResponseFor allocates a Response entity in Pending status for the
// request identified by wireRef. The pairing edges are installed even
// when wireRef names a remote entity this process has never seen — the
// registry stores edge endpoints opaquely, and the merge step resolves
// them once both sides land in the same snapshot.
func ResponseFor(reg *registry.Registry, service, method string, wireRef uint64) (*Response, error) {
	if wireRef == 0 || wireRef >= ids.MaxSafeID {
		return nil, errors.Wrapf(errors.ErrIDOutOfRange, "rpctrace: wire ref %d", wireRef)
	}
	source := ids.CaptureSource(1)
	body := registry.ResponseBody{Service: service, Method: method, Status: registry.ResponsePending}

	id, err := reg.RegisterEntity(registry.KindResponse, service+"."+method, source, nowMS(),
		registry.EntityBody{Response: &body})
	if err != nil {
		return nil, errors.Wrap(err, "rpctrace: register response entity")
	}

	reqRef := ids.ID(wireRef)
	reg.SetEdge(id, reqRef, registry.EdgePairedWith, source)
	reg.SetEdge(reqRef, id, registry.EdgePairedWith, source)

	return &Response{reg: reg, id: id, reqRef: reqRef, source: source, status: registry.ResponsePending, body: body}, nil
}

// ID exposes the response's entity id.
func (r *Response) ID() ids.ID { return r.id }

// RequestRef returns the request id this response is paired with.
func (r *Response) RequestRef() ids.ID { return r.reqRef }

// Ok transitions Pending → Ok.
func (r *Response) Ok() error { return r.transition(registry.ResponseOk) }

// Err transitions Pending → Err.
func (r *Response) Err() error { return r.transition(registry.ResponseErr) }

// Cancel transitions Pending → Cancelled and destroys the entity: the
// cancel-by-drop path.
func (r *Response) Cancel() error {
	if err := r.transition(registry.ResponseCancelled); err != nil {
		return err
	}
	r.Complete()
	return nil
}

func (r *Response) transition(to registry.ResponseStatus) error {
	if r.status != registry.ResponsePending {
		return errors.Newf("rpctrace: response already %s", r.status)
	}
	r.status = to
	r.body.Status = to
	if err := r.reg.UpdateEntityBody(r.id, registry.EntityBody{Response: &r.body}); err != nil {
		return errors.Wrap(err, "rpctrace: update response status")
	}
	r.reg.RecordEventDetailed(registry.Event{
		Target: r.id, AtMS: nowMS(), Source: r.source, Kind: registry.EventStateChanged,
	})
	return nil
}

// Status returns the current lifecycle status.
func (r *Response) Status() registry.ResponseStatus { return r.status }

// Complete removes the response entity once a terminal status has been
// reported and streamed.
func (r *Response) Complete() {
	if r.done {
		return
	}
	r.done = true
	r.reg.RemoveEntity(r.id)
}
