package rpctrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(ids.NewAllocator(), 1)
}

func TestRequestWireIDSurvivesRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)

	req, err := NewRequest(reg, "service", "m", []byte(`[1]`))
	require.NoError(t, err)

	wire := req.WireID()
	assert.NotZero(t, wire)
	assert.Less(t, wire, ids.MaxSafeID)
	// Parsing the wire form recovers the same id and process prefix.
	assert.Equal(t, req.ID(), ids.ID(wire))
	assert.Equal(t, req.ID().Prefix(), ids.ID(wire).Prefix())
}

func TestResponsePairingAcrossProcesses(t *testing.T) {
	// Two registries with distinct allocators stand in for two
	// processes; the wire id carries the client's prefix into the
	// server's graph untouched.
	clientReg := newTestRegistry(t)
	serverReg := newTestRegistry(t)

	req, err := NewRequest(clientReg, "service", "m", []byte(`[1]`))
	require.NoError(t, err)

	resp, err := ResponseFor(serverReg, "service", "m", req.WireID())
	require.NoError(t, err)

	assert.Equal(t, req.ID(), resp.RequestRef())
	assert.Equal(t, registry.ResponsePending, resp.Status())

	var paired bool
	for _, e := range serverReg.Snapshot().Edges {
		if e.Src == resp.ID() && e.Dst == req.ID() && e.Kind == registry.EdgePairedWith {
			paired = true
		}
	}
	assert.True(t, paired)

	ent, err := serverReg.Entity(resp.ID())
	require.NoError(t, err)
	assert.Equal(t, "service", ent.Body.Response.Service)
	assert.Equal(t, "m", ent.Body.Response.Method)
}

func TestResponseTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	req, err := NewRequest(reg, "svc", "do", nil)
	require.NoError(t, err)

	resp, err := ResponseFor(reg, "svc", "do", req.WireID())
	require.NoError(t, err)

	require.NoError(t, resp.Ok())
	assert.Equal(t, registry.ResponseOk, resp.Status())

	// Terminal states reject further transitions.
	require.Error(t, resp.Err())
}

func TestResponseCancelDestroysEntity(t *testing.T) {
	reg := newTestRegistry(t)
	req, err := NewRequest(reg, "svc", "do", nil)
	require.NoError(t, err)
	resp, err := ResponseFor(reg, "svc", "do", req.WireID())
	require.NoError(t, err)

	require.NoError(t, resp.Cancel())
	req.Cancel()

	_, err = reg.Entity(resp.ID())
	require.Error(t, err)
	_, err = reg.Entity(req.ID())
	require.Error(t, err)
}

func TestResponseForRejectsBadWireRef(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := ResponseFor(reg, "svc", "do", 0)
	require.Error(t, err)
	_, err = ResponseFor(reg, "svc", "do", ids.MaxSafeID)
	require.Error(t, err)
}
