package wrap

import (
	"context"
	"net"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/ids"
	"github.com/peepviz/peep/registry"
)

// Dial connects to addr, surfacing the in-flight connect as a
// NetConnect entity the causal-stack top Needs until the dial resolves.
// The returned conn's reads and writes are mirrored through the
// NetRead/NetWrite entities of the TrackedConn.
func Dial(ctx context.Context, env *Env, network, addr string) (*TrackedConn, error) {
	source := ids.CaptureSource(1)

	id, err := env.Reg.RegisterEntity(registry.KindNetConnect, addr, source, nowMS(),
		registry.EntityBody{NetRemote: &registry.NetRemoteBody{RemoteAddr: addr}}, env.ProcessScope)
	if err != nil {
		return nil, errors.Wrap(err, "wrap: register net connect entity")
	}
	defer env.Reg.RemoveEntity(id)

	startedAt, waiter, hasWaiter := beginWait(ctx, env, id, source)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		abandonWait(env, id, waiter, hasWaiter)
		return nil, errors.Wrapf(err, "wrap: dial %s", addr)
	}
	endWait(env, id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)

	return newTrackedConn(env, conn, source)
}

// TrackedListener mirrors each blocking Accept through a NetAccept
// entity.
type TrackedListener struct {
	Env   *Env
	id    ids.ID
	inner net.Listener
}

// Listen opens a listener on addr and registers its NetAccept entity.
func Listen(env *Env, network, addr string) (*TrackedListener, error) {
	source := ids.CaptureSource(1)

	inner, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "wrap: listen on %s", addr)
	}
	id, err := env.Reg.RegisterEntity(registry.KindNetAccept, inner.Addr().String(), source, nowMS(),
		registry.EntityBody{NetRemote: &registry.NetRemoteBody{RemoteAddr: inner.Addr().String()}}, env.ProcessScope)
	if err != nil {
		inner.Close()
		return nil, errors.Wrap(err, "wrap: register net accept entity")
	}
	return &TrackedListener{Env: env, id: id, inner: inner}, nil
}

// Addr returns the listener's bound address.
func (l *TrackedListener) Addr() net.Addr { return l.inner.Addr() }

// Accept blocks for the next inbound connection, with the wait mirrored
// on the listener's entity.
func (l *TrackedListener) Accept(ctx context.Context) (*TrackedConn, error) {
	source := ids.CaptureSource(1)

	startedAt, waiter, hasWaiter := beginWait(ctx, l.Env, l.id, source)
	conn, err := l.inner.Accept()
	if err != nil {
		abandonWait(l.Env, l.id, waiter, hasWaiter)
		return nil, errors.Wrap(err, "wrap: accept")
	}
	endWait(l.Env, l.id, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)

	return newTrackedConn(l.Env, conn, source)
}

// Close shuts the listener and removes its entity.
func (l *TrackedListener) Close() error {
	l.Env.Reg.RemoveEntity(l.id)
	return l.inner.Close()
}

// TrackedConn wraps a net.Conn with persistent read/write entities; each
// blocking Read/Write is bracketed by wait events and a Needs edge from
// the causal-stack top. The background context is used for edge
// attribution only — cancellation of a tracked read is the deadline
// machinery of the inner conn, as usual for net.Conn.
type TrackedConn struct {
	Env     *Env
	readID  ids.ID
	writeID ids.ID
	inner   net.Conn
}

func newTrackedConn(env *Env, conn net.Conn, source ids.Source) (*TrackedConn, error) {
	remote := conn.RemoteAddr().String()
	readID, err := env.Reg.RegisterEntity(registry.KindNetRead, remote, source, nowMS(),
		registry.EntityBody{NetRemote: &registry.NetRemoteBody{RemoteAddr: remote}}, env.ProcessScope)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wrap: register net read entity")
	}
	writeID, err := env.Reg.RegisterEntity(registry.KindNetWrite, remote, source, nowMS(),
		registry.EntityBody{NetRemote: &registry.NetRemoteBody{RemoteAddr: remote}}, env.ProcessScope)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wrap: register net write entity")
	}
	return &TrackedConn{Env: env, readID: readID, writeID: writeID, inner: conn}, nil
}

// Inner exposes the wrapped connection for callers that need deadlines
// or the raw stream.
func (c *TrackedConn) Inner() net.Conn { return c.inner }

// Read mirrors one blocking read on the NetRead entity.
func (c *TrackedConn) Read(ctx context.Context, p []byte) (int, error) {
	source := ids.CaptureSource(1)
	startedAt, waiter, hasWaiter := beginWait(ctx, c.Env, c.readID, source)
	n, err := c.inner.Read(p)
	if err != nil {
		abandonWait(c.Env, c.readID, waiter, hasWaiter)
		return n, err
	}
	endWait(c.Env, c.readID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
	return n, nil
}

// Write mirrors one blocking write on the NetWrite entity.
func (c *TrackedConn) Write(ctx context.Context, p []byte) (int, error) {
	source := ids.CaptureSource(1)
	startedAt, waiter, hasWaiter := beginWait(ctx, c.Env, c.writeID, source)
	n, err := c.inner.Write(p)
	if err != nil {
		abandonWait(c.Env, c.writeID, waiter, hasWaiter)
		return n, err
	}
	endWait(c.Env, c.writeID, source, startedAt, waiter, hasWaiter, registry.OutcomeOk)
	return n, nil
}

// Close removes both entities and closes the connection.
func (c *TrackedConn) Close() error {
	c.Env.Reg.RemoveEntity(c.readID)
	c.Env.Reg.RemoveEntity(c.writeID)
	return c.inner.Close()
}
