// Package server is the central ingest and merge side of the snapshot
// protocol: it accepts dashboard connections, maintains a live
// per-connection view from delta frames, coordinates cuts across every
// live connection, and persists merged snapshots to SQLite.
package server

import (
	"context"
	"database/sql"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/peepviz/peep/db"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/logger"
	"github.com/peepviz/peep/wire"
)

// outboundQueueSize bounds the per-connection command queue between the
// dispatch side and the writer task.
const outboundQueueSize = 32

// Server accepts instrumented-process connections and owns the cut
// machinery.
type Server struct {
	db  *sql.DB
	log *zap.SugaredLogger

	listener net.Listener

	mu    sync.Mutex
	conns map[int64]*connState
	cuts  map[int64]*cutState

	// errLimiter throttles log output for misbehaving clients so a
	// frame-spamming peer cannot flood the server's own log.
	errLimiter *rate.Limiter

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

type connState struct {
	id       int64
	process  string
	procKey  string
	streamID uint64

	outbound chan wire.Envelope
	view     *liveView
}

// New opens (or creates) the snapshot database at dbPath and binds the
// listener on addr. Serve must be called to start accepting.
func New(addr, dbPath string) (*Server, error) {
	conn, err := db.OpenWithMigrations(dbPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Server{
		db:         conn,
		log:        logger.ComponentLogger("ingest"),
		listener:   listener,
		conns:      make(map[int64]*connState),
		cuts:       make(map[int64]*cutState),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		group:      group,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// DB exposes the snapshot database for the query surface.
func (s *Server) DB() *sql.DB { return s.db }

// Serve runs the accept loop until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.group.Go(func() error {
			s.handle(conn)
			return nil
		})
	}
}

// Close stops accepting, tears down every connection task, and closes
// the database.
func (s *Server) Close() error {
	s.cancel()
	s.listener.Close()
	s.group.Wait()
	return s.db.Close()
}

// handle runs one connection to completion: handshake, then a reader
// task and a writer task sharing the bounded outbound queue.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		s.rejectConn(conn, "handshake", err)
		return
	}
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		s.rejectConn(conn, "handshake", err)
		return
	}
	if env.Type != wire.TypeHandshake {
		s.rejectConn(conn, "handshake", errors.Newf("expected handshake, got %s", env.Type))
		return
	}
	hs, err := env.DecodeHandshake()
	if err != nil {
		s.rejectConn(conn, "handshake", err)
		return
	}

	connID, err := db.NextCounter(s.db, "conn_id")
	if err != nil {
		s.log.Errorw("allocate conn id", logger.FieldError, err)
		return
	}
	if err := insertConnection(s.db, connID, hs); err != nil {
		s.log.Errorw("persist connection", logger.FieldConnID, connID, logger.FieldError, err)
		return
	}

	state := &connState{
		id:       connID,
		process:  hs.Process,
		procKey:  hs.ProcKey,
		streamID: hs.StreamID,
		outbound: make(chan wire.Envelope, outboundQueueSize),
		view:     newLiveView(),
	}
	s.mu.Lock()
	s.conns[connID] = state
	s.mu.Unlock()

	s.log.Infow("process connected",
		logger.FieldConnID, connID, "process", hs.Process,
		logger.FieldStreamID, hs.StreamID)

	group, ctx := errgroup.WithContext(s.ctx)
	// A blocked ReadFrame only unwinds when the conn closes, so server
	// shutdown (or the peer loop failing) force-closes it.
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()
	group.Go(func() error { return s.readLoop(ctx, conn, state) })
	group.Go(func() error { return s.writeLoop(ctx, conn, state) })
	err = group.Wait()

	s.mu.Lock()
	delete(s.conns, connID)
	// A cut still waiting on this connection gives up on it now rather
	// than at its deadline.
	for _, cut := range s.cuts {
		cut.connGone(connID)
	}
	s.mu.Unlock()

	if dbErr := markDisconnected(s.db, connID); dbErr != nil {
		s.log.Errorw("mark disconnected", logger.FieldConnID, connID, logger.FieldError, dbErr)
	}
	s.log.Infow("process disconnected", logger.FieldConnID, connID, logger.FieldError, err)
}

// rejectConn answers a framing/protocol violation with a client_error
// frame and tears the connection down.
func (s *Server) rejectConn(conn net.Conn, stage string, cause error) {
	if s.errLimiter.Allow() {
		s.log.Warnw("rejecting connection", "stage", stage, logger.FieldError, cause)
	}
	if env, err := wire.EncodeClientError(wire.ClientError{Stage: stage, Error: cause.Error()}); err == nil {
		wire.WriteFrame(conn, env)
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, state *connState) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			s.rejectConn(conn, "decode", err)
			return err
		}
		if err := s.dispatch(state, env); err != nil {
			s.rejectConn(conn, "dispatch", err)
			return err
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, state *connState) error {
	for {
		select {
		case env := <-state.outbound:
			if err := wire.WriteFrame(conn, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch routes one inbound frame.
func (s *Server) dispatch(state *connState, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeDelta:
		d, err := env.DecodeDelta()
		if err != nil {
			return err
		}
		state.view.apply(d)
		return nil

	case wire.TypeCutAck:
		ack, err := env.DecodeCutAck()
		if err != nil {
			return err
		}
		s.withCut(int64(ack.CutID), func(c *cutState) { c.acked(state.id) })
		return nil

	case wire.TypeCutReply:
		reply, err := env.DecodeCutReply()
		if err != nil {
			return err
		}
		s.withCut(int64(reply.CutID), func(c *cutState) { c.replied(state.id, reply) })
		return nil

	case wire.TypeClientError:
		ce, err := env.DecodeClientError()
		if err != nil {
			return err
		}
		if s.errLimiter.Allow() {
			s.log.Warnw("client error",
				logger.FieldConnID, state.id, "stage", ce.Stage, logger.FieldError, ce.Error)
		}
		return nil

	default:
		return errors.Newf("unexpected frame type %q", env.Type)
	}
}

func (s *Server) withCut(cutID int64, f func(*cutState)) {
	s.mu.Lock()
	cut, ok := s.cuts[cutID]
	s.mu.Unlock()
	if ok {
		f(cut)
	}
}
