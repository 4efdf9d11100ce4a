// Package client is the dashboard push loop: one persistent TCP
// connection per instrumented process, reconnecting with exponential
// backoff, streaming handshake + delta frames and answering cut
// requests from the server with an ack and a full registry snapshot.
package client

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peepviz/peep/logger"
	"github.com/peepviz/peep/registry"
	"github.com/peepviz/peep/wire"
)

const (
	// DefaultTickInterval is how often the loop wakes to drain the
	// change log when nothing else forces a flush.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultMaxChangesPerBatch caps one delta frame's change count.
	DefaultMaxChangesPerBatch = 2048
)

// Config parameterizes one push loop.
type Config struct {
	// Addr is the ingest server's host:port.
	Addr string
	// ProcessName is reported in the handshake; defaults to os.Args[0].
	ProcessName string

	TickInterval       time.Duration
	MaxChangesPerBatch int
}

// Pusher owns the connection lifecycle. Stop by cancelling the context
// passed to Start.
type Pusher struct {
	cfg     Config
	reg     *registry.Registry
	procKey string
	done    chan struct{}
}

// StartFromEnv consults DASHBOARD and starts a push loop if it is set;
// when unset the loop does not start and nil is returned.
func StartFromEnv(ctx context.Context, reg *registry.Registry) *Pusher {
	addr := os.Getenv("DASHBOARD")
	if addr == "" {
		return nil
	}
	return Start(ctx, reg, Config{Addr: addr})
}

// Start launches the push loop goroutine and returns immediately.
func Start(ctx context.Context, reg *registry.Registry, cfg Config) *Pusher {
	if cfg.ProcessName == "" {
		cfg.ProcessName = os.Args[0]
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxChangesPerBatch <= 0 {
		cfg.MaxChangesPerBatch = DefaultMaxChangesPerBatch
	}

	p := &Pusher{cfg: cfg, reg: reg, procKey: uuid.NewString(), done: make(chan struct{})}
	go p.run(ctx)
	return p
}

// Done closes when the loop has fully stopped after context
// cancellation.
func (p *Pusher) Done() <-chan struct{} { return p.done }

func (p *Pusher) run(ctx context.Context) {
	defer close(p.done)
	log := logger.ComponentLogger("push")

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever; only ctx stops the loop

	for ctx.Err() == nil {
		err := p.session(ctx, log)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		log.Warnw("dashboard connection lost, reconnecting",
			logger.FieldError, err, "retry_in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection to completion: dial, handshake, then the
// writer loop with a reader goroutine feeding cut requests back in. On
// any error the whole session tears down and run reconnects; nothing is
// flushed on disconnect — the server detects restarts via
// stream_id.
func (p *Pusher) session(ctx context.Context, log *zap.SugaredLogger) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	env, err := wire.EncodeHandshake(wire.Handshake{
		Process:  p.cfg.ProcessName,
		PID:      os.Getpid(),
		ProcKey:  p.procKey,
		StreamID: p.reg.StreamID(),
	})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		return err
	}
	log.Infow("connected to dashboard", "addr", p.cfg.Addr, logger.FieldStreamID, p.reg.StreamID())

	// The writer loop is the single owner of the outbound stream;
	// the reader only enqueues work for it.
	inbound := make(chan wire.Envelope, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			payload, err := wire.ReadFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			env, err := wire.DecodeEnvelope(payload)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.flush(conn); err != nil {
				return err
			}

		case env := <-inbound:
			if err := p.dispatch(conn, env, log); err != nil {
				return err
			}

		case err := <-readErr:
			return err

		case <-ctx.Done():
			// Final drain so a clean shutdown loses as little as a tick's
			// worth of changes.
			p.flush(conn)
			return ctx.Err()
		}
	}
}

// flush compacts if the log has outgrown the back-pressure threshold,
// then drains one batch into a delta frame. An empty log writes nothing.
func (p *Pusher) flush(conn net.Conn) error {
	p.reg.CompactIfExceeds(registry.MaxChangesBeforeCompact, registry.CompactTargetChanges)

	batch := p.reg.DrainChanges(p.cfg.MaxChangesPerBatch)
	if len(batch.Changes) == 0 {
		return nil
	}
	delta := wire.DeltaFromChanges(batch.Changes, batch.Changes[len(batch.Changes)-1].Seq)
	env, err := wire.EncodeDelta(delta)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		return err
	}
	// A backlog bigger than one batch flushes immediately rather than
	// waiting out the tick.
	if batch.More {
		return p.flush(conn)
	}
	return nil
}

func (p *Pusher) dispatch(conn net.Conn, env wire.Envelope, log *zap.SugaredLogger) error {
	switch env.Type {
	case wire.TypeCutRequest:
		req, err := env.DecodeCutRequest()
		if err != nil {
			return err
		}
		return p.answerCut(conn, req, log)
	default:
		log.Warnw("unexpected frame from server", "type", env.Type)
		return nil
	}
}

// answerCut acks immediately, then walks the registry into a
// self-contained reply: the full live graph plus the event ring, tagged
// with the stream id so the server can tell a restart from a reconnect
//. The drain is not paused — the snapshot is itself a consistent
// point-in-time copy.
func (p *Pusher) answerCut(conn net.Conn, req wire.CutRequest, log *zap.SugaredLogger) error {
	ack, err := wire.EncodeCutAck(wire.CutAck{CutID: req.CutID, ReceivedAtNS: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, ack); err != nil {
		return err
	}

	snap := p.reg.Snapshot()
	reply, err := wire.EncodeCutReply(wire.CutReply{
		CutID:    req.CutID,
		StreamID: p.reg.StreamID(),
		Entities: snap.Entities,
		Scopes:   snap.Scopes,
		Edges:    snap.Edges,
		Events:   snap.Events,
	})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, reply); err != nil {
		return err
	}
	log.Infow("answered cut", logger.FieldCutID, req.CutID,
		logger.FieldCount, len(snap.Entities))
	return nil
}
