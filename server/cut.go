package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peepviz/peep/db"
	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/logger"
	"github.com/peepviz/peep/registry"
	"github.com/peepviz/peep/wire"
)

// DefaultCutTimeout bounds how long a cut waits for stragglers before
// finalising a partial snapshot.
const DefaultCutTimeout = 10 * time.Second

// CutResult is what the triggering operator gets back.
type CutResult struct {
	CutID        int64   `json:"cut_id"`
	SnapshotID   int64   `json:"snapshot_id"`
	Status       string  `json:"status"` // complete | partial
	Unresponsive []int64 `json:"unresponsive_conn_ids,omitempty"`
}

// cutState tracks one in-flight cut: the pending connection set and the
// replies gathered so far. allDone closes once the pending set empties.
type cutState struct {
	cutID int64

	mu      sync.Mutex
	pending map[int64]bool
	replies map[int64]wire.CutReply
	done    bool

	allDone chan struct{}
}

func (c *cutState) acked(connID int64) {
	// Acks confirm delivery; the pending set shrinks on the reply, which
	// is the payload the snapshot actually needs.
}

func (c *cutState) replied(connID int64, reply wire.CutReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending[connID] {
		return
	}
	delete(c.pending, connID)
	c.replies[connID] = reply
	c.checkDoneLocked()
}

// connGone abandons a pending connection that disconnected mid-cut.
func (c *cutState) connGone(connID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[connID] {
		delete(c.pending, connID)
		c.checkDoneLocked()
	}
}

func (c *cutState) checkDoneLocked() {
	if !c.done && len(c.pending) == 0 {
		c.done = true
		close(c.allDone)
	}
}

// TriggerCut coordinates one cross-process snapshot: allocate a
// cut id, fan a CutRequest out to every live connection, park until all
// replies arrive or the timeout fires, then merge and persist. A timeout
// with a non-empty pending set still produces a snapshot, marked
// partial, with the absent connections recorded.
func (s *Server) TriggerCut(ctx context.Context, timeout time.Duration) (CutResult, error) {
	if timeout <= 0 {
		timeout = DefaultCutTimeout
	}
	log := logger.ComponentLogger("cut")

	cutID, err := db.NextCounter(s.db, "cut_id")
	if err != nil {
		return CutResult{}, errors.Wrap(err, "allocate cut id")
	}

	cut := &cutState{
		cutID:   cutID,
		pending: make(map[int64]bool),
		replies: make(map[int64]wire.CutReply),
		allDone: make(chan struct{}),
	}

	req, err := wire.EncodeCutRequest(wire.CutRequest{CutID: uint64(cutID)})
	if err != nil {
		return CutResult{}, err
	}

	s.mu.Lock()
	for connID, state := range s.conns {
		// A connection whose outbound queue is wedged full never sees
		// the request; it is left pending and the timeout reports it.
		select {
		case state.outbound <- req:
			cut.pending[connID] = true
		default:
			cut.pending[connID] = true
			log.Warnw("outbound queue full, cut request not sent",
				logger.FieldCutID, cutID, logger.FieldConnID, connID)
		}
	}
	if len(cut.pending) == 0 {
		cut.done = true
		close(cut.allDone)
	}
	s.cuts[cutID] = cut
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cuts, cutID)
		s.mu.Unlock()
	}()

	log.Infow("cut requested", logger.FieldCutID, cutID, logger.FieldCount, len(cut.pending))

	select {
	case <-cut.allDone:
	case <-time.After(timeout):
	case <-ctx.Done():
		return CutResult{}, ctx.Err()
	}

	return s.assemble(cut, log)
}

// assemble freezes the cut into a persisted snapshot: allocate the
// snapshot id, write every reply's rows annotated with its conn_id,
// stitch cross-process RPC pairs, and finalise the status row.
func (s *Server) assemble(cut *cutState, log *zap.SugaredLogger) (CutResult, error) {
	snapshotID, err := db.NextCounter(s.db, "snapshot_id")
	if err != nil {
		return CutResult{}, errors.Wrap(err, "allocate snapshot id")
	}
	if err := insertSnapshotRow(s.db, snapshotID, cut.cutID, time.Now().UnixNano()); err != nil {
		return CutResult{}, err
	}

	cut.mu.Lock()
	replies := make(map[int64]wire.CutReply, len(cut.replies))
	for connID, reply := range cut.replies {
		replies[connID] = reply
	}
	var unresponsive []int64
	for connID := range cut.pending {
		unresponsive = append(unresponsive, connID)
	}
	cut.mu.Unlock()
	sort.Slice(unresponsive, func(i, j int) bool { return unresponsive[i] < unresponsive[j] })

	status := "complete"
	if len(unresponsive) > 0 {
		status = "partial"
	}

	// Persistence failure for one connection degrades the snapshot to
	// partial rather than failing the whole cut.
	for connID, reply := range replies {
		if err := persistReply(s.db, snapshotID, connID, reply); err != nil {
			logger.Errorw("persist cut reply",
				logger.FieldSnapshotID, snapshotID, logger.FieldConnID, connID, logger.FieldError, err)
			status = "partial"
			unresponsive = append(unresponsive, connID)
		}
	}

	if err := s.stitchRPC(snapshotID, replies); err != nil {
		logger.Errorw("stitch rpc pairs", logger.FieldSnapshotID, snapshotID, logger.FieldError, err)
	}

	if err := finishSnapshot(s.db, snapshotID, status, unresponsive); err != nil {
		return CutResult{}, err
	}

	log.Infow("snapshot complete",
		logger.FieldCutID, cut.cutID, logger.FieldSnapshotID, snapshotID,
		"status", status, logger.FieldCount, len(replies))

	return CutResult{
		CutID: cut.cutID, SnapshotID: snapshotID,
		Status: status, Unresponsive: unresponsive,
	}, nil
}

// stitchRPC matches Request entities against Response entities from
// other connections by wire id and inserts RpcLink(request → response)
// edges. The response's PairedWith edge carries the
// request's full 53-bit id, so matching is plain key equality.
func (s *Server) stitchRPC(snapshotID int64, replies map[int64]wire.CutReply) error {
	requestConn := make(map[uint64]int64)
	for connID, reply := range replies {
		for _, e := range reply.Entities {
			if e.Kind == registry.KindRequest {
				requestConn[e.ID.Uint64()] = connID
			}
		}
	}

	for connID, reply := range replies {
		responses := make(map[uint64]bool)
		for _, e := range reply.Entities {
			if e.Kind == registry.KindResponse {
				responses[e.ID.Uint64()] = true
			}
		}
		for _, edge := range reply.Edges {
			if edge.Kind != registry.EdgePairedWith || !responses[edge.Src.Uint64()] {
				continue
			}
			reqID := edge.Dst.Uint64()
			reqConn, ok := requestConn[reqID]
			if !ok || reqConn == connID {
				continue
			}
			if err := insertStitchedEdge(s.db, snapshotID, reqID, edge.Src.Uint64()); err != nil {
				return err
			}
		}
	}
	return nil
}

// SnapshotStatus reads back one snapshot's status row; used by the
// operator surface for unknown-cut-id errors.
func (s *Server) SnapshotStatus(snapshotID int64) (status string, unresponsive []int64, err error) {
	var list string
	err = s.db.QueryRow(
		`SELECT status, unresponsive_conn_ids FROM snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&status, &list)
	if err != nil {
		return "", nil, errors.Wrapf(err, "read snapshot %d", snapshotID)
	}
	if err := json.Unmarshal([]byte(list), &unresponsive); err != nil {
		return "", nil, errors.Wrapf(err, "decode unresponsive list for snapshot %d", snapshotID)
	}
	return status, unresponsive, nil
}
