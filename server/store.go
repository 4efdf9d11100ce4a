package server

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/peepviz/peep/errors"
	"github.com/peepviz/peep/registry"
	"github.com/peepviz/peep/wire"
)

// insertConnection records a freshly handshaken connection.
func insertConnection(db *sql.DB, connID int64, hs wire.Handshake) error {
	_, err := db.Exec(
		`INSERT INTO connections (conn_id, process, pid, proc_key, stream_id, connected_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connID, hs.Process, hs.PID, hs.ProcKey, hs.StreamID, time.Now().UnixNano(),
	)
	return errors.Wrapf(err, "insert connection %d", connID)
}

// markDisconnected stamps disconnected_at_ns, preserving every other row
// so historical snapshots remain queryable.
func markDisconnected(db *sql.DB, connID int64) error {
	_, err := db.Exec(
		`UPDATE connections SET disconnected_at_ns = ? WHERE conn_id = ?`,
		time.Now().UnixNano(), connID,
	)
	return errors.Wrapf(err, "mark connection %d disconnected", connID)
}

// insertSnapshotRow creates the snapshots row at cut-request time; the
// status and completion stamp land in finishSnapshot.
func insertSnapshotRow(db *sql.DB, snapshotID, cutID int64, requestedAtNS int64) error {
	_, err := db.Exec(
		`INSERT INTO snapshots (snapshot_id, cut_id, requested_at_ns) VALUES (?, ?, ?)`,
		snapshotID, cutID, requestedAtNS,
	)
	return errors.Wrapf(err, "insert snapshot %d", snapshotID)
}

func finishSnapshot(db *sql.DB, snapshotID int64, status string, unresponsive []int64) error {
	list, err := json.Marshal(unresponsive)
	if err != nil {
		return errors.Wrap(err, "marshal unresponsive conn ids")
	}
	_, err = db.Exec(
		`UPDATE snapshots SET completed_at_ns = ?, status = ?, unresponsive_conn_ids = ? WHERE snapshot_id = ?`,
		time.Now().UnixNano(), status, string(list), snapshotID,
	)
	return errors.Wrapf(err, "finish snapshot %d", snapshotID)
}

// persistReply writes one connection's cut reply under snapshotID,
// annotated with the originating conn_id. All rows of
// one reply share a transaction so a storage failure leaves no torn
// half-connection in the snapshot.
func persistReply(db *sql.DB, snapshotID, connID int64, reply wire.CutReply) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin snapshot tx")
	}
	defer tx.Rollback()

	for _, e := range reply.Entities {
		body, err := json.Marshal(e.Body)
		if err != nil {
			return errors.Wrapf(err, "marshal entity %d body", e.ID.Uint64())
		}
		var meta any
		if len(e.Meta) > 0 {
			m, err := json.Marshal(e.Meta)
			if err != nil {
				return errors.Wrapf(err, "marshal entity %d meta", e.ID.Uint64())
			}
			meta = string(m)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO entities (snapshot_id, id, conn_id, kind, birth_ms, source, name, scope_id, body_json, meta_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, e.ID.Uint64(), connID, string(e.Kind), e.BirthMS, string(e.Source), e.Name, e.ScopeID.Uint64(), string(body), meta,
		); err != nil {
			return errors.Wrapf(err, "insert entity %d", e.ID.Uint64())
		}
	}

	for _, s := range reply.Scopes {
		body, err := json.Marshal(map[string]string{"kind": string(s.Kind)})
		if err != nil {
			return errors.Wrapf(err, "marshal scope %d body", s.ID.Uint64())
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO scopes (snapshot_id, id, conn_id, birth_ms, source, name, body_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, s.ID.Uint64(), connID, s.BirthMS, string(s.Source), s.Name, string(body),
		); err != nil {
			return errors.Wrapf(err, "insert scope %d", s.ID.Uint64())
		}
	}

	for _, e := range reply.Edges {
		if err := insertEdgeTx(tx, snapshotID, e.Src.Uint64(), e.Dst.Uint64(), string(e.Kind), string(e.Source)); err != nil {
			return err
		}
	}

	for _, ev := range reply.Events {
		kind, err := json.Marshal(struct {
			Kind    registry.EventKind         `json:"kind"`
			WaitNS  int64                      `json:"wait_ns,omitempty"`
			Outcome registry.Outcome           `json:"outcome,omitempty"`
			Cause   registry.ChannelCloseCause `json:"cause,omitempty"`
		}{ev.Kind, ev.WaitNS, ev.Outcome, ev.Cause})
		if err != nil {
			return errors.Wrapf(err, "marshal event %d kind", ev.ID.Uint64())
		}
		target, err := json.Marshal(ev.Target.Uint64())
		if err != nil {
			return errors.Wrapf(err, "marshal event %d target", ev.ID.Uint64())
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO events (snapshot_id, id, conn_id, at_ms, source, target_json, kind_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, ev.ID.Uint64(), connID, ev.AtMS, string(ev.Source), string(target), string(kind),
		); err != nil {
			return errors.Wrapf(err, "insert event %d", ev.ID.Uint64())
		}
	}

	return errors.Wrap(tx.Commit(), "commit snapshot tx")
}

func insertEdgeTx(tx *sql.Tx, snapshotID int64, src, dst uint64, kind, source string) error {
	kindJSON, err := json.Marshal(kind)
	if err != nil {
		return errors.Wrap(err, "marshal edge kind")
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO edges (snapshot_id, src_id, dst_id, kind_json, source)
		 VALUES (?, ?, ?, ?, ?)`,
		snapshotID, src, dst, string(kindJSON), source,
	); err != nil {
		return errors.Wrapf(err, "insert edge %d->%d", src, dst)
	}
	return nil
}

// insertStitchedEdge records a merge-time RpcLink edge;
// these edges exist only in the snapshot, never in any one process's
// live graph.
func insertStitchedEdge(db *sql.DB, snapshotID int64, src, dst uint64) error {
	kindJSON, err := json.Marshal(string(registry.EdgeRPCLink))
	if err != nil {
		return errors.Wrap(err, "marshal rpc_link kind")
	}
	_, err = db.Exec(
		`INSERT OR REPLACE INTO edges (snapshot_id, src_id, dst_id, kind_json, source)
		 VALUES (?, ?, ?, ?, '')`,
		snapshotID, src, dst, string(kindJSON),
	)
	return errors.Wrapf(err, "insert stitched edge %d->%d", src, dst)
}
