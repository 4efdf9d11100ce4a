// Package query is the snapshot query surface consumed by the
// out-of-scope HTTP/MCP layer: a registered bundle of canonical SQL
// statements ("query packs") plus a guarded raw read-only executor,
// both scoped to a single snapshot.
package query

import (
	"sort"

	"github.com/peepviz/peep/errors"
)

// ErrUnknownPack is returned for a pack name nothing registered.
var ErrUnknownPack = errors.New("query: unknown query pack")

// Pack is one canonical, named snapshot query. SQL uses ?1 for the
// snapshot id; every table reference is already snapshot-scoped.
type Pack struct {
	Name        string
	Description string
	SQL         string
}

// packs is the built-in bundle. Each statement binds the snapshot id as
// ?1 and nothing else, so the surface stays a pure (name, snapshot_id)
// lookup.
var packs = map[string]Pack{
	"blockers": {
		Name:        "blockers",
		Description: "every suspended waiter and the resource it needs",
		SQL: `
SELECT w.id AS waiter_id, w.name AS waiter_name, w.source AS waiter_source,
       b.id AS blocker_id, b.kind AS blocker_kind, b.name AS blocker_name,
       b.body_json AS blocker_body
FROM edges e
JOIN entities w ON w.snapshot_id = e.snapshot_id AND w.id = e.src_id
JOIN entities b ON b.snapshot_id = e.snapshot_id AND b.id = e.dst_id
WHERE e.snapshot_id = ?1 AND e.kind_json = '"needs"'
ORDER BY b.id, w.id`,
	},

	"blocked-senders": {
		Name:        "blocked-senders",
		Description: "waiters suspended on a channel send side",
		SQL: `
SELECT w.id AS waiter_id, w.name AS waiter_name,
       tx.id AS channel_id, tx.name AS channel_name,
       json_extract(tx.body_json, '$.channel_details.occupancy') AS occupancy,
       json_extract(tx.body_json, '$.channel_details.buffer') AS buffer
FROM edges e
JOIN entities w  ON w.snapshot_id = e.snapshot_id AND w.id = e.src_id
JOIN entities tx ON tx.snapshot_id = e.snapshot_id AND tx.id = e.dst_id
WHERE e.snapshot_id = ?1 AND e.kind_json = '"needs"' AND tx.kind = 'channel_tx'
ORDER BY tx.id`,
	},

	"channel-pressure": {
		Name:        "channel-pressure",
		Description: "channel occupancy vs capacity, fullest first",
		SQL: `
SELECT id, name,
       json_extract(body_json, '$.channel_details.flavor') AS flavor,
       json_extract(body_json, '$.channel_details.occupancy') AS occupancy,
       json_extract(body_json, '$.channel_details.buffer') AS buffer,
       json_extract(body_json, '$.channel_lifecycle.open') AS open
FROM entities
WHERE snapshot_id = ?1 AND kind = 'channel_tx'
ORDER BY COALESCE(json_extract(body_json, '$.channel_details.occupancy'), 0) DESC`,
	},

	"stalled-rpcs": {
		Name:        "stalled-rpcs",
		Description: "stitched request/response pairs whose response is still pending",
		SQL: `
SELECT req.id AS request_id, req.conn_id AS client_conn,
       resp.id AS response_id, resp.conn_id AS server_conn,
       json_extract(req.body_json, '$.request.service') AS service,
       json_extract(req.body_json, '$.request.method') AS method,
       req.birth_ms AS requested_at_ms
FROM edges l
JOIN entities req  ON req.snapshot_id = l.snapshot_id AND req.id = l.src_id
JOIN entities resp ON resp.snapshot_id = l.snapshot_id AND resp.id = l.dst_id
WHERE l.snapshot_id = ?1 AND l.kind_json = '"rpc_link"'
  AND json_extract(resp.body_json, '$.response.status') = 'pending'
ORDER BY req.birth_ms`,
	},

	"needs-holds-cycles": {
		Name:        "needs-holds-cycles",
		Description: "two-party lock-order inversions: each side holds what the other needs",
		SQL: `
WITH needs AS (
  SELECT src_id, dst_id FROM edges WHERE snapshot_id = ?1 AND kind_json = '"needs"'
), holds AS (
  SELECT src_id AS resource, dst_id AS holder_scope
  FROM edges WHERE snapshot_id = ?1 AND kind_json = '"holds"'
)
SELECT wa.id   AS waiter_a, wa.name AS waiter_a_name,
       n1.dst_id AS resource_b,
       wb.id   AS waiter_b, wb.name AS waiter_b_name,
       n2.dst_id AS resource_a
FROM needs n1
JOIN entities wa ON wa.snapshot_id = ?1 AND wa.id = n1.src_id
JOIN holds h1 ON h1.resource = n1.dst_id
JOIN entities wb ON wb.snapshot_id = ?1 AND wb.scope_id = h1.holder_scope
JOIN needs n2 ON n2.src_id = wb.id
JOIN holds h2 ON h2.resource = n2.dst_id AND h2.holder_scope = wa.scope_id
WHERE wa.id < wb.id
ORDER BY wa.id`,
	},

	"snapshot-summary": {
		Name:        "snapshot-summary",
		Description: "entity counts per kind per connection",
		SQL: `
SELECT conn_id, kind, COUNT(*) AS n
FROM entities
WHERE snapshot_id = ?1
GROUP BY conn_id, kind
ORDER BY conn_id, kind`,
	},
}

// PackNames lists the registered packs, sorted.
func PackNames() []string {
	names := make([]string, 0, len(packs))
	for name := range packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a pack by name.
func Lookup(name string) (Pack, error) {
	p, ok := packs[name]
	if !ok {
		return Pack{}, errors.Wrapf(ErrUnknownPack, "%q", name)
	}
	return p, nil
}
