package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepviz/peep/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "snapshots.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func insertEntity(t *testing.T, conn *sql.DB, snapID, id int64, kind, name string, scopeID int64, body string) {
	t.Helper()
	_, err := conn.Exec(
		`INSERT INTO entities (snapshot_id, id, conn_id, kind, birth_ms, source, name, scope_id, body_json)
		 VALUES (?, ?, 1, ?, 0, '', ?, ?, ?)`,
		snapID, id, kind, name, scopeID, body,
	)
	require.NoError(t, err)
}

func insertEdge(t *testing.T, conn *sql.DB, snapID, src, dst int64, kind string) {
	t.Helper()
	kindJSON, _ := json.Marshal(kind)
	_, err := conn.Exec(
		`INSERT INTO edges (snapshot_id, src_id, dst_id, kind_json, source) VALUES (?, ?, ?, ?, '')`,
		snapID, src, dst, string(kindJSON),
	)
	require.NoError(t, err)
}

// seedLockInversion builds a two-task lock-order inversion: alpha holds
// L1 and needs L2, beta holds L2 and needs L1.
func seedLockInversion(t *testing.T, conn *sql.DB, snapID int64) {
	t.Helper()
	const (
		l1, l2         = 10, 11
		alphaScope     = 20
		betaScope      = 21
		fAlphaL2       = 30 // alpha's waiter future, lives in alpha's scope
		fBetaL1        = 31
	)
	lockBody := `{"lock":{"kind":"mutex"}}`
	insertEntity(t, conn, snapID, l1, "lock", "L1", 0, lockBody)
	insertEntity(t, conn, snapID, l2, "lock", "L2", 0, lockBody)
	insertEntity(t, conn, snapID, fAlphaL2, "future", "alpha-lock-l2", alphaScope, `{}`)
	insertEntity(t, conn, snapID, fBetaL1, "future", "beta-lock-l1", betaScope, `{}`)

	insertEdge(t, conn, snapID, fAlphaL2, l2, "needs")
	insertEdge(t, conn, snapID, l2, betaScope, "holds")
	insertEdge(t, conn, snapID, fBetaL1, l1, "needs")
	insertEdge(t, conn, snapID, l1, alphaScope, "holds")
}

func TestNeedsHoldsCyclePack(t *testing.T) {
	conn := openTestDB(t)
	seedLockInversion(t, conn, 1)

	result, err := RunPack(context.Background(), conn, "needs-holds-cycles", 1, Limits{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1, "the inversion pair is found exactly once")

	row := result.Rows[0]
	assert.Equal(t, int64(30), row[0]) // waiter_a
	assert.Equal(t, int64(31), row[3]) // waiter_b

	// A different snapshot sees nothing.
	result, err = RunPack(context.Background(), conn, "needs-holds-cycles", 2, Limits{})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestBlockersPack(t *testing.T) {
	conn := openTestDB(t)
	seedLockInversion(t, conn, 1)

	result, err := RunPack(context.Background(), conn, "blockers", 1, Limits{})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestChannelPressurePack(t *testing.T) {
	conn := openTestDB(t)
	insertEntity(t, conn, 1, 40, "channel_tx", "jobs", 0,
		`{"channel_lifecycle":{"open":true},"channel_details":{"flavor":"mpsc_bounded","buffer":16,"occupancy":16}}`)
	insertEntity(t, conn, 1, 41, "channel_tx", "idle", 0,
		`{"channel_lifecycle":{"open":true},"channel_details":{"flavor":"mpsc_bounded","buffer":16,"occupancy":1}}`)

	result, err := RunPack(context.Background(), conn, "channel-pressure", 1, Limits{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	// Fullest first.
	assert.Equal(t, "jobs", result.Rows[0][1])
	assert.Equal(t, int64(16), result.Rows[0][3])
}

func TestStalledRPCsPack(t *testing.T) {
	conn := openTestDB(t)
	insertEntity(t, conn, 1, 50, "request", "service.m", 0,
		`{"request":{"service":"service","method":"m"}}`)
	insertEntity(t, conn, 1, 51, "response", "service.m", 0,
		`{"response":{"service":"service","method":"m","status":"pending"}}`)
	insertEdge(t, conn, 1, 50, 51, "rpc_link")

	result, err := RunPack(context.Background(), conn, "stalled-rpcs", 1, Limits{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "service", result.Rows[0][4])
	assert.Equal(t, "m", result.Rows[0][5])
}

func TestRunPackUnknownName(t *testing.T) {
	conn := openTestDB(t)
	_, err := RunPack(context.Background(), conn, "no-such-pack", 1, Limits{})
	require.ErrorIs(t, err, ErrUnknownPack)
}

func TestPackNamesSorted(t *testing.T) {
	names := PackNames()
	assert.Contains(t, names, "blockers")
	assert.Contains(t, names, "needs-holds-cycles")
	assert.IsNonDecreasing(t, names)
}

func TestReadOnlyGuard(t *testing.T) {
	cases := []struct {
		sql  string
		want error
	}{
		{"SELECT * FROM entities WHERE snapshot_id = ?1", nil},
		{"  with x as (select 1) select * from x", nil},
		{"", ErrEmptyStatement},
		{"SELECT 1; SELECT 2", ErrMultipleStatements},
		{"DELETE FROM entities", ErrNotReadOnly},
		{"WITH x AS (SELECT 1) INSERT INTO entities VALUES (1)", ErrNotReadOnly},
		{"PRAGMA journal_mode", ErrNotReadOnly},
		{"SELECT * FROM sqlite_master", ErrSchemaAccess},
		{"SELECT * FROM sqlite_schema", ErrSchemaAccess},
	}
	for _, tc := range cases {
		err := CheckReadOnly(tc.sql)
		if tc.want == nil {
			assert.NoError(t, err, tc.sql)
		} else {
			assert.ErrorIs(t, err, tc.want, tc.sql)
		}
	}
}

func TestReadOnlyRowCap(t *testing.T) {
	conn := openTestDB(t)
	for i := int64(0); i < 20; i++ {
		insertEntity(t, conn, 1, 100+i, "future", "f", 0, `{}`)
	}

	result, err := RunReadOnly(context.Background(),
		conn, "SELECT id FROM entities WHERE snapshot_id = ?1", 1,
		Limits{MaxRows: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
	assert.True(t, result.Truncated)
}

func TestReadOnlyScopedToSnapshot(t *testing.T) {
	conn := openTestDB(t)
	insertEntity(t, conn, 1, 60, "future", "one", 0, `{}`)
	insertEntity(t, conn, 2, 61, "future", "two", 0, `{}`)

	result, err := RunReadOnly(context.Background(),
		conn, "SELECT name FROM entities WHERE snapshot_id = ?1", 2, Limits{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "two", result.Rows[0][0])
}
