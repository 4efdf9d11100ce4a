package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates schema on a fresh database", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "snapshot.db")

		conn, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, conn)
		defer conn.Close()

		for _, table := range []string{"connections", "snapshots", "entities", "scopes", "edges", "events", "counters"} {
			var count int
			err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equalf(t, 1, count, "table %s should exist after migrations", table)
		}
	})

	t.Run("re-running migrations on an up to date database is a no-op", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "snapshot.db")

		conn, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn, nil))
	})
}

func TestNextCounter(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snapshot.db")
	conn, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	first, err := NextCounter(conn, "conn_id")
	require.NoError(t, err)
	second, err := NextCounter(conn, "conn_id")
	require.NoError(t, err)

	assert.Equal(t, first+1, second)
	assert.Equal(t, int64(1), first, "counters start at 1, not 0")

	// Counters are independent by name.
	cutID, err := NextCounter(conn, "cut_id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cutID)
}
