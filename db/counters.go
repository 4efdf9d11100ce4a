package db

import (
	"database/sql"

	"github.com/peepviz/peep/errors"
)

// NextCounter atomically increments and returns the named persistent
// counter (conn_id, cut_id, or snapshot_id). Backed by a single-row
// UPDATE so concurrent callers serialize through SQLite's writer lock
// rather than racing in memory — the server process may restart and the
// counter must never repeat a value it already handed out.
func NextCounter(conn *sql.DB, name string) (int64, error) {
	tx, err := conn.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin counter tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE counters SET value = value + 1 WHERE name = ?", name); err != nil {
		return 0, errors.Wrapf(err, "increment counter %s", name)
	}

	var value int64
	if err := tx.QueryRow("SELECT value FROM counters WHERE name = ?", name).Scan(&value); err != nil {
		return 0, errors.Wrapf(err, "read counter %s", name)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit counter tx")
	}

	return value, nil
}
