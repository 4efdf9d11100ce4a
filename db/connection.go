// Package db provides SQLite connection and migration utilities for the
// snapshot server. It persists connections, snapshots, and the
// per-snapshot entity/scope/edge/event rows of the diagnostics fabric's
// data model.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/peepviz/peep/errors"
)

const (
	// JournalMode enables WAL so snapshot reads never block ingest writes.
	JournalMode = "WAL"
	// BusyTimeoutMS bounds how long a writer waits for a lock before
	// returning SQLITE_BUSY.
	BusyTimeoutMS = 5000
)

// Open opens (creating if necessary) a SQLite database at path with the
// pragmas the server relies on. A nil logger disables logging.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log.Debugw("opening snapshot database", "path", path)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", path)
	}

	// The ingest server writes from one goroutine per connection and
	// operator SQL queries read alongside; the pool is capped at one
	// connection, so reads and writes alike queue on it instead of
	// producing SQLITE_BUSY storms under WAL.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode = " + JournalMode); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "enable %s journal mode", JournalMode)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if log != nil {
		log.Infow("snapshot database opened", "path", path, "wal_mode", true)
	}

	return conn, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn, log); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "run migrations for %s", path)
	}
	return conn, nil
}
