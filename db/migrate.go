package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/peepviz/peep/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one pending schema step: the numeric version prefix of
// its filename, the filename itself, and the SQL to run.
type migration struct {
	version string
	name    string
	sql     string
}

// Migrate brings the snapshot schema up to date: it diffs the embedded
// migration files against the versions already recorded in
// schema_migrations and applies whatever is missing, each step in its
// own transaction. Safe to re-run; an up-to-date database is a no-op.
func Migrate(conn *sql.DB, log *zap.SugaredLogger) error {
	pending, err := pendingMigrations(conn)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if log != nil {
			log.Infow("applying migration", "migration", m.name)
		}
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	if log != nil {
		log.Debugw("schema up to date", "applied_now", len(pending))
	}
	return nil
}

// pendingMigrations returns the embedded migrations not yet recorded,
// sorted by version.
func pendingMigrations(conn *sql.DB) ([]migration, error) {
	applied, err := appliedVersions(conn)
	if err != nil {
		return nil, err
	}

	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "list embedded migrations")
	}

	var pending []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %q has no version prefix", name)
		}
		if applied[version] {
			continue
		}
		body, err := migrationFS.ReadFile(path.Join(migrationDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", name)
		}
		pending = append(pending, migration{version: version, name: name, sql: string(body)})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

// appliedVersions reads the set of recorded versions. On a fresh
// database schema_migrations does not exist yet; that reads as "nothing
// applied", and the bootstrap migration (version 000, which creates the
// table) sorts first among the pending set.
func appliedVersions(conn *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := conn.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return applied, nil
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan applied migration version")
		}
		applied[version] = true
	}
	return applied, errors.Wrap(rows.Err(), "read applied migrations")
}

// applyMigration runs one step and records its version, atomically.
func applyMigration(conn *sql.DB, m migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return errors.Wrapf(err, "apply %s", m.name)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.name)
}
