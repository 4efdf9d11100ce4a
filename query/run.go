package query

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/peepviz/peep/errors"
)

// Guard violations. Nothing in the snapshot store is mutated when
// any of these fire.
var (
	ErrNotReadOnly        = errors.New("query: statement is not a read")
	ErrMultipleStatements = errors.New("query: multiple statements")
	ErrSchemaAccess       = errors.New("query: schema catalog access denied")
	ErrEmptyStatement     = errors.New("query: empty statement")
)

// Limits caps a single query's cost. The context deadline derived from
// Timeout is the hard CPU bound — SQLite's interrupt fires when it
// expires.
type Limits struct {
	MaxRows  int
	MaxBytes int
	Timeout  time.Duration
}

// DefaultLimits is what the operator surface applies unless configured
// otherwise.
var DefaultLimits = Limits{
	MaxRows:  10000,
	MaxBytes: 4 << 20,
	Timeout:  5 * time.Second,
}

// Result is a generic row set. Truncated reports that a row or byte cap
// fired before the statement finished.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// RunPack executes a registered pack against one snapshot.
func RunPack(ctx context.Context, db *sql.DB, name string, snapshotID int64, limits Limits) (Result, error) {
	pack, err := Lookup(name)
	if err != nil {
		return Result{}, err
	}
	return execute(ctx, db, pack.SQL, snapshotID, limits)
}

// RunReadOnly executes raw operator SQL against one snapshot, enforcing
// the guard contract: single statement, reads only, no schema
// catalog, row and byte caps, hard timeout. The snapshot id is bound as
// ?1. The guard does not check that the statement filters on ?1: a
// statement that names another snapshot_id literally reads that
// snapshot's rows.
func RunReadOnly(ctx context.Context, db *sql.DB, sqlText string, snapshotID int64, limits Limits) (Result, error) {
	if err := CheckReadOnly(sqlText); err != nil {
		return Result{}, err
	}
	return execute(ctx, db, sqlText, snapshotID, limits)
}

// CheckReadOnly vets one raw SQL string against the guard rules without
// executing it.
func CheckReadOnly(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if trimmed == "" {
		return ErrEmptyStatement
	}
	if strings.Contains(trimmed, ";") {
		return ErrMultipleStatements
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return errors.Wrapf(ErrNotReadOnly, "statement must start with SELECT or WITH")
	}
	// WITH ... INSERT/UPDATE/DELETE is still a write, so keyword presence
	// is checked everywhere, not just at the statement head. Strict on
	// purpose: a SELECT that merely mentions 'delete' in a literal is
	// rejected too, and the operator rephrases.
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "REPLACE", "ATTACH", "DETACH", "VACUUM", "PRAGMA"} {
		if containsWord(upper, kw) {
			return errors.Wrapf(ErrNotReadOnly, "statement contains %s", kw)
		}
	}
	lower := strings.ToLower(trimmed)
	for _, catalog := range []string{"sqlite_master", "sqlite_schema", "sqlite_temp_master"} {
		if strings.Contains(lower, catalog) {
			return errors.Wrapf(ErrSchemaAccess, "statement references %s", catalog)
		}
	}
	return nil
}

// containsWord reports whether s contains w bounded by non-identifier
// characters, so a column named "created" doesn't trip the CREATE check.
func containsWord(s, w string) bool {
	for idx := 0; ; {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isIdentChar(s[i-1])
		afterIdx := i + len(w)
		after := afterIdx >= len(s) || !isIdentChar(s[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(w)
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func execute(ctx context.Context, db *sql.DB, sqlText string, snapshotID int64, limits Limits) (Result, error) {
	if limits.MaxRows <= 0 {
		limits.MaxRows = DefaultLimits.MaxRows
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, sqlText, snapshotID)
	if err != nil {
		return Result{}, errors.Wrap(err, "query: execute")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, errors.Wrap(err, "query: read columns")
	}

	result := Result{Columns: cols}
	bytes := 0
	for rows.Next() {
		if len(result.Rows) >= limits.MaxRows || bytes >= limits.MaxBytes {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, errors.Wrap(err, "query: scan row")
		}
		for i, v := range values {
			// database/sql hands TEXT columns back as []byte; rendering
			// them as strings keeps the result JSON-friendly.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
				bytes += len(b)
			} else {
				bytes += 8
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return result, errors.Wrap(err, "query: iterate rows")
	}
	return result, nil
}
