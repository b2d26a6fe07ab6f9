// Package dbcheck runs structural health checks and light repairs against a
// bundle's SQLite database file.
//
// Every function opens its own short-lived handle: the UI layer may hold a
// concurrent handle to the same file, so nothing here keeps connections
// around, and the DSN carries a bounded busy timeout instead of blocking
// indefinitely on a lock.
package dbcheck

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/laguz/internal/apperr"
)

// BusyTimeoutMillis bounds how long a statement waits on a locked database.
const BusyTimeoutMillis = 2000

// Violation is one row of PRAGMA foreign_key_check output: a row in Table
// whose foreign key FKID references a missing row in Parent.
type Violation struct {
	Table  string
	RowID  int64
	Parent string
	FKID   int64
}

func (v Violation) String() string {
	return fmt.Sprintf("%s rowid=%d -> %s (fk %d)", v.Table, v.RowID, v.Parent, v.FKID)
}

// knownFKColumns are the referencing columns NullDanglingForeignKeys may
// rewrite. Export-time remediation is limited to this list; it is never a
// blanket rewrite of whatever foreign_key_check reports.
var knownFKColumns = []struct {
	table  string
	column string
	parent string
}{
	{"visits", "patient_id", "patients"},
	{"vitals", "visit_id", "visits"},
	{"documents", "visit_id", "visits"},
}

func open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d", dbPath, BusyTimeoutMillis))
	if err != nil {
		return nil, fmt.Errorf("dbcheck: open %s: %w", dbPath, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbcheck: ping %s: %w", dbPath, err)
	}
	return conn, nil
}

// CheckIntegrity runs PRAGMA integrity_check and succeeds only when the
// result is exactly one row containing "ok". Zero rows or extra rows are
// treated as corruption too, so an unexpectedly empty result cannot pass.
func CheckIntegrity(dbPath string) error {
	conn, err := open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.Query("PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("%w: integrity_check on %s: %v", apperr.ErrDatabaseCorrupt, dbPath, err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return fmt.Errorf("%w: scan integrity_check result: %v", apperr.ErrDatabaseCorrupt, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: integrity_check on %s: %v", apperr.ErrDatabaseCorrupt, dbPath, err)
	}
	if len(results) != 1 || results[0] != "ok" {
		return fmt.Errorf("%w: integrity_check on %s returned %q", apperr.ErrDatabaseCorrupt, dbPath, results)
	}
	return nil
}

// CheckForeignKeys runs PRAGMA foreign_key_check and returns every reported
// violation. An empty slice means the database is referentially consistent.
func CheckForeignKeys(dbPath string) ([]Violation, error) {
	conn, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query("PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("dbcheck: foreign_key_check on %s: %w", dbPath, err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var rowid sql.NullInt64
		if err := rows.Scan(&v.Table, &rowid, &v.Parent, &v.FKID); err != nil {
			return nil, fmt.Errorf("dbcheck: scan foreign_key_check row: %w", err)
		}
		v.RowID = rowid.Int64
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dbcheck: foreign_key_check on %s: %w", dbPath, err)
	}
	return out, nil
}

// Checkpoint flushes the write-ahead log into the main database file so a
// copy of just that file is self-contained.
func Checkpoint(dbPath string) error {
	conn, err := open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	// wal_checkpoint returns a result row, so Query rather than Exec.
	rows, err := conn.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("dbcheck: wal_checkpoint on %s: %w", dbPath, err)
	}
	return rows.Close()
}

// Repair performs a checkpoint-and-compact pass. Best-effort and idempotent:
// callers must re-run CheckIntegrity afterward rather than assume success.
func Repair(dbPath string) error {
	if err := Checkpoint(dbPath); err != nil {
		return err
	}
	conn, err := open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("dbcheck: vacuum %s: %w", dbPath, err)
	}
	return nil
}

// NullDanglingForeignKeys sets orphaned foreign-key columns to NULL for the
// known referencing tables so a subsequent CheckForeignKeys passes.
//
// Export-time remediation only: must never run against a database still in
// active use by the UI. Tables absent from the schema are skipped.
func NullDanglingForeignKeys(dbPath string) error {
	conn, err := open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, fk := range knownFKColumns {
		exists, err := tableExists(conn, fk.table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		stmt := fmt.Sprintf(
			"UPDATE %s SET %s = NULL WHERE %s IS NOT NULL AND %s NOT IN (SELECT id FROM %s)",
			fk.table, fk.column, fk.column, fk.column, fk.parent)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("dbcheck: null dangling %s.%s: %w", fk.table, fk.column, err)
		}
	}
	return nil
}

func tableExists(conn *sql.DB, name string) (bool, error) {
	var n string
	err := conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dbcheck: lookup table %s: %w", name, err)
	}
	return true, nil
}
