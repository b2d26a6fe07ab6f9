package dbcheck

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migrations are the column additions newer app versions expect. Older
// bundles may predate any of these, so Heal runs wherever a bundle
// database is opened, not only during import.
var migrations = []struct {
	table  string
	column string
	decl   string
}{
	{"patients", "sex", "TEXT NOT NULL DEFAULT ''"},
	{"vitals", "head_circumference_cm", "REAL"},
	{"documents", "mime_type", "TEXT NOT NULL DEFAULT ''"},
}

// Warning is a non-fatal finding from a best-effort step. Callers log and
// continue; it is deliberately not an error so it cannot be caught as one.
type Warning struct {
	Op     string
	Detail string
}

func (w Warning) String() string {
	return w.Op + ": " + w.Detail
}

// EnsureColumn adds column to table only if it is absent. Idempotent: a
// second call, or a concurrent caller racing the same migration, reports
// added=false rather than an error. The busy timeout on the connection
// absorbs transient lock contention from another open handle.
func EnsureColumn(dbPath, table, column, decl string) (bool, error) {
	conn, err := open(dbPath)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	has, err := columnExists(conn, table, column)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := conn.Exec(stmt); err != nil {
		// A concurrent caller may have won the race between the check and
		// the ALTER; that is success, not failure.
		if strings.Contains(err.Error(), "duplicate column name") {
			return false, nil
		}
		return false, fmt.Errorf("dbcheck: add column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// Heal applies every known column migration to the database at dbPath.
// Failures are swallowed into warnings: blocking a bundle over an optional
// column is worse than proceeding without it.
func Heal(dbPath string, logger *slog.Logger) []Warning {
	var warnings []Warning
	for _, m := range migrations {
		conn, err := open(dbPath)
		if err != nil {
			warnings = append(warnings, Warning{Op: "selfheal", Detail: err.Error()})
			break
		}
		exists, err := tableExists(conn, m.table)
		conn.Close()
		if err != nil {
			warnings = append(warnings, Warning{Op: "selfheal", Detail: err.Error()})
			continue
		}
		if !exists {
			continue
		}

		added, err := EnsureColumn(dbPath, m.table, m.column, m.decl)
		if err != nil {
			logger.Warn("selfheal: migration failed",
				slog.String("table", m.table),
				slog.String("column", m.column),
				slog.String("error", err.Error()))
			warnings = append(warnings, Warning{
				Op:     "selfheal",
				Detail: fmt.Sprintf("%s.%s: %v", m.table, m.column, err),
			})
			continue
		}
		if added {
			logger.Debug("selfheal: column added",
				slog.String("table", m.table),
				slog.String("column", m.column))
		}
	}
	return warnings
}

func columnExists(conn *sql.DB, table, column string) (bool, error) {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("dbcheck: table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("dbcheck: scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
