// Package patient reads the primary subject row out of a bundle database
// and derives the file-system-safe alias slug that keys active bundle and
// backup copy locations.
package patient

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/laguz/internal/dbcheck"
)

// FallbackAlias is used when the subject row is empty or missing.
const FallbackAlias = "patient"

// Subject is the primary patient row of a bundle database.
type Subject struct {
	ID    string
	Alias string
	DOB   string
	Sex   string
}

// ReadSubject returns the first row of the patients table. A database with
// no subject row yields a zero Subject and no error; the caller falls back
// to the placeholder alias.
func ReadSubject(dbPath string) (Subject, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d", dbPath, dbcheck.BusyTimeoutMillis))
	if err != nil {
		return Subject{}, fmt.Errorf("patient: open %s: %w", dbPath, err)
	}
	defer conn.Close()

	var s Subject
	var sex sql.NullString
	err = conn.QueryRow(
		"SELECT id, alias, dob, COALESCE(sex, '') FROM patients ORDER BY rowid LIMIT 1").
		Scan(&s.ID, &s.Alias, &s.DOB, &sex)
	if err == sql.ErrNoRows {
		return Subject{}, nil
	}
	if err != nil {
		// Older bundles may predate the sex column even after self-heal
		// was skipped; retry without it.
		err = conn.QueryRow(
			"SELECT id, alias, dob FROM patients ORDER BY rowid LIMIT 1").
			Scan(&s.ID, &s.Alias, &s.DOB)
		if err == sql.ErrNoRows {
			return Subject{}, nil
		}
		if err != nil {
			return Subject{}, fmt.Errorf("patient: read subject from %s: %w", dbPath, err)
		}
		return s, nil
	}
	s.Sex = sex.String
	return s, nil
}

// Slug maps an alias to a conservative file-system-safe name: runs of
// characters outside [A-Za-z0-9_-] are dropped. An alias that reduces to
// nothing becomes FallbackAlias.
func Slug(alias string) string {
	var b strings.Builder
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return FallbackAlias
	}
	return b.String()
}
