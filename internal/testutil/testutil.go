// Package testutil provides shared test helpers for building throwaway
// patient databases and bundle directories.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/manifest"
)

// patientSchema is a minimal slice of the clinical schema: enough tables for
// the health checker, self-healer and FK remediation to have real targets.
const patientSchema = `
CREATE TABLE patients (
	id    TEXT PRIMARY KEY,
	alias TEXT NOT NULL DEFAULT '',
	dob   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE visits (
	id         TEXT PRIMARY KEY,
	patient_id TEXT REFERENCES patients(id),
	seen_at    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE vitals (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	visit_id  TEXT REFERENCES visits(id),
	weight_kg REAL,
	height_cm REAL
);

CREATE TABLE documents (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	visit_id TEXT REFERENCES visits(id),
	path     TEXT NOT NULL DEFAULT ''
);
`

// PatientDB creates a patient database at dir/name with one subject row and
// returns its path.
func PatientDB(t *testing.T, dir, name, alias, dob string) string {
	t.Helper()
	path := filepath.Join(dir, name)

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(patientSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := conn.Exec(
		"INSERT INTO patients (id, alias, dob) VALUES (?, ?, ?)",
		"p-0001", alias, dob); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	return path
}

// Exec runs a statement against the database at path, failing the test on
// error.
func Exec(t *testing.T, path, stmt string, args ...any) {
	t.Helper()
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(stmt, args...); err != nil {
		t.Fatalf("exec %q: %v", stmt, err)
	}
}

// Corrupt flips a byte in the middle of the file at path, past the header
// so the SQLite magic stays intact.
func Corrupt(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < 200 {
		t.Fatalf("file too small to corrupt: %d bytes", len(data))
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// BundleDir assembles an unpacked bundle: a patient database, a manifest
// with a correct db_sha256, and optional document files (name -> content).
// Returns the bundle root.
func BundleDir(t *testing.T, alias string, docs map[string]string) string {
	t.Helper()
	root := t.TempDir()
	dbPath := PatientDB(t, root, "db.sqlite", alias, "2019-03-07")

	m := manifest.New()
	m.PatientID = "p-0001"
	m.PatientAlias = alias
	m.DOB = "2019-03-07"

	for name, content := range docs {
		rel := filepath.Join("docs", name)
		abs := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir docs: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatalf("write doc: %v", err)
		}
		m.DocsManifest = append(m.DocsManifest, manifest.DocEntry{
			Path:   filepath.ToSlash(rel),
			SHA256: checksum.Sum([]byte(content)),
		})
	}
	m.IncludesDocs = len(docs) > 0

	digest, err := checksum.File(dbPath)
	if err != nil {
		t.Fatalf("hash db: %v", err)
	}
	m.DBSHA256 = digest

	WriteManifest(t, root, m)
	return root
}

// WriteManifest encodes m into root/manifest.json.
func WriteManifest(t *testing.T, root string, m *manifest.Manifest) {
	t.Helper()
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// ReadManifest decodes root/manifest.json.
func ReadManifest(t *testing.T, root string) *manifest.Manifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return m
}
