package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/archive"
	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/dbcheck"
	"github.com/starford/laguz/internal/state"
	"github.com/starford/laguz/internal/testutil"
)

// noopEncryptor matches the unconfigured deployment.
type noopEncryptor struct{}

func (noopEncryptor) EncryptDatabase(string) error { return nil }

// renameEncryptor fakes encryption by moving the database under the
// encrypted name, good enough to assert pipeline ordering.
type renameEncryptor struct{}

func (renameEncryptor) EncryptDatabase(dir string) error {
	return os.Rename(filepath.Join(dir, DBFileName), filepath.Join(dir, EncDBFileName))
}

type failingEncryptor struct{}

func (failingEncryptor) EncryptDatabase(string) error {
	return apperr.ErrEncryptionFailed
}

// installActive places a valid bundle directory as the active bundle for its
// alias and returns the store and slug.
func installActive(t *testing.T, alias string, docs map[string]string) (*Store, string) {
	t.Helper()
	store := tempStore(t)
	root := testutil.BundleDir(t, alias, docs)
	slug := alias
	require.NoError(t, CopyDir(root, store.ActivePath(slug)))
	return store, slug
}

func TestExportProducesVerifiableArchive(t *testing.T) {
	store, slug := installActive(t, "Foo", map[string]string{"scan.pdf": "pdf bytes"})
	exp := NewExporter(store, noopEncryptor{}, testLogger())

	archivePath, warnings, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.FileExists(t, archivePath)
	assertNoScratch(t, store)

	// Unpack and check the manifest against the shipped database.
	out := t.TempDir()
	require.NoError(t, archive.Unpack(archivePath, out))
	m := testutil.ReadManifest(t, out)
	assert.Equal(t, 2, m.SchemaVersion)
	assert.Equal(t, "Foo", m.PatientAlias)
	assert.False(t, m.Encrypted)
	assert.True(t, m.IncludesDocs)
	require.Len(t, m.DocsManifest, 1)
	assert.Equal(t, "docs/scan.pdf", m.DocsManifest[0].Path)

	digest, err := checksum.File(filepath.Join(out, DBFileName))
	require.NoError(t, err)
	assert.Equal(t, digest, m.DBSHA256)
}

func TestExportManifestDescribesArchivedDocs(t *testing.T) {
	store, slug := installActive(t, "Foo", map[string]string{"report.txt": "original"})
	exp := NewExporter(store, noopEncryptor{}, testLogger())

	archivePath, warnings, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Rewriting the live document after the fact must not matter: the
	// manifest digests describe the archived bytes, not the active tree.
	livePath := filepath.Join(store.ActivePath(slug), DocsDirName, "report.txt")
	require.NoError(t, os.WriteFile(livePath, []byte("rewritten"), 0o644))

	out := t.TempDir()
	require.NoError(t, archive.Unpack(archivePath, out))
	m := testutil.ReadManifest(t, out)
	require.Len(t, m.DocsManifest, 1)

	digest, err := checksum.File(filepath.Join(out, filepath.FromSlash(m.DocsManifest[0].Path)))
	require.NoError(t, err)
	assert.Equal(t, digest, m.DocsManifest[0].SHA256)

	// The archive must verify cleanly on its own.
	_, verifyWarnings, err := Verify(out)
	require.NoError(t, err)
	assert.Empty(t, verifyWarnings)
}

func TestExportImportRoundTrip(t *testing.T) {
	store, slug := installActive(t, "Foo", map[string]string{"scan.pdf": "pdf"})
	exp := NewExporter(store, noopEncryptor{}, testLogger())

	archivePath, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)

	sessions, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	destStore := tempStore(t)
	imp := NewImporter(destStore, sessions, testLogger())

	act, _, err := imp.Import(context.Background(), archivePath, ImportOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "Foo", act.Slug)

	importedDB := filepath.Join(destStore.ActivePath("Foo"), DBFileName)
	require.NoError(t, dbcheck.CheckIntegrity(importedDB))
	violations, err := dbcheck.CheckForeignKeys(importedDB)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestExportRemediatesKnownDanglingFKs(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	liveDB := filepath.Join(store.ActivePath(slug), DBFileName)
	testutil.Exec(t, liveDB, "INSERT INTO visits (id, patient_id) VALUES ('v1', 'p-missing')")

	exp := NewExporter(store, noopEncryptor{}, testLogger())
	archivePath, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, archive.Unpack(archivePath, out))
	violations, err := dbcheck.CheckForeignKeys(filepath.Join(out, DBFileName))
	require.NoError(t, err)
	assert.Empty(t, violations, "exported database must be referentially consistent")

	// The live database is left alone; remediation ran on the copy.
	live, err := dbcheck.CheckForeignKeys(liveDB)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestExportUnknownFKViolationAborts(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	liveDB := filepath.Join(store.ActivePath(slug), DBFileName)
	// A referencing table outside the known remediation list.
	testutil.Exec(t, liveDB, "CREATE TABLE allergies (id INTEGER PRIMARY KEY, patient_id TEXT REFERENCES patients(id))")
	testutil.Exec(t, liveDB, "INSERT INTO allergies (patient_id) VALUES ('p-missing')")

	exp := NewExporter(store, noopEncryptor{}, testLogger())
	_, _, err := exp.Export(context.Background(), slug)
	assert.ErrorIs(t, err, apperr.ErrForeignKeyViolation)
	assertNoScratch(t, store)

	entries, readErr := os.ReadDir(store.ExportsDir())
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no partial archive may be produced")
}

func TestExportEncryptedBundle(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	exp := NewExporter(store, renameEncryptor{}, testLogger())

	archivePath, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, archive.Unpack(archivePath, out))
	m := testutil.ReadManifest(t, out)
	assert.True(t, m.Encrypted)

	// Hash covers the encrypted artifact, the plaintext is gone.
	_, statErr := os.Stat(filepath.Join(out, DBFileName))
	assert.True(t, os.IsNotExist(statErr))
	digest, err := checksum.File(filepath.Join(out, EncDBFileName))
	require.NoError(t, err)
	assert.Equal(t, digest, m.DBSHA256)
}

func TestExportEncryptionFailureAborts(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	exp := NewExporter(store, failingEncryptor{}, testLogger())

	_, _, err := exp.Export(context.Background(), slug)
	assert.ErrorIs(t, err, apperr.ErrEncryptionFailed)
	assertNoScratch(t, store)

	entries, readErr := os.ReadDir(store.ExportsDir())
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestExportCorruptDatabaseAborts(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	liveDB := filepath.Join(store.ActivePath(slug), DBFileName)
	for i := 0; i < 200; i++ {
		testutil.Exec(t, liveDB, "INSERT INTO visits (id, patient_id) VALUES (?, 'p-0001')", i)
	}
	testutil.Corrupt(t, liveDB)

	exp := NewExporter(store, noopEncryptor{}, testLogger())
	_, _, err := exp.Export(context.Background(), slug)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDatabaseCorrupt), "err = %v", err)
	assertNoScratch(t, store)
}

func TestExportNoActiveBundle(t *testing.T) {
	store := tempStore(t)
	exp := NewExporter(store, noopEncryptor{}, testLogger())
	_, _, err := exp.Export(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExportWithoutDocsOmitsManifestEntries(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	exp := NewExporter(store, noopEncryptor{}, testLogger())

	archivePath, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, archive.Unpack(archivePath, out))
	m := testutil.ReadManifest(t, out)
	assert.False(t, m.IncludesDocs)
	assert.Empty(t, m.DocsManifest)
}

func TestExportArchiveNamesDoNotCollide(t *testing.T) {
	store, slug := installActive(t, "Foo", nil)
	exp := NewExporter(store, noopEncryptor{}, testLogger())

	first, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)
	second, _, err := exp.Export(context.Background(), slug)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.FileExists(t, first)
	assert.FileExists(t, second)
}
