package bundle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/archive"
	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/dbcheck"
	"github.com/starford/laguz/internal/state"
	"github.com/starford/laguz/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testImporter(t *testing.T) (*Importer, *Store, *state.Store) {
	t.Helper()
	store := tempStore(t)
	sessions, err := state.Open(filepath.Join(store.Root(), "state.json"))
	require.NoError(t, err)
	return NewImporter(store, sessions, testLogger()), store, sessions
}

// bundleArchive packs a valid bundle for alias into a zip named name.
func bundleArchive(t *testing.T, alias, name string, docs map[string]string) string {
	t.Helper()
	root := testutil.BundleDir(t, alias, docs)
	zipPath := filepath.Join(t.TempDir(), name)
	require.NoError(t, archive.Pack(root, zipPath))
	return zipPath
}

func assertNoScratch(t *testing.T, store *Store) {
	t.Helper()
	entries, err := os.ReadDir(store.StagingDir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "scratch area must be clean")
}

func TestImportActivatesBundle(t *testing.T) {
	imp, store, sessions := testImporter(t)
	zipPath := bundleArchive(t, "Foo", "foo-export.zip", nil)

	act, pending, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	require.Nil(t, pending)
	require.NotNil(t, act)

	assert.Equal(t, "Foo", act.Alias)
	assert.Equal(t, "Foo", act.Slug)
	assert.False(t, act.Reused)
	assert.Empty(t, act.Warnings)

	// active bundle and backup copy both exist for the alias.
	assert.True(t, store.HasActive("Foo"))
	_, err = os.Stat(filepath.Join(store.BackupPath("Foo"), DBFileName))
	assert.NoError(t, err)

	// Archive was recorded in the durable holding area, scratch is clean.
	_, err = os.Stat(filepath.Join(store.InboxDir(), "foo-export.zip"))
	assert.NoError(t, err)
	assertNoScratch(t, store)

	// Session continuity state.
	assert.Equal(t, "foo-export.zip", sessions.Get(state.KeyLastLoadedBundle))
	assert.Equal(t, "Foo", sessions.Get(state.KeyLastLoadedAlias))

	// Self-heal ran on the activated copy.
	require.NoError(t, dbcheck.CheckIntegrity(filepath.Join(store.ActivePath("Foo"), DBFileName)))
}

func TestImportAliasSlug(t *testing.T) {
	imp, store, _ := testImporter(t)
	zipPath := bundleArchive(t, "Foo Bar!", "fb.zip", nil)

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Foo Bar!", act.Alias)
	assert.Equal(t, "FooBar", act.Slug)
	assert.True(t, store.HasActive("FooBar"))
}

func TestImportTamperedDatabase(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "Foo", nil)
	testutil.Corrupt(t, filepath.Join(root, DBFileName))
	zipPath := filepath.Join(t.TempDir(), "tampered.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	assert.ErrorIs(t, err, apperr.ErrIntegrityMismatch)

	assert.False(t, store.HasActive("Foo"))
	_, statErr := os.Stat(store.BackupPath("Foo"))
	assert.True(t, os.IsNotExist(statErr), "backup must not be created for a rejected bundle")
	assertNoScratch(t, store)
}

func TestImportWrongDeclaredHash(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "Foo", nil)
	m := testutil.ReadManifest(t, root)
	m.DBSHA256 = strings.Repeat("0f", 32)
	testutil.WriteManifest(t, root, m)
	zipPath := filepath.Join(t.TempDir(), "badhash.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	assert.ErrorIs(t, err, apperr.ErrIntegrityMismatch)
	assert.False(t, store.HasActive("Foo"))
	assertNoScratch(t, store)
}

// corruptKeepingDigest damages the database page structure and then
// rewrites the declared hash so the manifest still matches the bytes. The
// hash gate passes; only the engine's own integrity check can catch it.
func corruptKeepingDigest(t *testing.T, root string) {
	t.Helper()
	db := filepath.Join(root, DBFileName)
	// Bulk up the file so the corrupted byte lands in a page that matters.
	for i := 0; i < 200; i++ {
		testutil.Exec(t, db, "INSERT INTO visits (id, patient_id, seen_at) VALUES (?, ?, ?)",
			i, "p-0001", "2024-01-01")
	}
	testutil.Corrupt(t, db)
	m := testutil.ReadManifest(t, root)
	digest, err := checksum.File(db)
	require.NoError(t, err)
	m.DBSHA256 = digest
	testutil.WriteManifest(t, root, m)
}

func TestImportCorruptButHashValid(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "Foo", nil)
	corruptKeepingDigest(t, root)
	zipPath := filepath.Join(t.TempDir(), "rehashed.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	act, pending, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	assert.ErrorIs(t, err, apperr.ErrDatabaseCorrupt)
	assert.Nil(t, act)
	assert.Nil(t, pending)

	assert.False(t, store.HasActive("Foo"))
	_, statErr := os.Stat(store.BackupPath("Foo"))
	assert.True(t, os.IsNotExist(statErr), "backup must not be created for a rejected bundle")
	_, statErr = os.Stat(filepath.Join(store.InboxDir(), "rehashed.zip"))
	assert.True(t, os.IsNotExist(statErr), "rejected archive must not be recorded in the inbox")
	assertNoScratch(t, store)
}

func TestImportCleanupOnEveryHardFailure(t *testing.T) {
	cases := map[string]func(t *testing.T, root string){
		"missing manifest": func(t *testing.T, root string) {
			require.NoError(t, os.Remove(filepath.Join(root, ManifestFileName)))
		},
		"missing database": func(t *testing.T, root string) {
			require.NoError(t, os.Remove(filepath.Join(root, DBFileName)))
		},
		"bad header": func(t *testing.T, root string) {
			require.NoError(t, os.WriteFile(filepath.Join(root, DBFileName), []byte("junk"), 0o644))
		},
		"malformed manifest": func(t *testing.T, root string) {
			require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFileName), []byte("{"), 0o644))
		},
		"failed integrity check": corruptKeepingDigest,
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			imp, store, _ := testImporter(t)
			root := testutil.BundleDir(t, "Foo", nil)
			mutate(t, root)
			zipPath := filepath.Join(t.TempDir(), "broken.zip")
			require.NoError(t, archive.Pack(root, zipPath))

			_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
			require.Error(t, err)
			assertNoScratch(t, store)
			assert.False(t, store.HasActive("Foo"))
		})
	}
}

func TestImportDuplicateArchiveShortCircuit(t *testing.T) {
	imp, store, _ := testImporter(t)
	zipPath := bundleArchive(t, "Foo", "foo.zip", nil)

	_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)

	// Same file, identical modification timestamp.
	_, _, err = imp.Import(context.Background(), zipPath, ImportOptions{})
	assert.ErrorIs(t, err, apperr.ErrDuplicateArchive)
	assertNoScratch(t, store)
}

func TestImportDuplicateArchiveForceBypasses(t *testing.T) {
	imp, _, _ := testImporter(t)
	zipPath := bundleArchive(t, "Foo", "foo.zip", nil)

	_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, act.Reused)
}

func TestImportTouchedArchiveIsNotDuplicate(t *testing.T) {
	imp, _, _ := testImporter(t)
	zipPath := bundleArchive(t, "Foo", "foo.zip", nil)

	_, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)

	// A newer timestamp means a different archive as far as the
	// short-circuit is concerned; content-level resolution takes over.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(zipPath, future, future))

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	assert.True(t, act.Reused, "same alias resolves to silent reuse")
}

func TestImportFailedAttemptDoesNotBlockRetry(t *testing.T) {
	imp, store, _ := testImporter(t)

	// Pass every verification gate but fail at subject lookup: drop the
	// patients table and rewrite the hash so the manifest still matches.
	root := testutil.BundleDir(t, "Foo", nil)
	db := filepath.Join(root, DBFileName)
	testutil.Exec(t, db, "DROP TABLE patients")
	m := testutil.ReadManifest(t, root)
	digest, err := checksum.File(db)
	require.NoError(t, err)
	m.DBSHA256 = digest
	testutil.WriteManifest(t, root, m)
	zipPath := filepath.Join(t.TempDir(), "nopatients.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	_, _, err = imp.Import(context.Background(), zipPath, ImportOptions{})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(store.InboxDir(), "nopatients.zip"))
	assert.True(t, os.IsNotExist(statErr), "failed import must leave no durable inbox record")

	// The retry must fail for the same reason, not as a duplicate.
	_, _, err = imp.Import(context.Background(), zipPath, ImportOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrDuplicateArchive)
}

func TestImportSilentReuseKeepsActiveBundle(t *testing.T) {
	imp, store, _ := testImporter(t)

	first := bundleArchive(t, "Foo", "first.zip", nil)
	_, _, err := imp.Import(context.Background(), first, ImportOptions{})
	require.NoError(t, err)

	marker := filepath.Join(store.ActivePath("Foo"), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("existing copy"), 0o644))

	second := bundleArchive(t, "Foo", "second.zip", nil)
	act, pending, err := imp.Import(context.Background(), second, ImportOptions{})
	require.NoError(t, err)
	require.Nil(t, pending)
	assert.True(t, act.Reused)

	_, err = os.Stat(marker)
	assert.NoError(t, err, "existing active bundle must be untouched on reuse")
	assertNoScratch(t, store)
}

func TestImportForceOverwritesActiveBundle(t *testing.T) {
	imp, store, _ := testImporter(t)

	first := bundleArchive(t, "Foo", "first.zip", nil)
	_, _, err := imp.Import(context.Background(), first, ImportOptions{})
	require.NoError(t, err)

	marker := filepath.Join(store.ActivePath("Foo"), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("old"), 0o644))

	second := bundleArchive(t, "Foo", "second.zip", nil)
	act, _, err := imp.Import(context.Background(), second, ImportOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, act.Reused)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "force import must replace the prior copy")
}

func TestImportPendingConfirm(t *testing.T) {
	imp, store, _ := testImporter(t)

	first := bundleArchive(t, "Foo", "first.zip", nil)
	_, _, err := imp.Import(context.Background(), first, ImportOptions{})
	require.NoError(t, err)
	marker := filepath.Join(store.ActivePath("Foo"), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("old"), 0o644))

	second := bundleArchive(t, "Foo", "second.zip", nil)
	act, pending, err := imp.Import(context.Background(), second, ImportOptions{Confirm: true})
	require.NoError(t, err)
	require.Nil(t, act)
	require.NotNil(t, pending)
	assert.Equal(t, "Foo", pending.Alias)

	got, ok := imp.PendingByID(pending.ID)
	require.True(t, ok)

	confirmed, err := got.Confirm()
	require.NoError(t, err)
	assert.Equal(t, "Foo", confirmed.Alias)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "confirm must overwrite the prior copy")
	assertNoScratch(t, store)

	_, ok = imp.PendingByID(pending.ID)
	assert.False(t, ok, "pending entry must be removed after resolution")
}

func TestImportPendingCancel(t *testing.T) {
	imp, store, _ := testImporter(t)

	first := bundleArchive(t, "Foo", "first.zip", nil)
	_, _, err := imp.Import(context.Background(), first, ImportOptions{})
	require.NoError(t, err)
	marker := filepath.Join(store.ActivePath("Foo"), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("kept"), 0o644))

	second := bundleArchive(t, "Foo", "second.zip", nil)
	_, pending, err := imp.Import(context.Background(), second, ImportOptions{Confirm: true})
	require.NoError(t, err)
	require.NotNil(t, pending)

	pending.Cancel()

	_, err = os.Stat(marker)
	assert.NoError(t, err, "cancel must keep the existing active bundle")
	assertNoScratch(t, store)
	_, ok := imp.PendingByID(pending.ID)
	assert.False(t, ok)
}

func TestImportLegacyBundle(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "Old", nil)
	m := testutil.ReadManifest(t, root)
	m.SchemaVersion = 1
	m.DBSHA256 = ""
	testutil.WriteManifest(t, root, m)
	zipPath := filepath.Join(t.TempDir(), "legacy.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	require.Len(t, act.Warnings, 1)
	assert.Equal(t, "legacy_manifest", act.Warnings[0].Kind)
	assert.True(t, store.HasActive("Old"))
}

func TestImportEmptySubjectFallsBack(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "", nil)
	zipPath := filepath.Join(t.TempDir(), "anon.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "patient", act.Slug)
	assert.True(t, store.HasActive("patient"))
}

func TestImportEncryptedWithoutDecryptor(t *testing.T) {
	imp, store, _ := testImporter(t)

	root := testutil.BundleDir(t, "Foo", nil)
	// Turn the bundle into an encrypted-looking one: opaque db artifact,
	// manifest digest recomputed over it.
	data, err := os.ReadFile(filepath.Join(root, DBFileName))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, DBFileName)))
	require.NoError(t, os.WriteFile(filepath.Join(root, EncDBFileName), data, 0o600))
	m := testutil.ReadManifest(t, root)
	m.Encrypted = true
	testutil.WriteManifest(t, root, m)
	zipPath := filepath.Join(t.TempDir(), "enc.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	_, _, err = imp.Import(context.Background(), zipPath, ImportOptions{})
	assert.ErrorIs(t, err, apperr.ErrEncryptionFailed)
	assertNoScratch(t, store)
}

// renameDecryptor fakes the collaborator: the "ciphertext" is the plain
// database under the encrypted name.
type renameDecryptor struct{}

func (renameDecryptor) DecryptDatabase(dir string) error {
	return os.Rename(filepath.Join(dir, EncDBFileName), filepath.Join(dir, DBFileName))
}

func TestImportEncryptedWithDecryptor(t *testing.T) {
	imp, store, _ := testImporter(t)
	imp.Decryptor = renameDecryptor{}

	root := testutil.BundleDir(t, "Foo", nil)
	data, err := os.ReadFile(filepath.Join(root, DBFileName))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, DBFileName)))
	require.NoError(t, os.WriteFile(filepath.Join(root, EncDBFileName), data, 0o600))
	m := testutil.ReadManifest(t, root)
	m.Encrypted = true
	testutil.WriteManifest(t, root, m)
	zipPath := filepath.Join(t.TempDir(), "enc.zip")
	require.NoError(t, archive.Pack(root, zipPath))

	act, _, err := imp.Import(context.Background(), zipPath, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Foo", act.Slug)
	require.NoError(t, dbcheck.CheckIntegrity(filepath.Join(store.ActivePath("Foo"), DBFileName)))
}

func TestImportMissingArchive(t *testing.T) {
	imp, store, _ := testImporter(t)
	_, _, err := imp.Import(context.Background(), filepath.Join(t.TempDir(), "absent.zip"), ImportOptions{})
	require.Error(t, err)
	assertNoScratch(t, store)
}

func TestImportCancelledContext(t *testing.T) {
	imp, store, _ := testImporter(t)
	zipPath := bundleArchive(t, "Foo", "foo.zip", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := imp.Import(ctx, zipPath, ImportOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assertNoScratch(t, store)
	assert.False(t, store.HasActive("Foo"))
}
