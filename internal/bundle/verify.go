package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/manifest"
)

// sqliteMagic is the 16-byte header every SQLite database file starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// Warning is a soft finding collected during verification or import. It is
// reported to the user but does not abort the operation.
type Warning struct {
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail"`
}

// Verify validates an unpacked bundle at root, read-only. Gates, in order:
// required files present, database header, manifest decode, database digest
// (hard), per-document digests (soft, collected as warnings). Legacy
// manifests (schema_version < 2) short-circuit after decoding with a
// warning: they predate hash fields, so there is nothing to verify.
func Verify(root string) (*manifest.Manifest, []Warning, error) {
	manifestPath := filepath.Join(root, ManifestFileName)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, nil, fmt.Errorf("%w: missing %s", apperr.ErrBundleIncomplete, ManifestFileName)
	}
	dbPath, encrypted := DatabasePath(root)
	if dbPath == "" {
		return nil, nil, fmt.Errorf("%w: missing %s", apperr.ErrBundleIncomplete, DBFileName)
	}

	if err := checkDatabaseHeader(dbPath, encrypted); err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, nil, err
	}

	if m.Legacy() {
		return m, []Warning{{
			Kind:   "legacy_manifest",
			Detail: fmt.Sprintf("schema_version %d predates integrity hashes; verification skipped", m.SchemaVersion),
		}}, nil
	}

	digest, err := checksum.File(dbPath)
	if err != nil {
		return nil, nil, err
	}
	if digest != m.DBSHA256 {
		return nil, nil, fmt.Errorf("%w: database %s: declared %s, computed %s",
			apperr.ErrIntegrityMismatch, filepath.Base(dbPath), m.DBSHA256, digest)
	}

	warnings, err := verifyDocs(root, m)
	if err != nil {
		return nil, nil, err
	}
	return m, warnings, nil
}

// checkDatabaseHeader confirms the file starts with the SQLite magic. An
// encrypted database carries no recognizable header; it only has to be
// non-empty.
func checkDatabaseHeader(dbPath string, encrypted bool) error {
	f, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", dbPath, err)
	}
	if encrypted {
		if n == 0 {
			return fmt.Errorf("%w: %s is empty", apperr.ErrNotADatabase, filepath.Base(dbPath))
		}
		return nil
	}
	if n < len(sqliteMagic) || !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("%w: %s has no SQLite header", apperr.ErrNotADatabase, filepath.Base(dbPath))
	}
	return nil
}

// verifyDocs recomputes every docs_manifest digest. Mismatches and missing
// files are soft: user-collected attachments must not block access to the
// structured record. Hashing runs in a small worker pool; results are keyed
// by path, so ordering does not matter.
func verifyDocs(root string, m *manifest.Manifest) ([]Warning, error) {
	if len(m.DocsManifest) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		warnings []Warning
	)
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())

	for _, entry := range m.DocsManifest {
		g.Go(func() error {
			abs := filepath.Join(root, filepath.FromSlash(entry.Path))
			warn := checkDoc(abs, entry)
			if warn != nil {
				mu.Lock()
				warnings = append(warnings, *warn)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return warnings, nil
}

func checkDoc(abs string, entry manifest.DocEntry) *Warning {
	if _, err := os.Stat(abs); err != nil {
		return &Warning{Kind: "doc_missing", Path: entry.Path, Detail: "listed in manifest but not found"}
	}
	digest, err := checksum.File(abs)
	if err != nil {
		return &Warning{Kind: "doc_unreadable", Path: entry.Path, Detail: err.Error()}
	}
	if digest != entry.SHA256 {
		return &Warning{
			Kind:   "doc_hash_mismatch",
			Path:   entry.Path,
			Detail: fmt.Sprintf("declared %s, computed %s", entry.SHA256, digest),
		}
	}
	return nil
}
