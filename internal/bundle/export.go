package bundle

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/archive"
	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/dbcheck"
	"github.com/starford/laguz/internal/manifest"
	"github.com/starford/laguz/internal/patient"
)

// Exporter packages an alias's active bundle into a self-contained archive
// with a schema_version 2 manifest.
type Exporter struct {
	store  *Store
	enc    Encryptor
	logger *slog.Logger
}

// NewExporter creates an export pipeline. enc is the opaque encryption
// collaborator; pass crypt.Noop when encryption is not configured.
func NewExporter(store *Store, enc Encryptor, logger *slog.Logger) *Exporter {
	return &Exporter{store: store, enc: enc, logger: logger}
}

// Export checkpoints, health-checks, optionally encrypts, hashes and
// packages the active bundle for alias slug. Returns the archive path.
// Failures abort before packaging; partial archives are never produced, and
// the scratch bundle directory is removed unconditionally.
func (e *Exporter) Export(ctx context.Context, slug string) (string, []Warning, error) {
	activeDir := e.store.ActivePath(slug)
	liveDB := filepath.Join(activeDir, DBFileName)
	if _, err := os.Stat(liveDB); err != nil {
		return "", nil, fmt.Errorf("%w: no active bundle for %q", apperr.ErrNotFound, slug)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	// Flush the WAL first so the copied file is self-contained.
	if err := dbcheck.Checkpoint(liveDB); err != nil {
		return "", nil, err
	}

	scratch := filepath.Join(e.store.StagingDir(), "export-"+uuid.NewString())
	defer os.RemoveAll(scratch)

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", nil, fmt.Errorf("create export scratch: %w", err)
	}
	scratchDB := filepath.Join(scratch, DBFileName)
	if err := copyFile(liveDB, scratchDB); err != nil {
		return "", nil, err
	}

	// The copy, not the live database, gets checked and remediated from
	// here on.
	if err := dbcheck.CheckIntegrity(scratchDB); err != nil {
		e.logger.Warn("export: integrity check failed, attempting repair",
			slog.String("slug", slug), slog.String("error", err.Error()))
		if repairErr := dbcheck.Repair(scratchDB); repairErr != nil {
			return "", nil, fmt.Errorf("%w: repair: %v", apperr.ErrDatabaseCorrupt, repairErr)
		}
		if err := dbcheck.CheckIntegrity(scratchDB); err != nil {
			return "", nil, err
		}
	}

	// Remediation strictly precedes the check it is meant to satisfy.
	if err := dbcheck.NullDanglingForeignKeys(scratchDB); err != nil {
		return "", nil, err
	}
	violations, err := dbcheck.CheckForeignKeys(scratchDB)
	if err != nil {
		return "", nil, err
	}
	if len(violations) > 0 {
		return "", nil, fmt.Errorf("%w: %d remain after remediation, first: %s",
			apperr.ErrForeignKeyViolation, len(violations), violations[0])
	}

	subject, err := patient.ReadSubject(scratchDB)
	if err != nil {
		return "", nil, err
	}

	if err := e.enc.EncryptDatabase(scratch); err != nil {
		return "", nil, err
	}
	artifact, encrypted := DatabasePath(scratch)
	if artifact == "" {
		return "", nil, fmt.Errorf("%w: no database artifact after encryption", apperr.ErrEncryptionFailed)
	}

	digest, err := checksum.File(artifact)
	if err != nil {
		return "", nil, err
	}

	docs, warnings, err := e.copyDocs(activeDir, scratch)
	if err != nil {
		return "", nil, err
	}

	m := manifest.New()
	m.Encrypted = encrypted
	m.IncludesDocs = len(docs) > 0
	m.PatientID = subject.ID
	m.PatientAlias = subject.Alias
	m.DOB = subject.DOB
	m.PatientSex = subject.Sex
	m.DBSHA256 = digest
	m.DocsManifest = docs

	raw, err := m.Encode()
	if err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(scratch, ManifestFileName), raw, 0o644); err != nil {
		return "", nil, fmt.Errorf("write manifest: %w", err)
	}

	outPath := e.outputPath(slug)
	if err := archive.Pack(scratch, outPath); err != nil {
		return "", nil, err
	}

	e.logger.Info("export: archive written",
		slog.String("slug", slug),
		slog.String("archive", filepath.Base(outPath)),
		slog.Bool("encrypted", encrypted),
		slog.Int("docs", len(docs)))
	return outPath, warnings, nil
}

// copyDocs copies the documents subtree into the scratch bundle and hashes
// every file. Hashing runs in a bounded pool; entries are sorted by path
// afterwards so manifests stay stable across runs.
func (e *Exporter) copyDocs(activeDir, scratch string) ([]manifest.DocEntry, []Warning, error) {
	srcDocs := filepath.Join(activeDir, DocsDirName)
	if info, err := os.Stat(srcDocs); err != nil || !info.IsDir() {
		return nil, nil, nil
	}
	if err := CopyDir(srcDocs, filepath.Join(scratch, DocsDirName)); err != nil {
		return nil, nil, err
	}

	var rels []string
	err := filepath.WalkDir(srcDocs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(activeDir, p)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk docs: %w", err)
	}

	var (
		mu       sync.Mutex
		entries  []manifest.DocEntry
		warnings []Warning
	)
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for _, rel := range rels {
		g.Go(func() error {
			// Hash the scratch copy: it is the file that ends up in the
			// archive, and the live tree may change underneath us.
			digest, err := checksum.File(filepath.Join(scratch, rel))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, Warning{Kind: "doc_unreadable", Path: filepath.ToSlash(rel), Detail: err.Error()})
				return nil
			}
			entries = append(entries, manifest.DocEntry{Path: filepath.ToSlash(rel), SHA256: digest})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, warnings, nil
}

// outputPath picks a fresh, collision-avoided archive path under exports/.
func (e *Exporter) outputPath(slug string) string {
	stamp := time.Now().UTC().Format("20060102-150405")
	base := fmt.Sprintf("%s-%s", slug, stamp)
	path := filepath.Join(e.store.ExportsDir(), base+".zip")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(e.store.ExportsDir(), fmt.Sprintf("%s-%d.zip", base, n))
	}
}
