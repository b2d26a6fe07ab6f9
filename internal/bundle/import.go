package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/archive"
	"github.com/starford/laguz/internal/dbcheck"
	"github.com/starford/laguz/internal/manifest"
	"github.com/starford/laguz/internal/patient"
	"github.com/starford/laguz/internal/state"
)

// Decryptor restores the plaintext database of an encrypted bundle in
// place. Optional: without one, encrypted archives cannot be imported.
type Decryptor interface {
	DecryptDatabase(bundleDir string) error
}

// ImportOptions control duplicate and conflict handling.
//
// Conflict policy: when the staged bundle's alias already has an
// active bundle, the importer silently reuses the existing copy (re-import
// as no-op). Callers that want an explicit overwrite decision instead set
// Confirm, which parks the staged copy as a Pending import until resolved.
// Force bypasses both the archive-level duplicate check and the alias
// conflict.
type ImportOptions struct {
	Force   bool
	Confirm bool
}

// Activation is the result of a completed import.
type Activation struct {
	Alias    string             `json:"alias"`
	Slug     string             `json:"slug"`
	Path     string             `json:"path"`
	Archive  string             `json:"archive"`
	Reused   bool               `json:"reused"`
	Manifest *manifest.Manifest `json:"manifest"`
	Warnings []Warning          `json:"warnings,omitempty"`
}

// Pending is a staged import that matched an existing active bundle and is
// awaiting an explicit user decision. It owns the staged copy until
// Confirm or Cancel is called.
type Pending struct {
	ID       string             `json:"id"`
	Alias    string             `json:"alias"`
	Slug     string             `json:"slug"`
	Manifest *manifest.Manifest `json:"manifest"`
	Warnings []Warning          `json:"warnings,omitempty"`

	archiveName string
	inboxPath   string
	staged      stagedImport
	imp         *Importer
}

// Importer orchestrates staging, verification, duplicate resolution and
// atomic activation of inbound archives.
type Importer struct {
	store    *Store
	sessions *state.Store
	logger   *slog.Logger

	// Decryptor is consulted when a staged bundle carries an encrypted
	// database. Nil means encrypted imports are rejected.
	Decryptor Decryptor

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewImporter creates an import pipeline over the given bundle store.
func NewImporter(store *Store, sessions *state.Store, logger *slog.Logger) *Importer {
	return &Importer{
		store:    store,
		sessions: sessions,
		logger:   logger,
		pending:  make(map[string]*Pending),
	}
}

// stagedImport is the ephemeral working copy of an inbound bundle: a
// private copy of the archive plus its unpacked tree under the scratch
// area. Never exposed until verification succeeds; removed on any failure
// and after promotion.
type stagedImport struct {
	archiveCopy string
	dir         string
}

func (s stagedImport) cleanup() {
	if s.archiveCopy != "" {
		_ = os.Remove(s.archiveCopy)
	}
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}

// Import runs the pipeline on sourceArchive. Exactly one of the returns is
// set: an Activation on success (including silent reuse), a Pending when
// opts.Confirm is set and the alias already has an active bundle, or an
// error. Every hard failure removes all scratch artifacts and leaves
// existing active bundle or backup state untouched.
func (imp *Importer) Import(ctx context.Context, sourceArchive string, opts ImportOptions) (*Activation, *Pending, error) {
	srcInfo, err := os.Stat(sourceArchive)
	if err != nil {
		return nil, nil, fmt.Errorf("stat archive: %w", err)
	}
	archiveName := filepath.Base(sourceArchive)

	// Cheap duplicate short-circuit before anything is unpacked: the same
	// archive name with an identical modification timestamp was imported
	// before.
	inboxPath := filepath.Join(imp.store.InboxDir(), archiveName)
	if !opts.Force {
		if prior, statErr := os.Stat(inboxPath); statErr == nil && prior.ModTime().Equal(srcInfo.ModTime()) {
			return nil, nil, fmt.Errorf("%w: %s already imported at %s",
				apperr.ErrDuplicateArchive, archiveName, prior.ModTime())
		}
	}

	staged, err := imp.stage(ctx, sourceArchive)
	if err != nil {
		staged.cleanup()
		return nil, nil, err
	}

	m, warnings, err := imp.validateStaged(staged.dir)
	if err != nil {
		staged.cleanup()
		return nil, nil, err
	}

	warnings = append(warnings, healWarnings(dbcheck.Heal(filepath.Join(staged.dir, DBFileName), imp.logger))...)

	subject, err := patient.ReadSubject(filepath.Join(staged.dir, DBFileName))
	if err != nil {
		staged.cleanup()
		return nil, nil, err
	}
	alias := subject.Alias
	if alias == "" {
		alias = patient.FallbackAlias
	}
	slug := patient.Slug(alias)

	// Refresh the backup copy regardless of how the alias conflict
	// resolves; the durable backup tracks the most recent verified import.
	if err := ReplaceDir(staged.dir, imp.store.BackupPath(slug)); err != nil {
		staged.cleanup()
		return nil, nil, err
	}
	_ = dbcheck.Heal(filepath.Join(imp.store.BackupPath(slug), DBFileName), imp.logger)

	// Record the archive in the durable holding area so the duplicate
	// check can catch a re-import. Written only after every gate that can
	// still hard-fail, so a failed import never blocks its own retry. The
	// source modification time is preserved on purpose.
	if err := copyFile(sourceArchive, inboxPath); err != nil {
		staged.cleanup()
		return nil, nil, err
	}
	_ = os.Chtimes(inboxPath, srcInfo.ModTime(), srcInfo.ModTime())

	if imp.store.HasActive(slug) && !opts.Force {
		if opts.Confirm {
			p := &Pending{
				ID:          uuid.NewString(),
				Alias:       alias,
				Slug:        slug,
				Manifest:    m,
				Warnings:    warnings,
				archiveName: archiveName,
				inboxPath:   inboxPath,
				staged:      staged,
				imp:         imp,
			}
			imp.mu.Lock()
			imp.pending[p.ID] = p
			imp.mu.Unlock()
			imp.logger.Info("import: awaiting overwrite decision",
				slog.String("alias", alias), slog.String("pending_id", p.ID))
			return nil, p, nil
		}

		// Silent skip-and-reuse: the existing active copy wins. Apply the
		// schema migrations to it before handing it back.
		staged.cleanup()
		_ = dbcheck.Heal(filepath.Join(imp.store.ActivePath(slug), DBFileName), imp.logger)
		imp.logger.Info("import: alias already active, reusing",
			slog.String("alias", alias), slog.String("slug", slug))
		return &Activation{
			Alias:    alias,
			Slug:     slug,
			Path:     imp.store.ActivePath(slug),
			Archive:  archiveName,
			Reused:   true,
			Manifest: m,
			Warnings: warnings,
		}, nil, nil
	}

	act, err := imp.activate(staged, archiveName, alias, slug, m, warnings)
	if err != nil {
		_ = os.Remove(inboxPath)
		return nil, nil, err
	}
	return act, nil, nil
}

// stage copies the source archive into the scratch area and unpacks it into
// a freshly named scratch directory. Never unpacks in place.
func (imp *Importer) stage(ctx context.Context, sourceArchive string) (stagedImport, error) {
	if err := ctx.Err(); err != nil {
		return stagedImport{}, err
	}
	id := uuid.NewString()
	staged := stagedImport{
		archiveCopy: filepath.Join(imp.store.StagingDir(), id+".zip"),
		dir:         filepath.Join(imp.store.StagingDir(), id),
	}
	if err := copyFile(sourceArchive, staged.archiveCopy); err != nil {
		return staged, err
	}
	if err := archive.Unpack(staged.archiveCopy, staged.dir); err != nil {
		return staged, err
	}
	return staged, nil
}

// validateStaged runs the verification gates over the staged copy: bundle
// verification, optional decryption, and the engine's own integrity check.
// A corrupt but hash-valid database must still be rejected here.
func (imp *Importer) validateStaged(stagedDir string) (*manifest.Manifest, []Warning, error) {
	m, warnings, err := Verify(stagedDir)
	if err != nil {
		return nil, nil, err
	}

	if _, encrypted := DatabasePath(stagedDir); encrypted {
		if imp.Decryptor == nil {
			return nil, nil, fmt.Errorf("%w: bundle is encrypted and no key is configured", apperr.ErrEncryptionFailed)
		}
		if err := imp.Decryptor.DecryptDatabase(stagedDir); err != nil {
			return nil, nil, err
		}
	}

	if err := dbcheck.CheckIntegrity(filepath.Join(stagedDir, DBFileName)); err != nil {
		return nil, nil, err
	}
	return m, warnings, nil
}

// activate promotes the staged copy to the alias's active bundle and removes
// the scratch artifacts.
func (imp *Importer) activate(staged stagedImport, archiveName, alias, slug string, m *manifest.Manifest, warnings []Warning) (*Activation, error) {
	activePath := imp.store.ActivePath(slug)
	if err := ReplaceDir(staged.dir, activePath); err != nil {
		staged.cleanup()
		return nil, err
	}
	staged.cleanup()

	// Session continuity only; failures here do not undo the activation.
	if err := imp.sessions.Set(state.KeyLastLoadedBundle, archiveName); err != nil {
		imp.logger.Warn("import: record last bundle failed", slog.String("error", err.Error()))
	}
	if err := imp.sessions.Set(state.KeyLastLoadedAlias, alias); err != nil {
		imp.logger.Warn("import: record last alias failed", slog.String("error", err.Error()))
	}

	imp.logger.Info("import: bundle activated",
		slog.String("alias", alias),
		slog.String("slug", slug),
		slog.String("archive", archiveName),
		slog.Int("warnings", len(warnings)))

	return &Activation{
		Alias:    alias,
		Slug:     slug,
		Path:     activePath,
		Archive:  archiveName,
		Manifest: m,
		Warnings: warnings,
	}, nil
}

// Pending lookup for the confirm/cancel surface.
func (imp *Importer) PendingByID(id string) (*Pending, bool) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	p, ok := imp.pending[id]
	return p, ok
}

func (imp *Importer) removePending(id string) {
	imp.mu.Lock()
	delete(imp.pending, id)
	imp.mu.Unlock()
}

// Confirm resolves the pending import by overwriting the alias's
// active bundle with the staged copy.
func (p *Pending) Confirm() (*Activation, error) {
	p.imp.removePending(p.ID)
	act, err := p.imp.activate(p.staged, p.archiveName, p.Alias, p.Slug, p.Manifest, p.Warnings)
	if err != nil {
		_ = os.Remove(p.inboxPath)
		return nil, err
	}
	return act, nil
}

// Cancel discards the staged copy. The existing active bundle is untouched.
func (p *Pending) Cancel() {
	p.imp.removePending(p.ID)
	p.staged.cleanup()
	p.imp.logger.Info("import: overwrite cancelled",
		slog.String("alias", p.Alias), slog.String("pending_id", p.ID))
}

func healWarnings(ws []dbcheck.Warning) []Warning {
	out := make([]Warning, 0, len(ws))
	for _, w := range ws {
		out = append(out, Warning{Kind: w.Op, Detail: w.Detail})
	}
	return out
}
