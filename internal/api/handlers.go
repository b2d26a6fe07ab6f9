package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/bundle"
	"github.com/starford/laguz/internal/manifest"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/state"
)

const maxArchiveBytes = 512 << 20 // 512 MB

// Handler holds API route handlers.
type Handler struct {
	imp      *bundle.Importer
	exp      *bundle.Exporter
	store    *bundle.Store
	sessions *state.Store
	broker   *sse.Broker
}

// NewHandler creates a new Handler.
func NewHandler(imp *bundle.Importer, exp *bundle.Exporter, store *bundle.Store, sessions *state.Store, broker *sse.Broker) *Handler {
	return &Handler{imp: imp, exp: exp, store: store, sessions: sessions, broker: broker}
}

func (h *Handler) publish(eventType string, data any) {
	if h.broker != nil {
		h.broker.Publish(sse.Event{Type: eventType, Data: data})
	}
}

// importStatus maps a failed import to an HTTP status.
func importStatus(err error) int {
	switch {
	case errors.Is(err, apperr.ErrDuplicateArchive):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrBundleIncomplete),
		errors.Is(err, apperr.ErrNotADatabase),
		errors.Is(err, apperr.ErrManifestMalformed),
		errors.Is(err, apperr.ErrIntegrityMismatch),
		errors.Is(err, apperr.ErrDatabaseCorrupt),
		errors.Is(err, apperr.ErrEncryptionFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Import handles POST /api/bundles/import (multipart/form-data, field
// "archive"). Query parameters: force=1 bypasses the duplicate and
// conflict checks, prompt=1 parks alias conflicts as pending imports.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)

	if err := r.ParseMultipartForm(maxArchiveBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("archive too large or invalid multipart"))
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'archive' field in multipart form"))
		return
	}
	defer file.Close()

	// Spool the upload next to the inbox so the pipeline sees a real
	// file with the uploaded name.
	spoolDir := filepath.Join(h.store.StagingDir(), "upload-"+uuid.NewString())
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	defer os.RemoveAll(spoolDir)

	spooled := filepath.Join(spoolDir, filepath.Base(header.Filename))
	dst, err := os.Create(spooled)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to receive archive"))
		return
	}
	dst.Close()

	opts := bundle.ImportOptions{
		Force:   queryFlag(r, "force"),
		Confirm: queryFlag(r, "prompt"),
	}

	h.publish(sse.EventImportStarted, map[string]string{"archive": header.Filename})

	act, pending, err := h.imp.Import(r.Context(), spooled, opts)
	if err != nil {
		slog.Error("import failed",
			slog.String("archive", header.Filename),
			slog.String("error", err.Error()))
		h.publish(sse.EventImportFailed, map[string]string{
			"archive": header.Filename,
			"error":   err.Error(),
		})
		writeJSON(w, importStatus(err), errorBody(err.Error()))
		return
	}
	if pending != nil {
		h.publish(sse.EventImportPending, map[string]string{
			"id":    pending.ID,
			"alias": pending.Alias,
		})
		writeJSON(w, http.StatusAccepted, ImportResponse{Status: "pending", Pending: pending})
		return
	}
	h.publish(sse.EventImportCompleted, map[string]string{
		"alias": act.Alias,
		"slug":  act.Slug,
	})
	writeJSON(w, http.StatusOK, ImportResponse{Status: importResultStatus(act), Activation: act})
}

func importResultStatus(act *bundle.Activation) string {
	if act.Reused {
		return "reused"
	}
	return "activated"
}

// ConfirmImport handles POST /api/imports/{id}/confirm.
func (h *Handler) ConfirmImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.imp.PendingByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("no such pending import"))
		return
	}
	act, err := p.Confirm()
	if err != nil {
		slog.Error("confirm import failed", slog.String("id", id), slog.String("error", err.Error()))
		h.publish(sse.EventImportFailed, map[string]string{"id": id, "error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	h.publish(sse.EventImportCompleted, map[string]string{
		"alias": act.Alias,
		"slug":  act.Slug,
	})
	writeJSON(w, http.StatusOK, ImportResponse{Status: "activated", Activation: act})
}

// CancelImport handles POST /api/imports/{id}/cancel.
func (h *Handler) CancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.imp.PendingByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("no such pending import"))
		return
	}
	p.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// ListBundles handles GET /api/bundles.
func (h *Handler) ListBundles(w http.ResponseWriter, r *http.Request) {
	slugs, err := h.store.ActiveSlugs()
	if err != nil {
		slog.Error("list bundles failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	items := make([]BundleInfo, 0, len(slugs))
	for _, slug := range slugs {
		info := BundleInfo{Slug: slug, Path: h.store.ActivePath(slug)}
		if m, err := readManifest(h.store.ActivePath(slug)); err == nil {
			info.Alias = m.PatientAlias
			info.SchemaVersion = m.SchemaVersion
			info.Encrypted = m.Encrypted
			info.ExportedAt = m.ExportedAt
		}
		items = append(items, info)
	}
	writeJSON(w, http.StatusOK, BundleListResponse{Bundles: items, Total: len(items)})
}

// Export handles POST /api/bundles/{slug}/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	archivePath, warnings, err := h.exp.Export(r.Context(), slug)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, apperr.ErrDatabaseCorrupt),
			errors.Is(err, apperr.ErrForeignKeyViolation),
			errors.Is(err, apperr.ErrEncryptionFailed):
			status = http.StatusUnprocessableEntity
		}
		slog.Error("export failed", slog.String("slug", slug), slog.String("error", err.Error()))
		h.publish(sse.EventExportFailed, map[string]string{"slug": slug, "error": err.Error()})
		writeJSON(w, status, errorBody(err.Error()))
		return
	}
	name := filepath.Base(archivePath)
	h.publish(sse.EventExportCompleted, map[string]string{"slug": slug, "archive": name})
	writeJSON(w, http.StatusOK, ExportResponse{
		Archive:  name,
		URL:      "/api/exports/" + name,
		Warnings: warnings,
	})
}

// Session handles GET /api/session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	writeJSON(w, http.StatusOK, SessionResponse{
		LastLoadedBundle: snap[state.KeyLastLoadedBundle],
		LastLoadedAlias:  snap[state.KeyLastLoadedAlias],
	})
}

func readManifest(bundleDir string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, bundle.ManifestFileName))
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

func queryFlag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
