package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ExportFileHandler serves finished export archives for download.
type ExportFileHandler struct {
	exportsDir string
}

// NewExportFileHandler creates a handler rooted at the exports directory.
func NewExportFileHandler(exportsDir string) *ExportFileHandler {
	return &ExportFileHandler{exportsDir: exportsDir}
}

// safeName validates that the filename is a plain name (no path separators,
// no traversal) and returns the absolute path under the exports dir.
func (h *ExportFileHandler) safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	abs := filepath.Join(h.exportsDir, cleaned)
	// Double-check the resolved path is under the exports dir.
	if !strings.HasPrefix(abs, h.exportsDir+string(os.PathSeparator)) && abs != h.exportsDir {
		return "", fmt.Errorf("path escapes exports directory")
	}
	return abs, nil
}

// ServeFile handles GET /api/exports/{filename}.
func (h *ExportFileHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	abs, err := h.safeName(filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, statErr := os.Stat(abs); os.IsNotExist(statErr) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(abs)+`"`)
	http.ServeFile(w, r, abs)
}
