package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/bundle"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/state"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(imp *bundle.Importer, exp *bundle.Exporter, store *bundle.Store, sessions *state.Store, broker *sse.Broker, authEnabled bool, token string) chi.Router {
	h := NewHandler(imp, exp, store, sessions, broker)
	eh := NewExportFileHandler(store.ExportsDir())

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Bundle lifecycle.
	r.Get("/bundles", h.ListBundles)
	r.Post("/bundles/import", h.Import)
	r.Post("/bundles/{slug}/export", h.Export)

	// Pending import resolution.
	r.Post("/imports/{id}/confirm", h.ConfirmImport)
	r.Post("/imports/{id}/cancel", h.CancelImport)

	// Exported archive download (auth-protected).
	r.Get("/exports/{filename}", eh.ServeFile)

	// Session state.
	r.Get("/session", h.Session)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
