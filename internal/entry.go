// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/laguz/internal/api"
	"github.com/starford/laguz/internal/bundle"
	"github.com/starford/laguz/internal/crypt"
	"github.com/starford/laguz/internal/inbox"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/state"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = newLogger(cfg)
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_root", cfg.Data.Root),
		slog.String("crypto_mode", cfg.Crypto.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Bundle store: creates the inbox/staging/active/backup/exports areas.
	store, err := bundle.NewStore(cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("init bundle store: %w", err)
	}

	// Persisted session state.
	sessions, err := state.Open(cfg.Data.StatePath())
	if err != nil {
		return fmt.Errorf("init session state: %w", err)
	}

	// Encryption for exports, decryption for encrypted imports.
	importer := bundle.NewImporter(store, sessions, logger)
	var enc bundle.Encryptor = crypt.Noop{}
	if cfg.Crypto.Enabled() {
		aes, aesErr := crypt.NewAESGCM(cfg.Crypto.Key)
		if aesErr != nil {
			return fmt.Errorf("init crypto: %w", aesErr)
		}
		enc = aes
		importer.Decryptor = aes
	}
	exporter := bundle.NewExporter(store, enc, logger)

	// SSE broker.
	broker := sse.NewBroker()
	defer broker.Close()

	// Build API router.
	apiRouter := api.NewRouter(importer, exporter, store, sessions, broker,
		cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the inbox for dropped archives and announce them over SSE.
	g.Go(func() error {
		if err := inbox.Watch(gCtx, store.InboxDir(), logger, func(filename string) {
			broker.Publish(sse.Event{
				Type: sse.EventArchiveArrived,
				Data: map[string]string{"archive": filename},
			})
		}); err != nil {
			logger.Error("inbox watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// newLogger builds the JSON logger, teeing into a rotating file when one
// is configured.
func newLogger(cfg *Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}
