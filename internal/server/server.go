package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stepherg/omi"
	api "github.com/stepherg/omi/internal/http"
)

// StatusConfig configures the status HTTP server.
type StatusConfig struct {
	ListenAddr   string              // address to bind (e.g. :8090)
	Source       api.StatusSource    // required
	Recorder     omi.Recorder        // optional; enables POST /api/resources/{id}/value
	Gatherer     prometheus.Gatherer // optional; enables GET /metrics
	Logger       *slog.Logger        // optional; defaults to slog.Default()
	ReadTimeout  time.Duration       // optional
	WriteTimeout time.Duration       // optional
	IdleTimeout  time.Duration       // optional
}

var ErrNilSource = errors.New("status server: status source is nil")

// Handler builds the status API routes.
func Handler(cfg StatusConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/resources", api.ResourcesHandler(cfg.Source))
	mux.HandleFunc("OPTIONS /api/", api.PreflightHandler)
	if cfg.Recorder != nil {
		mux.HandleFunc("POST /api/resources/{id}/value", api.ValueHandler(cfg.Recorder))
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartStatusServer starts an HTTP server exposing the status API.
// It returns the *http.Server, a channel that will receive a terminal error (if any), and an error for immediate startup issues.
// The server stops when the supplied context is canceled.
func StartStatusServer(ctx context.Context, cfg StatusConfig) (*http.Server, <-chan error, error) {
	if cfg.Source == nil {
		return nil, nil, ErrNilSource
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      Handler(cfg),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		cfg.Logger.Info("status API listening", "addr", cfg.ListenAddr, "metrics", cfg.Gatherer != nil, "writes", cfg.Recorder != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
