// Package server assembles the gateway's HTTP surface and serves it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ral-facilities/datagateway-go/internal/core/health"
	"github.com/ral-facilities/datagateway-go/internal/core/middleware"
	"github.com/ral-facilities/datagateway-go/internal/core/router"
)

type Options struct {
	Facility string
	// Metrics serves /metrics on the API listener; nil uses the default registry.
	Metrics      http.Handler
	ReadyTimeout time.Duration
	Checks       []health.Check
}

// NewHandler mounts the probes, metrics and API routes behind the common
// middleware chain.
func NewHandler(logger *slog.Logger, deps router.Deps, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger, opts.Facility))
	r.Use(middleware.CORS())
	r.Use(middleware.Session())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.ReadyTimeout, opts.Checks...))
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	if deps.Logger == nil {
		deps.Logger = logger
	}
	router.Register(r, deps)
	return r
}

// Run serves h on addr until ctx ends, then drains for up to ten seconds.
func Run(ctx context.Context, addr string, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
