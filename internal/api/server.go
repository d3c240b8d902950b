package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
)

const (
	maxRequestBody  = 1 << 20
	handlerTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Check reports whether a downstream dependency is usable.
type Check func(ctx context.Context) error

// Config controls the admin server.
type Config struct {
	// StartKey is the queue the request endpoint pushes to.
	StartKey string
	// APIKey, when set, guards the /v1 routes.
	APIKey string
	Checks map[string]Check
}

// Server exposes probes, metrics and request submission over HTTP.
type Server struct {
	mux    chi.Router
	queue  crawler.Queue
	cfg    Config
	logger *zap.Logger
}

// NewServer wires routes and middleware around queue.
func NewServer(queue crawler.Queue, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{queue: queue, cfg: cfg, logger: logger}

	mux := chi.NewRouter()
	mux.Use(
		withRequestID,
		s.accessLog,
		s.recoverPanics,
		metrics.Middleware,
		middleware.Timeout(handlerTimeout),
	)
	mux.Get("/healthz", s.healthz)
	mux.Get("/readyz", s.readyz)
	mux.Method(http.MethodGet, "/metrics", metrics.Handler())
	mux.Group(func(v1 chi.Router) {
		if cfg.APIKey != "" {
			v1.Use(requireAPIKey(cfg.APIKey))
		}
		v1.Post("/v1/requests", s.submitRequest)
	})

	s.mux = mux
	return s
}

// Handler returns the routed handler for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on addr until ctx is canceled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", addr))
		listenErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}
