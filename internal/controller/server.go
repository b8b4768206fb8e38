// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coderunner/internal/controller/handlers"
	"coderunner/internal/controller/middleware"
	"coderunner/internal/observability"

	"go.uber.org/zap"
)

// Options are the server's optional collaborators.
type Options struct {
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler

	// HTTPMetrics records per-route request counts and latency.
	HTTPMetrics *observability.HTTPMetrics

	// RateLimiter throttles the job API; probes and metrics are exempt.
	RateLimiter *middleware.RateLimiter

	Logger *zap.Logger
}

// Server is the HTTP server for the job API.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /jobs", h.CreateJob)
	api.HandleFunc("POST /jobs/sync", h.CreateJobSync)
	api.HandleFunc("GET /jobs/{id}", h.GetJob)
	api.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	api.HandleFunc("GET /jobs/{id}/logs", h.GetLogs)
	api.HandleFunc("GET /jobs/{id}/logs/stream", h.StreamLogs)
	api.HandleFunc("GET /jobs/{id}/artifacts/{name}", h.GetArtifact)

	var limited http.Handler = api
	if opts.RateLimiter != nil {
		limited = opts.RateLimiter.Middleware()(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	mux.Handle("/jobs", limited)
	mux.Handle("/jobs/", limited)

	handler := middleware.RequestID(middleware.AccessLog(opts.Logger, opts.HTTPMetrics)(mux))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       5 * time.Minute,
			// Log streams and synchronous submits hold the response open.
			WriteTimeout: 0,
			IdleTimeout:  2 * time.Minute,
		},
		logger: opts.Logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
