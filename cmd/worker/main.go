// Package main is the entry point for the standalone coderunner worker.
// It consumes a shared Redis or Postgres queue, so any number of workers can run
// next to an API server started with INLINE_WORKER=false.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"coderunner/internal/bootstrap"
	"coderunner/internal/config"
	"coderunner/internal/logger"
	"coderunner/internal/observability"

	"go.uber.org/zap"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	// An in-memory queue is private to one process.
	if cfg.QueueBackend == config.BackendMemory || cfg.StoreBackend == config.BackendMemory || cfg.LogBackend != config.BackendRedis {
		zl.Fatal("Standalone workers need shared backends",
			zap.String("hint", "set LOG_BACKEND=redis and QUEUE_BACKEND, STORE_BACKEND to redis or postgres"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg, *migrateFlag, zl)
	if err != nil {
		zl.Fatal("Failed to open backends", zap.Error(err))
	}
	defer backends.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "coderunner-worker", cfg.OTELEndpoint)
	if err != nil {
		zl.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			zl.Warn("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "coderunner-worker")
	if err != nil {
		zl.Fatal("Failed to init metrics", zap.Error(err))
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			zl.Warn("Failed to shutdown metrics", zap.Error(err))
		}
	}()
	jobMetrics, err := observability.NewJobMetrics()
	if err != nil {
		zl.Fatal("Failed to create job metrics", zap.Error(err))
	}

	runner, err := bootstrap.NewRunner(cfg, backends, jobMetrics, zl)
	if err != nil {
		zl.Fatal("Failed to create runner", zap.Error(err))
	}

	// Start a dedicated metrics server
	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux(metricsHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zl.Info("Worker metrics listening", zap.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("Metrics server error", zap.Error(err))
		}
	}()

	zl.Info("Worker started", zap.Int("concurrency", cfg.WorkerConcurrency), zap.String("runtime", cfg.Runtime))
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("Runner stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
	zl.Info("Worker exited properly")
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
