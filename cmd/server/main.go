// Package main is the entry point for the coderunner API server.
// By default it also runs jobs in-process; with INLINE_WORKER=false it only
// accepts submissions and standalone workers consume the shared queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coderunner/internal/bootstrap"
	"coderunner/internal/config"
	"coderunner/internal/controller"
	"coderunner/internal/controller/handlers"
	"coderunner/internal/controller/middleware"
	"coderunner/internal/logger"
	"coderunner/internal/observability"
	"coderunner/internal/worker"

	"go.uber.org/zap"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		zl.Fatal("Failed to create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	backends, err := bootstrap.Open(ctx, cfg, *migrateFlag, zl)
	if err != nil {
		zl.Fatal("Failed to open backends", zap.Error(err))
	}
	defer backends.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "coderunner-server", cfg.OTELEndpoint)
	if err != nil {
		zl.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			zl.Warn("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "coderunner-server")
	if err != nil {
		zl.Fatal("Failed to init metrics", zap.Error(err))
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			zl.Warn("Failed to shutdown metrics", zap.Error(err))
		}
	}()
	if err := bootstrap.RegisterQueueDepth(backends.Queue, zl); err != nil {
		zl.Warn("Failed to register queue depth metric", zap.Error(err))
	}
	jobMetrics, err := observability.NewJobMetrics()
	if err != nil {
		zl.Fatal("Failed to create job metrics", zap.Error(err))
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		zl.Fatal("Failed to create http metrics", zap.Error(err))
	}

	// The inline runner cancels running jobs too; without it only queued jobs can be canceled.
	var canceler handlers.Canceler = worker.NewCanceler(backends.Jobs, backends.Logs, jobMetrics)
	var runner *worker.Runner
	if cfg.InlineWorker {
		runner, err = bootstrap.NewRunner(cfg, backends, jobMetrics, zl)
		if err != nil {
			zl.Fatal("Failed to create runner", zap.Error(err))
		}
		canceler = runner
	}

	h := handlers.New(handlers.Deps{
		Jobs:     backends.Jobs,
		Logs:     backends.Logs,
		Queue:    backends.Queue,
		Canceler: canceler,
		Pingers:  backends.Pingers,
		DataDir:  cfg.DataDir,
		Logger:   zl,
	})

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, controller.Options{
		Metrics:     metricsHandler,
		HTTPMetrics: httpMetrics,
		RateLimiter: middleware.NewRateLimiter(middleware.WithRate(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		Logger:      zl,
	})

	if runner != nil {
		go func() {
			zl.Info("Inline runner started", zap.Int("concurrency", cfg.WorkerConcurrency))
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("Runner stopped", zap.Error(err))
			}
		}()
	}

	zl.Info("coderunner server starting", zap.String("addr", addr), zap.Bool("inline_worker", cfg.InlineWorker))
	if err := srv.Run(ctx); err != nil {
		zl.Error("Server stopped", zap.Error(err))
	}

	// Graceful Shutdown
	if runner != nil {
		zl.Info("Waiting for in-flight jobs...")
		select {
		case <-runner.Done():
		case <-time.After(cfg.WorkerStopTimeout + time.Minute):
			zl.Warn("In-flight jobs did not finish in time")
		}
	}
	zl.Info("Server exited properly")
}
