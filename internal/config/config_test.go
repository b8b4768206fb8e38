package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != "data/jobs" {
		t.Errorf("expected DataDir data/jobs, got %s", cfg.DataDir)
	}
	if cfg.HTTPPort != 8765 {
		t.Errorf("expected HTTPPort 8765, got %d", cfg.HTTPPort)
	}
	if cfg.StoreBackend != BackendMemory || cfg.LogBackend != BackendMemory || cfg.QueueBackend != BackendMemory {
		t.Errorf("expected memory backends, got %s/%s/%s", cfg.StoreBackend, cfg.LogBackend, cfg.QueueBackend)
	}
	if cfg.QueueKey != "jobs:queue" {
		t.Errorf("expected QueueKey jobs:queue, got %s", cfg.QueueKey)
	}
	if !cfg.InlineWorker {
		t.Error("expected InlineWorker true")
	}
	if !cfg.LogMirror {
		t.Error("expected LogMirror true")
	}
	if cfg.Runtime != RuntimeExec {
		t.Errorf("expected Runtime exec, got %s", cfg.Runtime)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Errorf("expected WorkerConcurrency 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerStopTimeout != 10*time.Second {
		t.Errorf("expected WorkerStopTimeout 10s, got %v", cfg.WorkerStopTimeout)
	}
	if cfg.QueueBlockTimeout != 2*time.Second {
		t.Errorf("expected QueueBlockTimeout 2s, got %v", cfg.QueueBlockTimeout)
	}
	if cfg.MetricsPort != 8766 {
		t.Errorf("expected MetricsPort 8766, got %d", cfg.MetricsPort)
	}
	if cfg.OTELEndpoint != "" {
		t.Errorf("expected empty OTELEndpoint, got %s", cfg.OTELEndpoint)
	}
	if cfg.UsesRedis() {
		t.Error("expected no redis usage by default")
	}
	if len(cfg.DefaultInterpreter) != 1 || cfg.DefaultInterpreter[0] != "python3" {
		t.Errorf("expected DefaultInterpreter [python3], got %v", cfg.DefaultInterpreter)
	}
}

func TestLoad_DefaultInterpreterFromEnv(t *testing.T) {
	t.Setenv("DEFAULT_INTERPRETER", "python3,-u")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.DefaultInterpreter) != 2 || cfg.DefaultInterpreter[0] != "python3" || cfg.DefaultInterpreter[1] != "-u" {
		t.Errorf("expected [python3 -u], got %v", cfg.DefaultInterpreter)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("JOB_DATA_DIR", "/srv/jobs")
	t.Setenv("PORT", "9999")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("LOG_BACKEND", "redis")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("JOB_QUEUE_KEY", "custom:queue")
	t.Setenv("INLINE_WORKER", "false")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("WORKER_STOP_TIMEOUT", "30s")
	t.Setenv("RUNTIME", "docker")
	t.Setenv("SANDBOX_IMAGE", "python:3.13")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != "/srv/jobs" {
		t.Errorf("expected DataDir from env, got %s", cfg.DataDir)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if !cfg.UsesRedis() || cfg.RedisURL != "redis://cache:6379/0" {
		t.Errorf("expected redis backends, got %+v", cfg)
	}
	if cfg.QueueKey != "custom:queue" {
		t.Errorf("expected QueueKey custom:queue, got %s", cfg.QueueKey)
	}
	if cfg.InlineWorker {
		t.Error("expected InlineWorker false")
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected WorkerConcurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerStopTimeout != 30*time.Second {
		t.Errorf("expected WorkerStopTimeout 30s, got %v", cfg.WorkerStopTimeout)
	}
	if cfg.Runtime != RuntimeDocker || cfg.SandboxImage != "python:3.13" {
		t.Errorf("expected docker runtime with python:3.13, got %s %s", cfg.Runtime, cfg.SandboxImage)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("expected RateLimitRPS 2.5, got %v", cfg.RateLimitRPS)
	}
}

func TestLoad_RedisRequiresURL(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "redis")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when REDIS_URL is missing")
	}
	if !strings.Contains(err.Error(), "redis_url is required (env: REDIS_URL)") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_PostgresQueueRequiresDatabaseURL(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "postgres")
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/coderunner")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.UsesPostgres() || cfg.UsesRedis() {
		t.Errorf("expected postgres only, got postgres=%v redis=%v", cfg.UsesPostgres(), cfg.UsesRedis())
	}
}

func TestLoad_PostgresQueueRequiresPostgresStore(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/coderunner")

	_, err := Load("")
	if err == nil || err.Error() != "queue_backend postgres requires store_backend postgres" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"runtime", "RUNTIME", "invalid"},
		{"log backend", "LOG_BACKEND", "postgres"},
		{"store backend", "STORE_BACKEND", "sqlite"},
		{"concurrency", "WORKER_CONCURRENCY", "0"},
		{"burst", "RATE_LIMIT_BURST", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coderunner.yaml")
	configContent := `
data_dir: /var/lib/coderunner
http_port: 7777
worker_concurrency: 10
runtime: kubernetes
kubernetes_namespace: sandboxes
log_mirror: false
`
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != "/var/lib/coderunner" {
		t.Errorf("expected DataDir from config file, got %s", cfg.DataDir)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 10 {
		t.Errorf("expected WorkerConcurrency 10, got %d", cfg.WorkerConcurrency)
	}
	if cfg.Runtime != RuntimeKubernetes || cfg.KubernetesNamespace != "sandboxes" {
		t.Errorf("expected kubernetes runtime in sandboxes, got %s %s", cfg.Runtime, cfg.KubernetesNamespace)
	}
	if cfg.LogMirror {
		t.Error("expected LogMirror false from config file")
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coderunner.yaml")
	if err := os.WriteFile(path, []byte("http_port: 7777\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("PORT", "8888")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("expected env to win, got %d", cfg.HTTPPort)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
