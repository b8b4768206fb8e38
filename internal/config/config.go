// Package config loads process settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the store, log and queue settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Runtime names.
const (
	RuntimeExec       = "exec"
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// Config holds all configuration values for the application.
// It is built once at startup and passed explicitly into constructors.
type Config struct {
	// Root directory holding one subdirectory per job
	DataDir string `mapstructure:"data_dir"`

	// HTTP server port for the API
	HTTPPort int `mapstructure:"http_port"`

	// Backends: memory | redis (store and queue also accept postgres)
	StoreBackend string `mapstructure:"store_backend"`
	LogBackend   string `mapstructure:"log_backend"`
	QueueBackend string `mapstructure:"queue_backend"`

	RedisURL       string `mapstructure:"redis_url"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`
	QueueKey       string `mapstructure:"queue_key"`
	QueueSize      int    `mapstructure:"queue_size"`

	// Database connection string (postgres store)
	DatabaseURL string `mapstructure:"database_url"`

	// Run a Runner inside the API process
	InlineWorker bool `mapstructure:"inline_worker"`

	// Mirror in-memory logs to <job>/logs.txt
	LogMirror bool `mapstructure:"log_mirror"`

	// Execution strategy: exec | docker | kubernetes
	Runtime             string `mapstructure:"runtime"`
	SandboxImage        string `mapstructure:"sandbox_image"`
	KubernetesNamespace string `mapstructure:"kubernetes_namespace"`

	// Worker-specific configuration
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	WorkerStopTimeout time.Duration `mapstructure:"worker_stop_timeout"`
	WorkerInheritEnv  bool          `mapstructure:"worker_inherit_env"`
	// Command prefix used when a job spec names no interpreter
	DefaultInterpreter []string      `mapstructure:"default_interpreter"`
	QueueBlockTimeout  time.Duration `mapstructure:"queue_block_timeout"`

	// Port of the standalone worker's metrics server
	MetricsPort int `mapstructure:"metrics_port"`

	LogLevel string `mapstructure:"log_level"`

	// OTLP gRPC collector address; empty disables trace export
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Per-client request rate limit
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"data_dir":             "JOB_DATA_DIR",
	"http_port":            "PORT",
	"store_backend":        "STORE_BACKEND",
	"log_backend":          "LOG_BACKEND",
	"queue_backend":        "QUEUE_BACKEND",
	"redis_url":            "REDIS_URL",
	"redis_key_prefix":     "REDIS_KEY_PREFIX",
	"queue_key":            "JOB_QUEUE_KEY",
	"queue_size":           "JOB_QUEUE_SIZE",
	"database_url":         "DATABASE_URL",
	"inline_worker":        "INLINE_WORKER",
	"log_mirror":           "LOG_MIRROR",
	"runtime":              "RUNTIME",
	"sandbox_image":        "SANDBOX_IMAGE",
	"kubernetes_namespace": "KUBERNETES_NAMESPACE",
	"worker_concurrency":   "WORKER_CONCURRENCY",
	"worker_stop_timeout":  "WORKER_STOP_TIMEOUT",
	"worker_inherit_env":   "WORKER_INHERIT_ENV",
	"default_interpreter":  "DEFAULT_INTERPRETER",
	"queue_block_timeout":  "QUEUE_BLOCK_TIMEOUT",
	"metrics_port":         "METRICS_PORT",
	"log_level":            "LOG_LEVEL",
	"otel_endpoint":        "OTEL_EXPORTER_OTLP_ENDPOINT",
	"rate_limit_rps":       "RATE_LIMIT_RPS",
	"rate_limit_burst":     "RATE_LIMIT_BURST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data/jobs")
	v.SetDefault("http_port", 8765)
	v.SetDefault("store_backend", BackendMemory)
	v.SetDefault("log_backend", BackendMemory)
	v.SetDefault("queue_backend", BackendMemory)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_key_prefix", "coderunner:")
	v.SetDefault("queue_key", "jobs:queue")
	v.SetDefault("queue_size", 1024)
	v.SetDefault("database_url", "")
	v.SetDefault("inline_worker", true)
	v.SetDefault("log_mirror", true)
	v.SetDefault("runtime", RuntimeExec)
	v.SetDefault("sandbox_image", "python:3.12-slim")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_stop_timeout", 10*time.Second)
	v.SetDefault("worker_inherit_env", true)
	v.SetDefault("default_interpreter", []string{"python3"})
	v.SetDefault("queue_block_timeout", 2*time.Second)
	v.SetDefault("metrics_port", 8766)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
}

// Load reads configuration from the YAML file at path (optional, "" to skip)
// and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required (env: JOB_DATA_DIR)"))
	}
	if !oneOf(c.StoreBackend, BackendMemory, BackendRedis, BackendPostgres) {
		errs = append(errs, fmt.Errorf("invalid store_backend %q (memory, redis, postgres)", c.StoreBackend))
	}
	if !oneOf(c.LogBackend, BackendMemory, BackendRedis) {
		errs = append(errs, fmt.Errorf("invalid log_backend %q (memory, redis)", c.LogBackend))
	}
	if !oneOf(c.QueueBackend, BackendMemory, BackendRedis, BackendPostgres) {
		errs = append(errs, fmt.Errorf("invalid queue_backend %q (memory, redis, postgres)", c.QueueBackend))
	}
	if !oneOf(c.Runtime, RuntimeExec, RuntimeDocker, RuntimeKubernetes) {
		errs = append(errs, fmt.Errorf("invalid runtime %q (exec, docker, kubernetes)", c.Runtime))
	}
	if c.UsesRedis() && c.RedisURL == "" {
		errs = append(errs, errors.New("redis_url is required (env: REDIS_URL)"))
	}
	if c.UsesPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required (env: DATABASE_URL)"))
	}
	if c.QueueBackend == BackendPostgres && c.StoreBackend != BackendPostgres {
		errs = append(errs, errors.New("queue_backend postgres requires store_backend postgres"))
	}
	if c.Runtime != RuntimeExec && c.SandboxImage == "" {
		errs = append(errs, errors.New("sandbox_image is required (env: SANDBOX_IMAGE)"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency))
	}
	if len(c.DefaultInterpreter) == 0 {
		errs = append(errs, errors.New("default_interpreter must not be empty (env: DEFAULT_INTERPRETER)"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.StoreBackend == BackendRedis || c.LogBackend == BackendRedis || c.QueueBackend == BackendRedis
}

// UsesPostgres reports whether any backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.StoreBackend == BackendPostgres || c.QueueBackend == BackendPostgres
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
