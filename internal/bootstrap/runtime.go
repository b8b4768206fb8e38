package bootstrap

import (
	"fmt"
	"os"

	"coderunner/internal/config"
	"coderunner/internal/observability"
	"coderunner/internal/worker"
	"coderunner/internal/worker/runtime"

	"go.uber.org/zap"
)

// NewRuntime creates the process runtime named by cfg.Runtime.
func NewRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeExec:
		return runtime.NewExecRuntime(), nil
	case config.RuntimeDocker:
		return runtime.NewDockerRuntime(runtime.DockerConfig{Image: cfg.SandboxImage})
	case config.RuntimeKubernetes:
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace: cfg.KubernetesNamespace,
			Image:     cfg.SandboxImage,
		})
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

// RunnerConfig maps the worker settings onto a runner configuration.
// The host environment is only inherited by the exec runtime; container
// images bring their own PATH.
func RunnerConfig(cfg *config.Config) worker.Config {
	id, err := os.Hostname()
	if err != nil || id == "" {
		id = "runner"
	}
	return worker.Config{
		ID:                 fmt.Sprintf("%s-%d", id, os.Getpid()),
		Concurrency:        cfg.WorkerConcurrency,
		StopTimeout:        cfg.WorkerStopTimeout,
		InheritEnv:         cfg.WorkerInheritEnv && cfg.Runtime == config.RuntimeExec,
		DefaultInterpreter: cfg.DefaultInterpreter,
	}
}

// NewRunner builds a runner over the opened backends and the configured runtime.
func NewRunner(cfg *config.Config, b *Backends, metrics *observability.JobMetrics, log *zap.Logger) (*worker.Runner, error) {
	rt, err := NewRuntime(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s runtime: %w", cfg.Runtime, err)
	}
	log.Info("runtime ready", zap.String("runtime", cfg.Runtime), zap.String("image", cfg.SandboxImage))
	return worker.New(b.Jobs, b.Logs, b.Queue, rt, RunnerConfig(cfg), log, worker.WithMetrics(metrics)), nil
}
