// Package runtime provides the execution backends a Runner launches jobs with.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// Runtime defines the interface for executing jobs.
// Implementations include raw processes, Docker containers and Kubernetes pods.
type Runtime interface {
	// Start launches the command and returns a handle to it.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Limits is the resource and network envelope of one job.
type Limits struct {
	CPUs         float64
	MemoryMB     int
	Pids         int
	AllowNetwork bool
}

// StartOptions contains the parameters for starting a job.
// Paths are absolute host paths; sandboxed runtimes mount them at the same
// location so the environment contract is identical in every mode.
type StartOptions struct {
	JobID     string
	Command   []string
	WorkDir   string // code directory, mounted read-only in sandboxes
	InputDir  string // mounted read-only in sandboxes
	OutputDir string // the only writable mount in sandboxes
	Env       map[string]string
	Limits    Limits
}

// ExitResult is the outcome of a finished process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running job execution.
type Handle interface {
	// StreamLogs returns the combined stdout/stderr stream. It ends when the process exits.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Wait blocks until the process exits or ctx is done. It may be called more than once.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the process.
	Stop(ctx context.Context) error

	// Cleanup releases everything the runtime created for the job.
	Cleanup(ctx context.Context) error
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(list)
	return list
}
