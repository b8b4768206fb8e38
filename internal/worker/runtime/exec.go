package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// It applies no isolation; limits are recorded by the caller only.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// ExecHandle represents a running child process.
type ExecHandle struct {
	cmd  *exec.Cmd
	logs *os.File

	streamOnce sync.Once
	done       chan struct{}
	result     ExitResult
}

// Start implements Runtime.Start using os/exec. The child gets exactly opts.Env,
// runs in opts.WorkDir and leads its own process group.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("no command specified")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = envList(opts.Env)
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	pw.Close()

	h := &ExecHandle{cmd: cmd, logs: pr, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

func (h *ExecHandle) wait() {
	err := h.cmd.Wait()
	// Reap stragglers that would otherwise keep the output pipe open.
	killProcessGroup(h.cmd.Process.Pid)

	h.result = exitResult(h.cmd.ProcessState, err)
	close(h.done)
}

func exitResult(state *os.ProcessState, err error) ExitResult {
	if state == nil {
		return ExitResult{ExitCode: -1, Error: err}
	}
	if sig, ok := terminatingSignal(state); ok {
		return ExitResult{ExitCode: -sig}
	}
	return ExitResult{ExitCode: state.ExitCode()}
}

func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	var rc io.ReadCloser
	h.streamOnce.Do(func() { rc = h.logs })
	if rc == nil {
		return nil, errors.New("log stream already taken")
	}
	return rc, nil
}

func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop kills the whole process group and waits until the child is reaped.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	killProcessGroup(h.cmd.Process.Pid)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("process %d did not exit: %w", h.cmd.Process.Pid, ctx.Err())
	}
}

// Cleanup closes the output stream if nobody consumed it.
func (h *ExecHandle) Cleanup(ctx context.Context) error {
	h.streamOnce.Do(func() { h.logs.Close() })
	return nil
}
