// Package worker contains the Runner that consumes the job queue and supervises executions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coderunner/internal/logger"
	"coderunner/internal/observability"
	"coderunner/internal/store"
	"coderunner/internal/worker/runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Exit code and error reasons recorded for jobs that never produced a process exit.
const (
	ExitCodeNotRun = 127

	ReasonMissingEntry = "missing entry file"
	ReasonTimeout      = "timeout"
	ReasonNonZeroExit  = "non-zero exit"
	ReasonCanceled     = "canceled"
)

// Config holds configuration for the Runner.
type Config struct {
	ID          string
	Concurrency int

	// StopTimeout bounds the forced teardown after a timeout or cancel,
	// and the runtime cleanup of every job.
	StopTimeout time.Duration

	// DrainTimeout bounds how long output is still read after the process exited.
	DrainTimeout time.Duration

	// InheritEnv starts the child environment from the runner's own.
	InheritEnv bool

	// DefaultInterpreter prefixes the command when the spec has no interpreter.
	DefaultInterpreter []string

	// MaxLineBytes caps one log entry; longer output is split into several.
	MaxLineBytes int
}

// DefaultMaxLineBytes is the log entry cap used when Config.MaxLineBytes is unset.
const DefaultMaxLineBytes = 64 * 1024

// errJobCanceled is the cancel cause of jobs stopped through Cancel.
var errJobCanceled = errors.New("job canceled")

// errSkipped marks a dequeued job that was not executed by this runner.
var errSkipped = errors.New("job skipped")

// Runner pulls job ids off the queue and executes them one per slot.
type Runner struct {
	jobs    store.JobStore
	logs    store.LogStore
	queue   store.Queue
	runtime runtime.Runtime
	config  Config
	logger  *zap.Logger
	metrics *observability.JobMetrics
	tracer  trace.Tracer

	canceler *Canceler

	// mu serializes claiming a job against Cancel.
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc

	done chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records job measurements on m.
func WithMetrics(m *observability.JobMetrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// New creates a new Runner.
func New(jobs store.JobStore, logs store.LogStore, q store.Queue, rt runtime.Runtime, config Config, log *zap.Logger, opts ...Option) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runner{
		jobs:    jobs,
		logs:    logs,
		queue:   q,
		runtime: rt,
		config:  config,
		logger:  log.With(zap.String("worker_id", config.ID)),
		tracer:  otel.Tracer("coderunner/worker"),
		active:  make(map[string]context.CancelCauseFunc),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.canceler = NewCanceler(jobs, logs, r.metrics)
	return r
}

// Enqueue hands a created job to the queue this runner consumes.
func (r *Runner) Enqueue(ctx context.Context, id string) error {
	return r.queue.Enqueue(ctx, id)
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On cancellation it stops dequeuing and lets in-flight jobs finish.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner starting", zap.Int("concurrency", r.config.Concurrency))

	// Semaphore to limit concurrency
	sem := make(chan struct{}, r.config.Concurrency)
	var wg sync.WaitGroup

	stop := func() error {
		r.logger.Info("context cancelled, waiting for running jobs to finish")
		wg.Wait()
		close(r.done)
		return ctx.Err()
	}

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return stop()
		}

		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return stop()
			}
			r.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			// Jobs run to completion even after shutdown starts; their own timeout bounds them.
			r.process(context.WithoutCancel(ctx), id)
		}()
	}
}

// Done returns a channel that is closed when the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Cancel stops job id. A running job on this runner is torn down and finishes
// canceled; a queued job is finished canceled without running. Jobs running
// on another runner yield store.ErrNotCancelable.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.active[id]; ok {
		cancel(errJobCanceled)
		return nil
	}
	return r.canceler.Cancel(ctx, id)
}

// process handles one dequeued job. Whatever happens, a job that was claimed
// ends with its log sealed exactly once.
func (r *Runner) process(ctx context.Context, id string) {
	ctx = logger.WithJobID(ctx, id)
	log := logger.FromContext(ctx, r.logger)

	ctx, span := r.tracer.Start(ctx, "process_job",
		trace.WithAttributes(attribute.String("job.id", id)),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	seal := true
	defer func() {
		if p := recover(); p != nil {
			log.Error("runner panic", zap.Any("panic", p), zap.Stack("stack"))
			r.crashed(ctx, id, fmt.Errorf("panic: %v", p), span)
		}
		if !seal {
			return
		}
		if err := r.logs.MarkComplete(ctx, id); err != nil {
			log.Error("failed to seal log", zap.Error(err))
		}
	}()

	err := r.execute(ctx, id, span)
	switch {
	case errors.Is(err, errSkipped):
		seal = false
	case err != nil:
		log.Error("runner crashed", zap.Error(err))
		r.crashed(ctx, id, err, span)
	}
}

// crashed records an orchestration failure. The terminal write is best effort
// and fails harmlessly if the record is already terminal.
func (r *Runner) crashed(ctx context.Context, id string, cause error, span trace.Span) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "runner crashed")

	r.appendLine(ctx, id, fmt.Sprintf("[runner] runner crashed: %v", cause))
	_, err := r.jobs.MarkFinished(ctx, id, store.Outcome{
		Status: store.StatusFailed,
		Error:  store.StringPtr(fmt.Sprintf("runner crashed: %v", cause)),
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		logger.FromContext(ctx, r.logger).Warn("could not record crash", zap.Error(err))
	}
}

// claim moves a queued job to running and registers its cancel func.
func (r *Runner) claim(ctx context.Context, id string, cancel context.CancelCauseFunc) (*store.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if rec.Status != store.StatusQueued {
		logger.FromContext(ctx, r.logger).Info("skipping job", zap.String("status", string(rec.Status)))
		return nil, errSkipped
	}

	rec, err = r.jobs.MarkRunning(ctx, id)
	if errors.Is(err, store.ErrTerminal) {
		// Finished by another process between Get and MarkRunning; it sealed the log.
		logger.FromContext(ctx, r.logger).Info("job finished before it could start")
		return nil, errSkipped
	}
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	r.active[id] = cancel
	return rec, nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// execute runs the claimed job through spawn, supervision and finalization.
func (r *Runner) execute(ctx context.Context, id string, span trace.Span) error {
	log := logger.FromContext(ctx, r.logger)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rec, err := r.claim(ctx, id, cancel)
	if err != nil {
		return err
	}
	defer r.release(id)

	started := time.Now()
	r.metrics.Started(ctx)
	status := store.StatusFailed
	defer func() {
		r.metrics.Finished(ctx, string(status), time.Since(started))
	}()

	r.appendLine(ctx, id, fmt.Sprintf("[runner] starting job %s", id))

	spec := rec.Spec
	entryPath := filepath.Join(rec.Paths.Code, spec.Entry)
	if info, statErr := os.Stat(entryPath); statErr != nil || !info.Mode().IsRegular() {
		r.appendLine(ctx, id, fmt.Sprintf("[runner] entry file not found: %s", entryPath))
		_, err := r.jobs.MarkFinished(ctx, id, store.Outcome{
			Status:   store.StatusFailed,
			ExitCode: store.IntPtr(ExitCodeNotRun),
			Error:    store.StringPtr(ReasonMissingEntry),
		})
		return r.finishErr(ctx, err)
	}

	opts := runtime.StartOptions{
		JobID:     id,
		Command:   buildCommand(r.config.DefaultInterpreter, spec, entryPath),
		WorkDir:   rec.Paths.Code,
		InputDir:  rec.Paths.Input,
		OutputDir: rec.Paths.Artifacts,
		Env:       buildEnv(r.ambientEnv(), id, rec.Paths, spec.Env),
		Limits: runtime.Limits{
			CPUs:         spec.CPULimit,
			MemoryMB:     spec.MemLimitMB,
			Pids:         spec.PidsLimit,
			AllowNetwork: spec.NetPolicy == store.NetPolicyOutbound,
		},
	}
	span.SetAttributes(
		attribute.String("job.entry", spec.Entry),
		attribute.Int("job.timeout_sec", spec.TimeoutSec),
		attribute.String("job.net_policy", string(spec.NetPolicy)),
	)

	handle, spawnErr := r.runtime.Start(runCtx, opts)
	if spawnErr != nil {
		log.Warn("failed to spawn process", zap.Error(spawnErr))
		span.RecordError(spawnErr)
		r.appendLine(ctx, id, fmt.Sprintf("[runner] failed to spawn process: %v", spawnErr))
		_, err := r.jobs.MarkFinished(ctx, id, store.Outcome{
			Status:   store.StatusFailed,
			ExitCode: store.IntPtr(ExitCodeNotRun),
			Error:    store.StringPtr(spawnErr.Error()),
		})
		return r.finishErr(ctx, err)
	}
	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(ctx, r.config.StopTimeout)
		defer cleanupCancel()
		if err := handle.Cleanup(cleanupCtx); err != nil {
			log.Warn("runtime cleanup failed", zap.Error(err))
		}
	}()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	readerDone := make(chan struct{})
	var readerPanic error
	go func() {
		defer close(readerDone)
		defer func() {
			if p := recover(); p != nil {
				log.Error("output reader panic", zap.Any("panic", p), zap.Stack("stack"))
				readerPanic = fmt.Errorf("output reader panic: %v", p)
				cancel(readerPanic)
			}
		}()
		r.pumpOutput(readCtx, id, handle)
	}()

	result, reason := r.supervise(runCtx, handle, spec.Timeout())

	select {
	case <-readerDone:
	case <-time.After(r.config.DrainTimeout):
		log.Warn("output still open after exit, closing it")
		stopReading()
		<-readerDone
	}
	if readerPanic != nil {
		return readerPanic
	}

	out := store.Outcome{
		Status:    store.StatusFailed,
		ExitCode:  store.IntPtr(result.ExitCode),
		Artifacts: listArtifacts(rec.Paths.Artifacts, log),
	}
	switch {
	case reason == ReasonCanceled:
		r.appendLine(ctx, id, "[runner] job canceled, process terminated")
		out.Status = store.StatusCanceled
		out.Error = store.StringPtr(ReasonCanceled)
	case reason == ReasonTimeout:
		r.appendLine(ctx, id, "[runner] timeout exceeded, process terminated")
		out.Error = store.StringPtr(ReasonTimeout)
	case reason != "":
		out.Error = store.StringPtr(reason)
	case result.ExitCode == 0:
		out.Status = store.StatusSucceeded
	default:
		if result.Error != nil {
			log.Info("process failed", zap.Error(result.Error))
		}
		out.Error = store.StringPtr(ReasonNonZeroExit)
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode), attribute.String("job.status", string(out.Status)))
	if out.Status != store.StatusSucceeded {
		span.SetStatus(codes.Error, *out.Error)
	}

	r.appendLine(ctx, id, fmt.Sprintf("[runner] finished with code %d", result.ExitCode))
	_, err = r.jobs.MarkFinished(ctx, id, out)
	if err == nil {
		status = out.Status
		log.Info("job finished",
			zap.String("status", string(out.Status)),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
	return r.finishErr(ctx, err)
}

// supervise waits for the process within timeout. On timeout or cancel the
// process is killed and its forced exit awaited; reason names which fired.
func (r *Runner) supervise(runCtx context.Context, handle runtime.Handle, timeout time.Duration) (runtime.ExitResult, string) {
	waitCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	result, err := handle.Wait(waitCtx)
	if err == nil {
		return result, ""
	}

	reason := ReasonTimeout
	if errors.Is(context.Cause(runCtx), errJobCanceled) {
		reason = ReasonCanceled
	} else if waitCtx.Err() == nil {
		// The runtime failed on its own, not through our deadline.
		return runtime.ExitResult{ExitCode: -1, Error: err}, fmt.Sprintf("runtime error: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(runCtx), r.config.StopTimeout)
	defer stopCancel()

	log := logger.FromContext(runCtx, r.logger)
	if err := handle.Stop(stopCtx); err != nil {
		log.Warn("failed to stop process", zap.Error(err))
	}
	result, err = handle.Wait(stopCtx)
	if err != nil {
		log.Error("process did not exit after stop", zap.Error(err))
		return runtime.ExitResult{ExitCode: -1, Error: err}, reason
	}
	return result, reason
}

// finishErr treats a lost race against an external cancel as success.
func (r *Runner) finishErr(ctx context.Context, err error) error {
	if errors.Is(err, store.ErrTerminal) {
		logger.FromContext(ctx, r.logger).Warn("job was finished concurrently")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

// appendLine writes a runner diagnostic; a failing log store never aborts the job.
func (r *Runner) appendLine(ctx context.Context, id, line string) {
	if err := r.logs.Append(ctx, id, line+"\n"); err != nil {
		logger.FromContext(ctx, r.logger).Warn("failed to append log line", zap.Error(err))
	}
}

func (r *Runner) ambientEnv() []string {
	if !r.config.InheritEnv {
		return nil
	}
	return os.Environ()
}
