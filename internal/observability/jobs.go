package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every coderunner instrument.
const MeterName = "coderunner"

// JobMetrics records job lifecycle measurements.
type JobMetrics struct {
	finished metric.Int64Counter
	duration metric.Float64Histogram
	running  metric.Int64UpDownCounter
}

// NewJobMetrics registers the job instruments on the global MeterProvider.
// Call it after InitMetrics so the instruments reach the Prometheus exporter.
func NewJobMetrics() (*JobMetrics, error) {
	meter := otel.Meter(MeterName)

	finished, err := meter.Int64Counter("coderunner.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}

	duration, err := meter.Float64Histogram("coderunner.job.duration",
		metric.WithDescription("Wall-clock duration of job execution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	running, err := meter.Int64UpDownCounter("coderunner.jobs.running",
		metric.WithDescription("Jobs currently executing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create running counter: %w", err)
	}

	return &JobMetrics{finished: finished, duration: duration, running: running}, nil
}

// Started marks one more job as executing.
func (m *JobMetrics) Started(ctx context.Context) {
	if m == nil {
		return
	}
	m.running.Add(ctx, 1)
}

// Finished records the terminal status and elapsed time of a job that was counted by Started.
func (m *JobMetrics) Finished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.running.Add(ctx, -1)
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Skipped records a terminal status for a job that never started executing.
func (m *JobMetrics) Skipped(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
