package bootstrap

import (
	"context"

	"coderunner/internal/observability"
	"coderunner/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RegisterQueueDepth exposes the number of waiting job ids as an observable
// gauge. The queue is only read when metrics are scraped.
func RegisterQueueDepth(q store.Queue, log *zap.Logger) error {
	meter := otel.Meter(observability.MeterName)
	_, err := meter.Int64ObservableGauge("coderunner.queue.depth",
		metric.WithDescription("Current number of jobs in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := q.Len(ctx)
			if err != nil {
				log.Warn("failed to read queue depth", zap.Error(err))
				return nil // Don't fail the scrape on a backend error
			}
			obs.Observe(count)
			return nil
		}),
	)
	return err
}
