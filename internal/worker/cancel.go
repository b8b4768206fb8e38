package worker

import (
	"context"
	"fmt"

	"coderunner/internal/observability"
	"coderunner/internal/store"
)

// Canceler finishes queued jobs as canceled before any runner picks them up.
// Processes without a Runner use it directly.
type Canceler struct {
	jobs    store.JobStore
	logs    store.LogStore
	metrics *observability.JobMetrics
}

// NewCanceler creates a Canceler; metrics may be nil.
func NewCanceler(jobs store.JobStore, logs store.LogStore, metrics *observability.JobMetrics) *Canceler {
	return &Canceler{jobs: jobs, logs: logs, metrics: metrics}
}

// Cancel finishes a queued job as canceled and seals its log.
func (c *Canceler) Cancel(ctx context.Context, id string) error {
	rec, err := c.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case rec.Status.Terminal():
		return fmt.Errorf("job %s is %s: %w", id, rec.Status, store.ErrTerminal)
	case rec.Status == store.StatusRunning:
		return store.ErrNotCancelable
	}

	if _, err := c.jobs.MarkFinished(ctx, id, store.Outcome{
		Status: store.StatusCanceled,
		Error:  store.StringPtr(ReasonCanceled),
	}); err != nil {
		return err
	}
	c.metrics.Skipped(ctx, string(store.StatusCanceled))

	if err := c.logs.Append(ctx, id, "[runner] job canceled before start\n"); err != nil {
		return fmt.Errorf("append cancel line: %w", err)
	}
	return c.logs.MarkComplete(ctx, id)
}
