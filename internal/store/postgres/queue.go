package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is how long Dequeue sleeps when the queue is empty.
const DefaultPollInterval = 500 * time.Millisecond

// Queue is a FIFO backed by the job_queue table.
// Dequeue claims the oldest row with FOR UPDATE SKIP LOCKED and deletes it in
// the same statement, so concurrent workers never receive the same id.
type Queue struct {
	db   *sql.DB
	poll time.Duration
}

// NewQueue creates a queue sharing the store's connection pool.
func NewQueue(s *Store, poll time.Duration) *Queue {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Queue{db: s.db, poll: poll}
}

func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `INSERT INTO job_queue (job_id) VALUES ($1)`, id); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

const claimQuery = `
	DELETE FROM job_queue
	WHERE id = (
		SELECT id FROM job_queue
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING job_id
`

func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		var id string
		err := q.db.QueryRowContext(ctx, claimQuery).Scan(&id)
		if err == nil {
			return id, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dequeue: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
