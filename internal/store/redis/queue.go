package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultBlockTimeout is how long a single BRPOP waits before Dequeue re-checks its context.
const DefaultBlockTimeout = 2 * time.Second

// Queue is a list used as a FIFO: LPUSH on enqueue, BRPOP on dequeue.
// BRPOP removes the element atomically, so each id reaches one consumer.
type Queue struct {
	rdb   *goredis.Client
	key   string
	block time.Duration
}

// NewQueue creates a queue stored under key.
func NewQueue(rdb *goredis.Client, key string, block time.Duration) *Queue {
	if block <= 0 {
		block = DefaultBlockTimeout
	}
	return &Queue{rdb: rdb, key: key, block: block}
}

func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := q.rdb.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := contextErr(ctx); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("dequeue: %w", err)
		}
		return res[1], nil
	}
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// contextErr reports ctx's error, treating a passed deadline as exceeded even
// before the context's own timer has fired.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}
