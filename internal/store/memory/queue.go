package memory

import (
	"context"
	"fmt"
)

// DefaultQueueSize bounds the number of ids waiting in an in-process queue.
const DefaultQueueSize = 1024

// Queue is a FIFO backed by a buffered channel; a receive removes the id,
// so each id reaches exactly one consumer.
type Queue struct {
	ch chan string
}

// NewQueue creates a queue holding up to size pending ids.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan string, size)}
}

// Enqueue blocks while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", id, ctx.Err())
	}
}

func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of ids waiting to be dequeued.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
