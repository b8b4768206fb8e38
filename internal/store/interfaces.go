package store

import (
	"context"
	"iter"
)

// JobStore is the queryable map from job id to JobRecord.
// Every mutating call is an atomic read-merge-write on a single record and
// fails with ErrTerminal once the record reached a terminal status.
type JobStore interface {
	// Create inserts a queued record. Fails with ErrAlreadyExists if id is taken.
	Create(ctx context.Context, id string, spec JobSpec, paths JobPaths) (*JobRecord, error)

	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*JobRecord, error)

	// MarkRunning sets status=running and started_at=now.
	MarkRunning(ctx context.Context, id string) (*JobRecord, error)

	// MarkFinished writes the terminal status, finished_at, exit code, error and artifacts.
	MarkFinished(ctx context.Context, id string, out Outcome) (*JobRecord, error)

	// UpdateArtifacts replaces the artifact list only.
	UpdateArtifacts(ctx context.Context, id string, artifacts []string) error
}

// LogStore is an append-only, per-job line log with live subscription.
type LogStore interface {
	// Register (re)initializes an empty, non-complete log for id.
	Register(ctx context.Context, id string) error

	// Append adds one line and wakes subscribers.
	Append(ctx context.Context, id, line string) error

	// MarkComplete seals the log; subscribers drain and terminate.
	MarkComplete(ctx context.Context, id string) error

	// Tail returns a snapshot of every line appended so far.
	Tail(ctx context.Context, id string) ([]string, error)

	// Stream yields lines from startAt onward, blocking for new ones until the
	// log is sealed or ctx is done. Each call is an independent subscriber.
	Stream(ctx context.Context, id string, startAt int) iter.Seq2[string, error]
}

// Queue hands job ids to runners. Each id is delivered to exactly one consumer.
type Queue interface {
	Enqueue(ctx context.Context, id string) error

	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)

	// Len reports how many ids are waiting.
	Len(ctx context.Context) (int64, error)
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
