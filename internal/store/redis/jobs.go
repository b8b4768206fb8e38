package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coderunner/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic retries when a watched job key changes under us.
const maxTxRetries = 10

// JobStore keeps each record as a JSON value under its own key.
// Updates are WATCH/MULTI transactions, so concurrent writers to the same
// record serialize instead of silently overwriting each other.
type JobStore struct {
	rdb  *goredis.Client
	keys Keys
	now  func() time.Time
}

// NewJobStore creates a Redis-backed job store.
func NewJobStore(rdb *goredis.Client, keys Keys) *JobStore {
	return &JobStore{rdb: rdb, keys: keys, now: time.Now}
}

func (s *JobStore) Create(ctx context.Context, id string, spec store.JobSpec, paths store.JobPaths) (*store.JobRecord, error) {
	rec := store.NewJobRecord(id, spec, paths, s.now())
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", id, err)
	}

	ok, err := s.rdb.SetNX(ctx, s.keys.Job(id), payload, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("create %s: %w", id, store.ErrAlreadyExists)
	}
	return rec, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*store.JobRecord, error) {
	return s.load(ctx, s.rdb, id)
}

func (s *JobStore) MarkRunning(ctx context.Context, id string) (*store.JobRecord, error) {
	return s.update(ctx, id, func(rec *store.JobRecord) {
		now := s.now().UTC()
		rec.Status = store.StatusRunning
		rec.StartedAt = &now
	})
}

func (s *JobStore) MarkFinished(ctx context.Context, id string, out store.Outcome) (*store.JobRecord, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("mark finished %s as %q: %w", id, out.Status, store.ErrInvalidStatus)
	}
	return s.update(ctx, id, func(rec *store.JobRecord) {
		now := s.now().UTC()
		rec.Status = out.Status
		rec.FinishedAt = &now
		rec.ExitCode = out.ExitCode
		rec.Error = out.Error
		if out.Artifacts != nil {
			rec.Artifacts = append([]string{}, out.Artifacts...)
		}
	})
}

func (s *JobStore) UpdateArtifacts(ctx context.Context, id string, artifacts []string) error {
	_, err := s.update(ctx, id, func(rec *store.JobRecord) {
		rec.Artifacts = append([]string{}, artifacts...)
	})
	return err
}

func (s *JobStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *JobStore) load(ctx context.Context, c goredis.Cmdable, id string) (*store.JobRecord, error) {
	data, err := c.Get(ctx, s.keys.Job(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var rec store.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if rec.Artifacts == nil {
		rec.Artifacts = []string{}
	}
	return &rec, nil
}

func (s *JobStore) update(ctx context.Context, id string, fn func(*store.JobRecord)) (*store.JobRecord, error) {
	key := s.keys.Job(id)
	var updated *store.JobRecord

	txf := func(tx *goredis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("update %s (%s): %w", id, rec.Status, store.ErrTerminal)
		}

		fn(rec)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update %s: gave up after %d conflicting writes", id, maxTxRetries)
}
