// Package memory provides in-process, single-host implementations of the store contracts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coderunner/internal/store"
)

// JobStore keeps job records in a map guarded by a single lock.
// Records are copied in and out so callers never share state with the store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*store.JobRecord
	now  func() time.Time
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*store.JobRecord),
		now:  time.Now,
	}
}

func (s *JobStore) Create(ctx context.Context, id string, spec store.JobSpec, paths store.JobPaths) (*store.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return nil, fmt.Errorf("create %s: %w", id, store.ErrAlreadyExists)
	}
	rec := store.NewJobRecord(id, spec, paths, s.now())
	s.jobs[id] = rec
	return rec.Clone(), nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *JobStore) MarkRunning(ctx context.Context, id string) (*store.JobRecord, error) {
	return s.update(id, func(rec *store.JobRecord) error {
		now := s.now().UTC()
		rec.Status = store.StatusRunning
		rec.StartedAt = &now
		return nil
	})
}

func (s *JobStore) MarkFinished(ctx context.Context, id string, out store.Outcome) (*store.JobRecord, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("mark finished %s as %q: %w", id, out.Status, store.ErrInvalidStatus)
	}
	return s.update(id, func(rec *store.JobRecord) error {
		now := s.now().UTC()
		rec.Status = out.Status
		rec.FinishedAt = &now
		rec.ExitCode = out.ExitCode
		rec.Error = out.Error
		if out.Artifacts != nil {
			rec.Artifacts = append([]string{}, out.Artifacts...)
		}
		return nil
	})
}

func (s *JobStore) UpdateArtifacts(ctx context.Context, id string, artifacts []string) error {
	_, err := s.update(id, func(rec *store.JobRecord) error {
		rec.Artifacts = append([]string{}, artifacts...)
		return nil
	})
	return err
}

// update applies fn to a working copy and commits it only if fn succeeds.
func (s *JobStore) update(id string, fn func(*store.JobRecord) error) (*store.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("update %s (%s): %w", id, rec.Status, store.ErrTerminal)
	}

	next := rec.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *JobStore) Ping(ctx context.Context) error {
	return nil
}
