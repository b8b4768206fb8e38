package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"coderunner/internal/store"

	"github.com/lib/pq"
)

const jobColumns = `id, spec, status, created_at, started_at, finished_at, exit_code, error, artifacts, paths`

// notTerminal guards every update so a finished record is never rewritten.
const notTerminal = `status NOT IN ('succeeded', 'failed', 'canceled')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.JobRecord, error) {
	var (
		rec        store.JobRecord
		spec       []byte
		paths      []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		exitCode   sql.NullInt64
		errMsg     sql.NullString
		artifacts  pq.StringArray
	)
	err := row.Scan(&rec.ID, &spec, &rec.Status, &rec.CreatedAt, &startedAt, &finishedAt, &exitCode, &errMsg, &artifacts, &paths)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(spec, &rec.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(paths, &rec.Paths); err != nil {
		return nil, fmt.Errorf("decode paths of %s: %w", rec.ID, err)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		rec.FinishedAt = &t
	}
	if exitCode.Valid {
		rec.ExitCode = store.IntPtr(int(exitCode.Int64))
	}
	if errMsg.Valid {
		rec.Error = store.StringPtr(errMsg.String)
	}
	rec.Artifacts = []string(artifacts)
	if rec.Artifacts == nil {
		rec.Artifacts = []string{}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// Create inserts a queued job row. The id must be unused.
func (s *Store) Create(ctx context.Context, id string, spec store.JobSpec, paths store.JobPaths) (*store.JobRecord, error) {
	rec := store.NewJobRecord(id, spec, paths, s.now())

	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return nil, err
	}
	pathsJSON, err := json.Marshal(rec.Paths)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO jobs (id, spec, status, created_at, artifacts, paths)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, id, specJSON, rec.Status, rec.CreatedAt, pq.Array(rec.Artifacts), pathsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("create %s: %w", id, store.ErrAlreadyExists)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	rec, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) (*store.JobRecord, error) {
	query := `
		UPDATE jobs SET status = $2, started_at = $3
		WHERE id = $1 AND ` + notTerminal + `
		RETURNING ` + jobColumns

	rec, err := scanJob(s.db.QueryRowContext(ctx, query, id, store.StatusRunning, s.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missedUpdate(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s running: %w", id, err)
	}
	return rec, nil
}

func (s *Store) MarkFinished(ctx context.Context, id string, out store.Outcome) (*store.JobRecord, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("mark finished %s as %q: %w", id, out.Status, store.ErrInvalidStatus)
	}

	query := `
		UPDATE jobs
		SET status = $2, finished_at = $3, exit_code = $4, error = $5,
		    artifacts = COALESCE($6::text[], artifacts)
		WHERE id = $1 AND ` + notTerminal + `
		RETURNING ` + jobColumns

	var exitCode sql.NullInt64
	if out.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*out.ExitCode), Valid: true}
	}
	var errMsg sql.NullString
	if out.Error != nil {
		errMsg = sql.NullString{String: *out.Error, Valid: true}
	}

	rec, err := scanJob(s.db.QueryRowContext(ctx, query,
		id, out.Status, s.now().UTC(), exitCode, errMsg, pq.StringArray(out.Artifacts)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missedUpdate(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s finished: %w", id, err)
	}
	return rec, nil
}

func (s *Store) UpdateArtifacts(ctx context.Context, id string, artifacts []string) error {
	if artifacts == nil {
		artifacts = []string{}
	}
	query := `UPDATE jobs SET artifacts = $2 WHERE id = $1 AND ` + notTerminal

	res, err := s.db.ExecContext(ctx, query, id, pq.Array(artifacts))
	if err != nil {
		return fmt.Errorf("failed to update artifacts of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missedUpdate(ctx, id)
	}
	return nil
}

// missedUpdate explains why a guarded update touched no row.
func (s *Store) missedUpdate(ctx context.Context, id string) error {
	var status store.JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return fmt.Errorf("update %s (%s): %w", id, status, store.ErrTerminal)
}
