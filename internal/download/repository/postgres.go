package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/state"
)

// uniqueViolation is the PostgreSQL error code raised when an insert
// hits the active-scope partial unique index.
const uniqueViolation = "23505"

const jobColumns = `
	id, user_id, target_key, COALESCE(batch_id, ''), album, artist,
	preview_ref, status, attempt, source_used, last_error,
	created_at, updated_at, started_at, completed_at
`

// PostgresJobStore implements JobStore using PostgreSQL. Scope
// uniqueness rests on the download_jobs_active_scope partial unique
// index, so the dedup guarantee survives concurrent callers and
// multiple process instances sharing one database.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresJobStore creates a new PostgreSQL-backed job store.
func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

func scanJob(row pgx.Row) (*model.DownloadJob, error) {
	var job model.DownloadJob
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.TargetKey,
		&job.BatchID,
		&job.Album,
		&job.Artist,
		&job.PreviewRef,
		&job.Status,
		&job.Attempt,
		&job.SourceUsed,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// nullableBatch maps the empty ad-hoc batch id onto SQL NULL; the
// unique index normalizes it back with COALESCE.
func nullableBatch(batchID string) any {
	if batchID == "" {
		return nil
	}
	return batchID
}

// Create inserts the job. A conflict on the active-scope index means
// another caller already owns the scope: whoever loses the insert reads
// the winner's row, so all racers observe the same job id.
func (s *PostgresJobStore) Create(ctx context.Context, job *model.DownloadJob) (*model.DownloadJob, bool, error) {
	query := `
		INSERT INTO download_jobs (
			id, user_id, target_key, batch_id, album, artist,
			preview_ref, status, attempt, source_used, last_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	// One retry covers the window where the conflicting job goes
	// terminal between our failed insert and the re-read.
	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.pool.Exec(
			ctx,
			query,
			job.ID,
			job.UserID,
			job.TargetKey,
			nullableBatch(job.BatchID),
			job.Album,
			job.Artist,
			job.PreviewRef,
			job.Status,
			job.Attempt,
			job.SourceUsed,
			job.LastError,
			job.CreatedAt,
			job.UpdatedAt,
		)
		if err == nil {
			return job, true, nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return nil, false, fmt.Errorf("failed to create job: %w", err)
		}

		existing, ferr := s.FindActive(ctx, job.Scope())
		if ferr != nil {
			return nil, false, fmt.Errorf("failed to read conflicting job: %w", ferr)
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	return nil, false, fmt.Errorf("scope %s: conflicting job vanished during insert retry", job.Scope())
}

// Transition moves the job to a new status, guarded by the expected
// current status. Zero rows affected with the job present means another
// writer changed the status first or the path is illegal; either way
// the caller must not proceed as the owner.
func (s *PostgresJobStore) Transition(ctx context.Context, id string, from, to state.Status, mut Mutation) (*model.DownloadJob, error) {
	query := `
		UPDATE download_jobs
		SET status = $3,
			updated_at = $4,
			source_used = CASE WHEN $5 <> '' THEN $5 ELSE source_used END,
			last_error = COALESCE($6, last_error),
			started_at = CASE WHEN $3 = 'downloading' THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns

	now := time.Now()
	job, err := scanJob(s.pool.QueryRow(ctx, query, id, from, to, now, mut.SourceUsed, mut.LastError))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	current, gerr := s.GetByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if current == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil, fmt.Errorf("job %s is %s, not %s: %w", id, current.Status, from, ErrIllegalTransition)
}

// GetByID retrieves a job by its ID. Returns nil without error when the
// job does not exist.
func (s *PostgresJobStore) GetByID(ctx context.Context, id string) (*model.DownloadJob, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job by ID: %w", err)
	}
	return job, nil
}

// FindActive returns the job currently holding the scope, or nil.
func (s *PostgresJobStore) FindActive(ctx context.Context, scope model.Scope) (*model.DownloadJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE user_id = $1
			AND target_key = $2
			AND COALESCE(batch_id, '') = $3
			AND status IN ('pending', 'downloading')
	`

	job, err := scanJob(s.pool.QueryRow(ctx, query, scope.UserID, scope.TargetKey, scope.BatchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return job, nil
}

// ListByBatch returns all jobs owned by a batch, ordered by creation.
func (s *PostgresJobStore) ListByBatch(ctx context.Context, batchID string) ([]*model.DownloadJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`
	return s.queryJobs(ctx, query, batchID)
}

// ListActiveByUser returns a user's pending and downloading jobs,
// oldest first.
func (s *PostgresJobStore) ListActiveByUser(ctx context.Context, userID string) ([]*model.DownloadJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE user_id = $1 AND status IN ('pending', 'downloading')
		ORDER BY created_at ASC
	`
	return s.queryJobs(ctx, query, userID)
}

// ListStalePending returns pending jobs untouched for longer than the
// staleness window, oldest first. These are jobs that were queued in a
// process that died before a worker picked them up.
func (s *PostgresJobStore) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return s.queryJobs(ctx, query, time.Now().Add(-olderThan), limit)
}

// ListStaleDownloading returns downloading jobs untouched for longer
// than the staleness window, oldest first. A live worker keeps its row
// fresher than any sane window; a stale one was abandoned.
func (s *PostgresJobStore) ListStaleDownloading(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE status = 'downloading' AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return s.queryJobs(ctx, query, time.Now().Add(-olderThan), limit)
}

func (s *PostgresJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.DownloadJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// Unavailable derives the batch's unavailable-album view: for every
// target lineage with no active or completed job left, the failed row
// with the highest attempt number.
func (s *PostgresJobStore) Unavailable(ctx context.Context, batchID string) ([]model.UnavailableAlbum, error) {
	query := `
		SELECT DISTINCT ON (target_key)
			target_key, album, artist, attempt, preview_ref, updated_at
		FROM download_jobs j
		WHERE batch_id = $1
			AND status = 'failed'
			AND NOT EXISTS (
				SELECT 1 FROM download_jobs s
				WHERE s.batch_id = j.batch_id
					AND s.user_id = j.user_id
					AND s.target_key = j.target_key
					AND s.status IN ('pending', 'downloading', 'completed')
			)
		ORDER BY target_key, attempt DESC
	`

	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unavailable albums: %w", err)
	}
	defer rows.Close()

	var albums []model.UnavailableAlbum
	for rows.Next() {
		var a model.UnavailableAlbum
		if err := rows.Scan(&a.TargetKey, &a.Album, &a.Artist, &a.Attempt, &a.PreviewRef, &a.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unavailable album: %w", err)
		}
		albums = append(albums, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unavailable albums: %w", err)
	}
	return albums, nil
}
