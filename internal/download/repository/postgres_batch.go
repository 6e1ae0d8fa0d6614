package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cachamber/harmonia/internal/download/model"
)

const batchColumns = `
	id, user_id, week_start, target_count, status,
	completed_count, failed_count, created_at, updated_at
`

// PostgresBatchStore implements BatchStore using PostgreSQL. Outcome
// recording is a single guarded UPDATE, so concurrent worker
// completions for the same batch need no in-process coordination:
// counters are plain increments and status recomputation only ever
// moves forward.
type PostgresBatchStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBatchStore creates a new PostgreSQL-backed batch store.
func NewPostgresBatchStore(pool *pgxpool.Pool) *PostgresBatchStore {
	return &PostgresBatchStore{pool: pool}
}

func scanBatch(row pgx.Row) (*model.DiscoveryBatch, error) {
	var b model.DiscoveryBatch
	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.WeekStart,
		&b.TargetCount,
		&b.Status,
		&b.Completed,
		&b.Failed,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Open inserts a new batch.
func (s *PostgresBatchStore) Open(ctx context.Context, batch *model.DiscoveryBatch) error {
	query := `
		INSERT INTO discovery_batches (
			id, user_id, week_start, target_count, status,
			completed_count, failed_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(
		ctx,
		query,
		batch.ID,
		batch.UserID,
		batch.WeekStart,
		batch.TargetCount,
		batch.Status,
		batch.Completed,
		batch.Failed,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to open batch: %w", err)
	}
	return nil
}

// GetByID retrieves a batch. Returns nil without error when the batch
// does not exist.
func (s *PostgresBatchStore) GetByID(ctx context.Context, id string) (*model.DiscoveryBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM discovery_batches WHERE id = $1`

	batch, err := scanBatch(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch by ID: %w", err)
	}
	return batch, nil
}

// MarkDownloading advances a scanning batch to downloading. The status
// guard makes re-advancing or advancing a terminal batch a no-op.
func (s *PostgresBatchStore) MarkDownloading(ctx context.Context, id string) error {
	query := `
		UPDATE discovery_batches
		SET status = 'downloading', updated_at = $2
		WHERE id = $1 AND status = 'scanning'
	`

	if _, err := s.pool.Exec(ctx, query, id, time.Now()); err != nil {
		return fmt.Errorf("failed to mark batch downloading: %w", err)
	}
	return nil
}

// RecordOutcome increments the matching counter and recomputes status
// in one statement. The CASE keeps terminal statuses frozen: a late
// outcome for a cancelled batch still lands in the counters for
// history, but can never flip the status.
func (s *PostgresBatchStore) RecordOutcome(ctx context.Context, id string, outcome model.Outcome) (*model.DiscoveryBatch, error) {
	query := `
		UPDATE discovery_batches
		SET completed_count = completed_count + CASE WHEN $2 = 'completed' THEN 1 ELSE 0 END,
			failed_count = failed_count + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			status = CASE
				WHEN status IN ('completed', 'cancelled') THEN status
				WHEN completed_count + failed_count + 1 >= target_count THEN 'completed'
				ELSE 'downloading'
			END,
			updated_at = $3
		WHERE id = $1
		RETURNING ` + batchColumns

	batch, err := scanBatch(s.pool.QueryRow(ctx, query, id, string(outcome), time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to record batch outcome: %w", err)
	}
	return batch, nil
}

// Cancel sets the cancelled terminal override. A completed batch stays
// completed; cancelling twice is harmless.
func (s *PostgresBatchStore) Cancel(ctx context.Context, id string) (*model.DiscoveryBatch, error) {
	query := `
		UPDATE discovery_batches
		SET status = CASE WHEN status = 'completed' THEN status ELSE 'cancelled' END,
			updated_at = $2
		WHERE id = $1
		RETURNING ` + batchColumns

	batch, err := scanBatch(s.pool.QueryRow(ctx, query, id, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to cancel batch: %w", err)
	}
	return batch, nil
}
