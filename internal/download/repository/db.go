package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBConfig holds database connection configuration.
type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MinConnections  int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewConnectionPool creates a new PostgreSQL connection pool.
func NewConnectionPool(ctx context.Context, cfg DBConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
	)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = int32(cfg.MaxConnections)
	config.MinConns = int32(cfg.MinConnections)
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// ClosePool gracefully closes the connection pool.
func ClosePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

// schema is the DDL the engine depends on. The partial unique index on
// download_jobs is load-bearing: it is what turns concurrent intake for
// the same scope into a deterministic winner/loser protocol, and it
// holds across process instances sharing one database. batch_id is
// nullable for ad-hoc downloads and normalized with COALESCE so the
// no-batch scope is its own slot.
const schema = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	batch_id     TEXT,
	album        TEXT NOT NULL DEFAULT '',
	artist       TEXT NOT NULL DEFAULT '',
	preview_ref  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempt      INT  NOT NULL DEFAULT 0,
	source_used  TEXT NOT NULL DEFAULT '',
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS download_jobs_active_scope
	ON download_jobs (user_id, target_key, COALESCE(batch_id, ''))
	WHERE status IN ('pending', 'downloading');

CREATE INDEX IF NOT EXISTS download_jobs_batch
	ON download_jobs (batch_id) WHERE batch_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS download_jobs_status_created
	ON download_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS discovery_batches (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	week_start      TIMESTAMPTZ NOT NULL,
	target_count    INT  NOT NULL,
	status          TEXT NOT NULL,
	completed_count INT  NOT NULL DEFAULT 0,
	failed_count    INT  NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the engine's schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
