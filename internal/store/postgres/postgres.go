// Package postgres implements store.Store on PostgreSQL using pgx/v5.
// Claims are expressed as conditional UPDATEs whose WHERE clause re-checks
// the expected current state, so the row transition and the precondition
// check are a single atomic statement.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailWave/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// New connects to conn, retrying transient failures with exponential
// backoff so the service survives a database that is still coming up.
func New(ctx context.Context, conn string) (*Store, error) {
	var pool *pgxpool.Pool

	operation := func() error {
		var err error
		pool, err = pgxpool.New(ctx, conn)
		if err != nil {
			return err
		}
		return pool.Ping(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool so sibling capabilities (contacts,
// suppressions) can share the connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS send_jobs (
			id               TEXT PRIMARY KEY,
			workspace_id     TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'queued',
			payload          JSONB NOT NULL,
			total_recipients INTEGER NOT NULL DEFAULT 0,
			sent             INTEGER NOT NULL DEFAULT 0,
			failed           INTEGER NOT NULL DEFAULT 0,
			batch_size       INTEGER NOT NULL DEFAULT 50,
			send_concurrency INTEGER NOT NULL DEFAULT 4,
			dry_run          BOOLEAN NOT NULL DEFAULT FALSE,
			error_message    TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at       TIMESTAMPTZ,
			heartbeat_at     TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create send_jobs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_send_jobs_claimable
			ON send_jobs (created_at ASC)
			WHERE status IN ('queued', 'running')`)
	if err != nil {
		return fmt.Errorf("postgres: create send_jobs index: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS send_job_recipients (
			id            TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL REFERENCES send_jobs(id),
			recipient     TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			message_id    TEXT,
			error_message TEXT,
			claimed_at    TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create send_job_recipients: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_send_job_recipients_pending
			ON send_job_recipients (job_id)
			WHERE status IN ('pending', 'sending')`)
	if err != nil {
		return fmt.Errorf("postgres: create send_job_recipients index: %w", err)
	}

	return nil
}
