package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"MailWave/internal/models"
	"MailWave/internal/store"
)

const jobColumns = `id, workspace_id, status, payload, total_recipients, sent, failed,
	batch_size, send_concurrency, dry_run, error_message,
	created_at, started_at, heartbeat_at, completed_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, job *models.SendJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO send_jobs
			(id, workspace_id, status, payload, total_recipients,
			 batch_size, send_concurrency, dry_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		job.ID, job.WorkspaceID, string(job.Status), payload,
		job.TotalRecipients, job.BatchSize, job.SendConcurrency, job.DryRun,
	)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.SendJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListClaimable(ctx context.Context, maxJobs int) ([]*models.SendJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM send_jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at ASC
		LIMIT $1`,
		maxJobs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claimable: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SendJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claimable: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) ClaimQueued(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET status = 'running', started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: claim queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimRunning(ctx context.Context, id string, expectedHeartbeat time.Time) (bool, error) {
	return s.claimWithHeartbeat(ctx, id, expectedHeartbeat)
}

func (s *Store) ClaimStaleRunning(ctx context.Context, id string, expectedHeartbeat time.Time) (bool, error) {
	return s.claimWithHeartbeat(ctx, id, expectedHeartbeat)
}

// claimWithHeartbeat refreshes the lease only if nobody else refreshed it
// since expectedHeartbeat was read. The heartbeat equality predicate is the
// compare-and-swap that keeps two workers from owning a job at once.
func (s *Store) claimWithHeartbeat(ctx context.Context, id string, expectedHeartbeat time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND heartbeat_at = $2`,
		id, expectedHeartbeat,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: claim running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	return nil
}

func (s *Store) IncrementProgress(ctx context.Context, id string, sentDelta, failedDelta int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET sent = sent + $2, failed = failed + $3, updated_at = NOW()
		WHERE id = $1`,
		id, sentDelta, failedDelta,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment progress: %w", err)
	}
	return nil
}

func (s *Store) SetCompleted(ctx context.Context, id string, status models.JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: set completed: %w", err)
	}
	return nil
}

func (s *Store) FailWithMessage(ctx context.Context, id string, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, store.TruncateError(message),
	)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.SendJob, error) {
	var (
		job     models.SendJob
		status  string
		payload []byte
		errMsg  *string
	)

	err := row.Scan(
		&job.ID, &job.WorkspaceID, &status, &payload,
		&job.TotalRecipients, &job.Sent, &job.Failed,
		&job.BatchSize, &job.SendConcurrency, &job.DryRun, &errMsg,
		&job.CreatedAt, &job.StartedAt, &job.HeartbeatAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &job, nil
}
