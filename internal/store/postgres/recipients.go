package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"MailWave/internal/models"
	"MailWave/internal/store"
)

// insertChunkSize bounds one INSERT batch so a very large recipient list
// never becomes a single oversized statement.
const insertChunkSize = 1000

func (s *Store) InsertRecipients(ctx context.Context, jobID string, emails []string) error {
	for start := 0; start < len(emails); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(emails) {
			end = len(emails)
		}

		batch := &pgx.Batch{}
		for _, email := range emails[start:end] {
			batch.Queue(`
				INSERT INTO send_job_recipients (id, job_id, recipient, status, updated_at)
				VALUES ($1, $2, $3, 'pending', NOW())`,
				uuid.NewString(), jobID, email,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		if err := results.Close(); err != nil {
			return fmt.Errorf("postgres: insert recipients: %w", err)
		}
	}
	return nil
}

const recipientColumns = `id, job_id, recipient, status, message_id, error_message, claimed_at, updated_at`

func (s *Store) CountRemaining(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM send_job_recipients
		WHERE job_id = $1 AND status IN ('pending', 'sending')`,
		jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count remaining: %w", err)
	}
	return count, nil
}

func (s *Store) GetPending(ctx context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM send_job_recipients
		WHERE job_id = $1 AND status = 'pending'
		ORDER BY id ASC
		LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get pending: %w", err)
	}
	defer rows.Close()
	return collectRecipients(rows)
}

func (s *Store) ClaimRecipients(ctx context.Context, jobID string, ids []string) ([]*models.SendJobRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE send_job_recipients
		SET status = 'sending', claimed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND id = ANY($2) AND status = 'pending'
		RETURNING `+recipientColumns,
		jobID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim recipients: %w", err)
	}
	defer rows.Close()
	return collectRecipients(rows)
}

func (s *Store) MarkSent(ctx context.Context, recipientID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_job_recipients
		SET status = 'sent', message_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		recipientID, messageID,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark sent: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, recipientID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_job_recipients
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		recipientID, store.TruncateError(message),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	return nil
}

func (s *Store) RequeueStaleSending(ctx context.Context, jobID string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_job_recipients
		SET status = 'pending', claimed_at = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status = 'sending' AND claimed_at < $2`,
		jobID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: requeue stale sending: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) JobRecipients(ctx context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM send_job_recipients
		WHERE job_id = $1
		ORDER BY id ASC
		LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: job recipients: %w", err)
	}
	defer rows.Close()
	return collectRecipients(rows)
}

func collectRecipients(rows pgx.Rows) ([]*models.SendJobRecipient, error) {
	var out []*models.SendJobRecipient
	for rows.Next() {
		var (
			r         models.SendJobRecipient
			status    string
			messageID *string
			errMsg    *string
		)
		err := rows.Scan(&r.ID, &r.JobID, &r.Recipient, &status,
			&messageID, &errMsg, &r.ClaimedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.Status = models.RecipientStatus(status)
		if messageID != nil {
			r.MessageID = *messageID
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
