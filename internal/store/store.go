// Package store defines the durable job/recipient persistence contract.
// Every mutating operation is an atomic conditional update: a claim that
// lost a race reports false (or an empty set) instead of overwriting a
// competing worker's progress. Backends: Postgres and Memory.
package store

import (
	"context"
	"errors"
	"time"

	"MailWave/internal/models"
)

var ErrJobNotFound = errors.New("store: send job not found")

// Store is the engine's only serialization point. Any number of stateless
// workers may call it concurrently; correctness rests on the compare-and-swap
// semantics of the claim operations, never on in-process locks.
type Store interface {
	// CreateJob persists a new job in queued state.
	CreateJob(ctx context.Context, job *models.SendJob) error

	// InsertRecipients bulk-inserts pending recipient rows for a job.
	// Implementations chunk the insert so large lists do not become a
	// single oversized statement.
	InsertRecipients(ctx context.Context, jobID string, emails []string) error

	GetJob(ctx context.Context, id string) (*models.SendJob, error)

	// ListClaimable returns queued or running jobs, oldest first.
	ListClaimable(ctx context.Context, maxJobs int) ([]*models.SendJob, error)

	// ClaimQueued transitions queued→running, setting startedAt and
	// heartbeatAt. Returns false if the job is no longer queued.
	ClaimQueued(ctx context.Context, id string) (bool, error)

	// ClaimRunning is the continuation lease: it refreshes the heartbeat
	// only if the stored heartbeat still equals expectedHeartbeat.
	ClaimRunning(ctx context.Context, id string, expectedHeartbeat time.Time) (bool, error)

	// ClaimStaleRunning is the takeover lease. Identical compare-and-swap
	// to ClaimRunning; callers use it only after independently observing
	// that the heartbeat is older than the staleness cutoff.
	ClaimStaleRunning(ctx context.Context, id string, expectedHeartbeat time.Time) (bool, error)

	// Heartbeat refreshes heartbeatAt to now, keeping the lease alive.
	Heartbeat(ctx context.Context, id string) error

	// IncrementProgress atomically adds to the sent/failed counters.
	IncrementProgress(ctx context.Context, id string, sentDelta, failedDelta int) error

	// SetCompleted marks a job terminal. Idempotent: a second call on an
	// already-terminal job is a no-op.
	SetCompleted(ctx context.Context, id string, status models.JobStatus) error

	// FailWithMessage marks the job failed with a truncated message.
	// Idempotent like SetCompleted.
	FailWithMessage(ctx context.Context, id string, message string) error

	// CancelJob transitions queued|running→cancelled. External
	// administrative action; the engine itself never calls it.
	CancelJob(ctx context.Context, id string) (bool, error)

	// CountRemaining returns the number of pending plus sending recipients.
	CountRemaining(ctx context.Context, jobID string) (int, error)

	GetPending(ctx context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error)

	// ClaimRecipients transitions pending→sending for the given ids,
	// returning only the rows actually claimed. Rows advanced by another
	// worker in the meantime are silently excluded.
	ClaimRecipients(ctx context.Context, jobID string, ids []string) ([]*models.SendJobRecipient, error)

	MarkSent(ctx context.Context, recipientID, messageID string) error
	MarkFailed(ctx context.Context, recipientID, message string) error

	// RequeueStaleSending resets sending→pending for rows claimed before
	// cutoff, recovering work abandoned by a crashed worker. Returns the
	// number of rows reset.
	RequeueStaleSending(ctx context.Context, jobID string, cutoff time.Time) (int, error)

	// JobRecipients lists a job's recipients for the status API.
	JobRecipients(ctx context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error)
}

// TruncateError bounds stored error messages.
func TruncateError(msg string) string {
	const max = 1000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
