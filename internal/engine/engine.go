// Package engine implements the asynchronous send-job scheduler: lease
// based job claiming, the recipient batch loop with parallel send waves,
// stale-work reclaim, and per-job progress accounting. Any number of
// stateless instances may run passes concurrently; all coordination goes
// through the store's atomic conditional updates.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"MailWave/internal/contacts"
	"MailWave/internal/email"
	"MailWave/internal/metrics"
	"MailWave/internal/models"
	"MailWave/internal/store"
)

// Options are the pass-level tunables. Zero values fall back to defaults.
type Options struct {
	MaxJobs             int
	MaxRecipientsPerJob int
	StaleJob            time.Duration
	StaleRecipient      time.Duration
}

const (
	defaultMaxJobs             = 1
	defaultMaxRecipientsPerJob = 250
	defaultStaleLease          = 3 * time.Minute

	// maxSummaryErrors bounds the error strings surfaced per pass.
	maxSummaryErrors = 20
)

func (o Options) withDefaults() Options {
	if o.MaxJobs <= 0 {
		o.MaxJobs = defaultMaxJobs
	}
	if o.MaxRecipientsPerJob <= 0 {
		o.MaxRecipientsPerJob = defaultMaxRecipientsPerJob
	}
	if o.StaleJob <= 0 {
		o.StaleJob = defaultStaleLease
	}
	if o.StaleRecipient <= 0 {
		o.StaleRecipient = defaultStaleLease
	}
	return o
}

// Summary reports what one processing pass did.
type Summary struct {
	JobsClaimed         int      `json:"jobs_claimed"`
	JobsCompleted       int      `json:"jobs_completed"`
	RecipientsProcessed int      `json:"recipients_processed"`
	Errors              []string `json:"errors,omitempty"`
}

type Engine struct {
	store        store.Store
	transport    email.Transport
	resolver     contacts.Resolver
	suppressions contacts.SuppressionList
	log          *zap.Logger
	opts         Options

	// now is swappable so tests can control lease aging.
	now func() time.Time
}

func New(
	st store.Store,
	transport email.Transport,
	resolver contacts.Resolver,
	suppressions contacts.SuppressionList,
	log *zap.Logger,
	opts Options,
) *Engine {
	return &Engine{
		store:        st,
		transport:    transport,
		resolver:     resolver,
		suppressions: suppressions,
		log:          log,
		opts:         opts.withDefaults(),
		now:          time.Now,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ProcessSendJobs runs one processing pass: reclaim stale work, claim up
// to MaxJobs jobs, drive each job's batch loop within the per-pass budget,
// and finalize jobs with no remaining work. Safe to call concurrently from
// any number of processes; a lost claim means another worker owns the job
// and is skipped, not an error. Repeated invocation with no claimable work
// is a cheap no-op.
func (e *Engine) ProcessSendJobs(ctx context.Context) (Summary, error) {
	var summary Summary

	staleCutoff := e.now().Add(-e.opts.StaleJob)

	jobs, err := e.store.ListClaimable(ctx, e.opts.MaxJobs)
	if err != nil {
		return summary, fmt.Errorf("list claimable jobs: %w", err)
	}

	for _, job := range jobs {
		claimed, takeover, err := e.claim(ctx, job, staleCutoff)
		if err != nil {
			return summary, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if !claimed {
			metrics.ClaimContention.Inc()
			e.log.Debug("job claim lost, skipping",
				zap.String("job_id", job.ID),
			)
			continue
		}

		summary.JobsClaimed++
		metrics.JobsClaimed.Inc()
		if takeover {
			metrics.StaleTakeovers.Inc()
			e.log.Warn("taking over job with stale heartbeat",
				zap.String("job_id", job.ID),
			)
		}

		processed, completed, jobErr := e.runClaimedJob(ctx, job)
		summary.RecipientsProcessed += processed

		if jobErr != nil {
			msg := store.TruncateError(jobErr.Error())
			e.log.Error("send job failed",
				zap.String("job_id", job.ID),
				zap.Error(jobErr),
			)
			if failErr := e.store.FailWithMessage(ctx, job.ID, msg); failErr != nil {
				e.log.Error("failed to record job failure",
					zap.String("job_id", job.ID),
					zap.Error(failErr),
				)
			}
			metrics.JobsFailed.Inc()
			if len(summary.Errors) < maxSummaryErrors {
				summary.Errors = append(summary.Errors, msg)
			}
			continue
		}

		if completed {
			summary.JobsCompleted++
			metrics.JobsCompleted.Inc()
			e.log.Info("send job completed",
				zap.String("job_id", job.ID),
				zap.Int("recipients_processed", processed),
			)
		}
	}

	return summary, nil
}

// claim attempts the appropriate lease for the job's state. Returns
// whether the claim succeeded and whether it was a stale takeover.
func (e *Engine) claim(ctx context.Context, job *models.SendJob, staleCutoff time.Time) (bool, bool, error) {
	switch job.Status {
	case models.JobQueued:
		ok, err := e.store.ClaimQueued(ctx, job.ID)
		return ok, false, err

	case models.JobRunning:
		if job.HeartbeatAt == nil {
			// Running without a heartbeat should not happen; leave it
			// for the stale path once startedAt ages out.
			return false, false, nil
		}
		if job.HeartbeatAt.Before(staleCutoff) {
			ok, err := e.store.ClaimStaleRunning(ctx, job.ID, *job.HeartbeatAt)
			return ok, ok, err
		}
		ok, err := e.store.ClaimRunning(ctx, job.ID, *job.HeartbeatAt)
		return ok, false, err

	default:
		// Terminal or cancelled jobs are never claimed.
		return false, false, nil
	}
}

// runClaimedJob drives the batch loop and finalization for a job this
// worker holds the lease on. Panics and errors are contained here so one
// bad job cannot halt the pass.
func (e *Engine) runClaimedJob(ctx context.Context, job *models.SendJob) (processed int, completed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing job: %v", r)
		}
	}()

	processed, err = e.runBatchLoop(ctx, job)
	if err != nil {
		return processed, false, err
	}

	if processed > 0 {
		if err := e.store.Heartbeat(ctx, job.ID); err != nil {
			return processed, false, fmt.Errorf("heartbeat: %w", err)
		}
	}

	remaining, err := e.store.CountRemaining(ctx, job.ID)
	if err != nil {
		return processed, false, fmt.Errorf("count remaining: %w", err)
	}
	if remaining > 0 {
		return processed, false, nil
	}

	if err := e.store.SetCompleted(ctx, job.ID, models.JobCompleted); err != nil {
		return processed, false, fmt.Errorf("set completed: %w", err)
	}
	return processed, true, nil
}
