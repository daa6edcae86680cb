package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"MailWave/internal/email"
	"MailWave/internal/metrics"
	"MailWave/internal/models"
	"MailWave/internal/store"
	"MailWave/internal/template"
)

const unsubscribedReason = "Recipient unsubscribed"

// runBatchLoop claims and sends pending recipients for one job until the
// per-pass budget is exhausted or no claimable work remains. Returns the
// number of recipients this worker resolved to a terminal state.
func (e *Engine) runBatchLoop(ctx context.Context, job *models.SendJob) (int, error) {
	budget := e.opts.MaxRecipientsPerJob
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}

	processed := 0
	for processed < budget {
		// Recover recipients abandoned in sending by a crashed worker.
		requeued, err := e.store.RequeueStaleSending(ctx, job.ID, e.now().Add(-e.opts.StaleRecipient))
		if err != nil {
			return processed, err
		}
		if requeued > 0 {
			metrics.RecipientsRequeued.Add(float64(requeued))
			e.log.Info("requeued stale sending recipients",
				zap.String("job_id", job.ID),
				zap.Int("count", requeued),
			)
		}

		limit := batchSize
		if rest := budget - processed; rest < limit {
			limit = rest
		}

		pending, err := e.store.GetPending(ctx, job.ID, limit)
		if err != nil {
			return processed, err
		}
		if len(pending) == 0 {
			// No claimable work this pass. In-flight sending rows owned
			// by a live worker may still exist.
			break
		}

		ids := make([]string, len(pending))
		for i, r := range pending {
			ids[i] = r.ID
		}

		claimed, err := e.store.ClaimRecipients(ctx, job.ID, ids)
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			// Another worker won the whole batch; look again.
			continue
		}

		n, err := e.sendBatch(ctx, job, claimed)
		processed += n
		if err != nil {
			return processed, err
		}

		if job.Payload.RateLimitMs > 0 && processed < budget {
			if err := sleepCtx(ctx, time.Duration(job.Payload.RateLimitMs)*time.Millisecond); err != nil {
				return processed, err
			}
		}
	}

	return processed, nil
}

// sendBatch resolves suppressions and contact fields for one claimed
// batch, then dispatches it in waves of the job's send concurrency.
func (e *Engine) sendBatch(ctx context.Context, job *models.SendJob, claimed []*models.SendJobRecipient) (int, error) {
	emails := make([]string, len(claimed))
	for i, r := range claimed {
		emails[i] = r.Recipient
	}

	unsubscribed, err := e.suppressions.Unsubscribed(ctx, job.WorkspaceID, emails)
	if err != nil {
		return 0, err
	}

	processed := 0
	sendable := claimed[:0:0]
	suppressedCount := 0
	for _, r := range claimed {
		if unsubscribed[r.Recipient] {
			if err := e.store.MarkFailed(ctx, r.ID, unsubscribedReason); err != nil {
				return processed, err
			}
			suppressedCount++
			processed++
			metrics.RecipientsUnsubscribed.Inc()
			continue
		}
		sendable = append(sendable, r)
	}
	if suppressedCount > 0 {
		if err := e.store.IncrementProgress(ctx, job.ID, 0, suppressedCount); err != nil {
			return processed, err
		}
	}
	if len(sendable) == 0 {
		return processed, nil
	}

	fields, err := e.resolver.FieldsFor(ctx, job.WorkspaceID, emailsOf(sendable))
	if err != nil {
		return processed, err
	}

	concurrency := job.SendConcurrency
	if concurrency <= 0 {
		concurrency = models.DefaultSendConcurrency
	}

	for start := 0; start < len(sendable); start += concurrency {
		end := start + concurrency
		if end > len(sendable) {
			end = len(sendable)
		}
		wave := sendable[start:end]

		sent, failed := e.sendWave(ctx, job, wave, fields)
		processed += len(wave)

		if sent > 0 || failed > 0 {
			if err := e.store.IncrementProgress(ctx, job.ID, sent, failed); err != nil {
				return processed, err
			}
		}

		if job.Payload.RateLimitMs > 0 && end < len(sendable) {
			if err := sleepCtx(ctx, time.Duration(job.Payload.RateLimitMs)*time.Millisecond); err != nil {
				return processed, err
			}
		}
	}

	return processed, nil
}

// sendWave dispatches one wave in parallel and waits for every send to
// settle. Send failures are recorded on the recipient row, never
// propagated: a failed recipient is terminal.
func (e *Engine) sendWave(ctx context.Context, job *models.SendJob, wave []*models.SendJobRecipient, fields map[string]map[string]string) (sent, failed int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, r := range wave {
		wg.Add(1)
		go func(r *models.SendJobRecipient) {
			defer wg.Done()

			subject, html := template.Render(job.Payload, r.Recipient, fields[r.Recipient])

			messageID, sendErr := e.transport.Send(ctx, email.Message{
				From:      job.Payload.FromAddress,
				FromName:  job.Payload.FromName,
				To:        r.Recipient,
				Subject:   subject,
				HTML:      html,
				Transport: job.Payload.TransportName,
			})

			if sendErr != nil {
				e.log.Error("email send failed",
					zap.String("job_id", job.ID),
					zap.String("to", r.Recipient),
					zap.Error(sendErr),
				)
				if err := e.store.MarkFailed(ctx, r.ID, store.TruncateError(sendErr.Error())); err != nil {
					e.log.Error("failed to record send failure",
						zap.String("recipient_id", r.ID),
						zap.Error(err),
					)
				}
				metrics.EmailFailures.Inc()
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			if err := e.store.MarkSent(ctx, r.ID, messageID); err != nil {
				e.log.Error("failed to record sent status",
					zap.String("recipient_id", r.ID),
					zap.Error(err),
				)
			}
			metrics.EmailsSent.Inc()
			mu.Lock()
			sent++
			mu.Unlock()
		}(r)
	}

	wg.Wait()
	return sent, failed
}

func emailsOf(recipients []*models.SendJobRecipient) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.Recipient
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
