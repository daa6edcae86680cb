package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner drains the backlog in the background. Instead of unstructured
// fire-and-forget continuations it runs a bounded loop of passes,
// exiting early once a pass claims nothing and processes zero
// recipients.
type Runner struct {
	engine     *Engine
	log        *zap.Logger
	interval   time.Duration
	iterations int

	kick chan struct{}
}

func NewRunner(engine *Engine, log *zap.Logger, interval time.Duration, iterations int) *Runner {
	if iterations <= 0 {
		iterations = 20
	}
	return &Runner{
		engine:     engine,
		log:        log,
		interval:   interval,
		iterations: iterations,
		kick:       make(chan struct{}, 1),
	}
}

// Kick requests a drain soon. Non-blocking; coalesces with a pending
// request.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains on every tick and on every Kick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner shutting down")
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.Drain(ctx)
	}
}

// Drain runs passes back to back until the backlog is empty or the
// iteration cap is reached.
func (r *Runner) Drain(ctx context.Context) Summary {
	var total Summary

	for i := 0; i < r.iterations; i++ {
		if ctx.Err() != nil {
			break
		}

		sum, err := r.engine.ProcessSendJobs(ctx)
		total.JobsClaimed += sum.JobsClaimed
		total.JobsCompleted += sum.JobsCompleted
		total.RecipientsProcessed += sum.RecipientsProcessed
		total.Errors = append(total.Errors, sum.Errors...)
		if err != nil {
			r.log.Error("processing pass failed", zap.Error(err))
			break
		}

		if sum.JobsClaimed == 0 && sum.RecipientsProcessed == 0 {
			break
		}
	}

	if len(total.Errors) > maxSummaryErrors {
		total.Errors = total.Errors[:maxSummaryErrors]
	}
	return total
}
