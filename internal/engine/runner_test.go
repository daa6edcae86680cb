package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailWave/internal/models"
)

func TestDrain_ProcessesBacklogAcrossPasses(t *testing.T) {
	f := newFixture(t, Options{MaxRecipientsPerJob: 2})
	f.enqueueJob(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}, nil)

	r := NewRunner(f.engine, zap.NewNop(), time.Minute, 20)
	sum := r.Drain(context.Background())

	assert.Equal(t, 5, sum.RecipientsProcessed)
	assert.Equal(t, 1, sum.JobsCompleted)
}

func TestDrain_ExitsEarlyWhenIdle(t *testing.T) {
	f := newFixture(t, Options{})

	r := NewRunner(f.engine, zap.NewNop(), time.Minute, 20)
	sum := r.Drain(context.Background())

	assert.Zero(t, sum.JobsClaimed)
	assert.Zero(t, sum.RecipientsProcessed)
}

func TestDrain_HonorsIterationCap(t *testing.T) {
	f := newFixture(t, Options{MaxRecipientsPerJob: 1})
	job := f.enqueueJob(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}, nil)

	r := NewRunner(f.engine, zap.NewNop(), time.Minute, 2)
	sum := r.Drain(context.Background())

	assert.Equal(t, 2, sum.RecipientsProcessed)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestDrain_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueueJob(t, []string{"a@example.com"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(f.engine, zap.NewNop(), time.Minute, 20)
	sum := r.Drain(ctx)

	assert.Zero(t, sum.RecipientsProcessed)
}

func TestKick_Coalesces(t *testing.T) {
	f := newFixture(t, Options{})
	r := NewRunner(f.engine, zap.NewNop(), time.Minute, 20)

	// Must never block even when no loop is consuming.
	for i := 0; i < 10; i++ {
		r.Kick()
	}
	assert.Len(t, r.kick, 1)
}
