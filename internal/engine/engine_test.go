package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailWave/internal/email"
	"MailWave/internal/models"
	"MailWave/internal/store/memstore"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []email.Message
	failFor map[string]error
}

func (f *fakeTransport) Send(_ context.Context, msg email.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[msg.To]; ok {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "<" + uuid.NewString() + "@test>", nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.To
	}
	return out
}

type fakeResolver struct {
	fields map[string]map[string]string
}

func (f *fakeResolver) FieldsFor(_ context.Context, _ string, emails []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, e := range emails {
		if fields, ok := f.fields[e]; ok {
			out[e] = fields
		}
	}
	return out, nil
}

type fakeSuppressions struct {
	set map[string]bool
}

func (f *fakeSuppressions) Unsubscribed(_ context.Context, _ string, emails []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, e := range emails {
		if f.set[e] {
			out[e] = true
		}
	}
	return out, nil
}

type fixture struct {
	store        *memstore.Store
	transport    *fakeTransport
	suppressions *fakeSuppressions
	engine       *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := memstore.New()
	tr := &fakeTransport{failFor: map[string]error{}}
	sup := &fakeSuppressions{set: map[string]bool{}}
	eng := New(st, tr, &fakeResolver{fields: map[string]map[string]string{}}, sup, zap.NewNop(), opts)
	return &fixture{store: st, transport: tr, suppressions: sup, engine: eng}
}

func (f *fixture) enqueueJob(t *testing.T, emails []string, mutate func(*models.SendJob)) *models.SendJob {
	t.Helper()
	job := &models.SendJob{
		ID:              uuid.NewString(),
		WorkspaceID:     "ws-1",
		Status:          models.JobQueued,
		TotalRecipients: len(emails),
		BatchSize:       models.DefaultBatchSize,
		SendConcurrency: models.DefaultSendConcurrency,
		Payload: models.JobPayload{
			FromAddress: "sender@example.com",
			Subject:     "Hello {{name}}",
			BodyHTML:    "<p>Hi {{name}}, this is for {{email}}.</p>",
		},
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	require.NoError(t, f.store.InsertRecipients(context.Background(), job.ID, emails))
	return job
}

func TestProcessSendJobs_EmptyBacklogIsNoOp(t *testing.T) {
	f := newFixture(t, Options{})

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.JobsClaimed)
	assert.Zero(t, sum.JobsCompleted)
	assert.Zero(t, sum.RecipientsProcessed)
	assert.Empty(t, sum.Errors)
}

func TestProcessSendJobs_SendsAllRecipients(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.enqueueJob(t, []string{"a@example.com", "b@example.com", "c@example.com"}, nil)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsClaimed)
	assert.Equal(t, 1, sum.JobsCompleted)
	assert.Equal(t, 3, sum.RecipientsProcessed)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 3, got.Sent)
	assert.Equal(t, 0, got.Failed)
	assert.NotNil(t, got.CompletedAt)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com"}, f.transport.sentTo())
}

func TestProcessSendJobs_ZeroRecipientJobCompletesFirstPass(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.enqueueJob(t, nil, func(j *models.SendJob) { j.TotalRecipients = 0 })

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsCompleted)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Zero(t, got.Sent)
	assert.Zero(t, got.Failed)
}

// Scenario: one of three recipients is unsubscribed. It must be failed
// with the suppression reason and never reach the transport.
func TestProcessSendJobs_UnsubscribedRecipientShortCircuits(t *testing.T) {
	f := newFixture(t, Options{})
	f.suppressions.set["b@example.com"] = true
	job := f.enqueueJob(t, []string{"a@example.com", "b@example.com", "c@example.com"}, nil)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsCompleted)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Sent)
	assert.Equal(t, 1, got.Failed)
	assert.NotContains(t, f.transport.sentTo(), "b@example.com")

	recipients, err := f.store.JobRecipients(context.Background(), job.ID, 10)
	require.NoError(t, err)
	for _, r := range recipients {
		if r.Recipient == "b@example.com" {
			assert.Equal(t, models.RecipientFailed, r.Status)
			assert.Equal(t, "Recipient unsubscribed", r.ErrorMessage)
		} else {
			assert.Equal(t, models.RecipientSent, r.Status)
			assert.NotEmpty(t, r.MessageID)
		}
	}
}

// Scenario: the per-pass budget caps work; the job stays running with the
// untouched recipients still pending.
func TestProcessSendJobs_BudgetLeavesJobRunning(t *testing.T) {
	f := newFixture(t, Options{MaxRecipientsPerJob: 3})
	job := f.enqueueJob(t,
		[]string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"},
		func(j *models.SendJob) { j.BatchSize = 2 },
	)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.RecipientsProcessed)
	assert.Zero(t, sum.JobsCompleted)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)

	remaining, err := f.store.CountRemaining(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	// A second pass drains the rest.
	sum, err = f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.RecipientsProcessed)
	assert.Equal(t, 1, sum.JobsCompleted)
}

// Scenario: mixed transport outcomes. The failure is recorded on its row
// and counted; the success stores a message id.
func TestProcessSendJobs_MixedSendOutcomes(t *testing.T) {
	f := newFixture(t, Options{})
	f.transport.failFor["x@example.com"] = errors.New("550 mailbox unavailable")
	job := f.enqueueJob(t, []string{"x@example.com", "y@example.com"}, nil)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsCompleted)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 1, got.Failed)

	recipients, err := f.store.JobRecipients(context.Background(), job.ID, 10)
	require.NoError(t, err)
	for _, r := range recipients {
		switch r.Recipient {
		case "x@example.com":
			assert.Equal(t, models.RecipientFailed, r.Status)
			assert.Contains(t, r.ErrorMessage, "550 mailbox unavailable")
		case "y@example.com":
			assert.Equal(t, models.RecipientSent, r.Status)
			assert.NotEmpty(t, r.MessageID)
		}
	}
}

// Scenario: a recipient stuck in sending past the lease timeout is reset
// to pending and reprocessed on the next pass.
func TestProcessSendJobs_StaleSendingRecipientReclaimed(t *testing.T) {
	f := newFixture(t, Options{StaleRecipient: 3 * time.Minute})
	job := f.enqueueJob(t, []string{"a@example.com"}, nil)

	// Claim the recipient as a dead worker would have, ten minutes ago.
	past := time.Now().Add(-10 * time.Minute)
	f.store.SetClock(func() time.Time { return past })
	pending, err := f.store.GetPending(context.Background(), job.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	claimed, err := f.store.ClaimRecipients(context.Background(), job.ID, []string{pending[0].ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	f.store.SetClock(time.Now)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RecipientsProcessed)
	assert.Equal(t, 1, sum.JobsCompleted)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Sent)
}

func TestProcessSendJobs_StaleRunningJobTakenOver(t *testing.T) {
	f := newFixture(t, Options{StaleJob: 3 * time.Minute})
	job := f.enqueueJob(t, []string{"a@example.com"}, nil)

	// A worker claimed the job ten minutes ago and died without progress.
	past := time.Now().Add(-10 * time.Minute)
	f.store.SetClock(func() time.Time { return past })
	ok, err := f.store.ClaimQueued(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	f.store.SetClock(time.Now)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsClaimed)
	assert.Equal(t, 1, sum.JobsCompleted)
}

func TestProcessSendJobs_FreshRunningJobContinues(t *testing.T) {
	f := newFixture(t, Options{MaxRecipientsPerJob: 1, StaleJob: 3 * time.Minute})
	f.enqueueJob(t, []string{"a@example.com", "b@example.com"}, nil)

	// First pass claims queued and processes one recipient.
	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RecipientsProcessed)

	// Second pass continues the running job via the heartbeat lease.
	sum, err = f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsClaimed)
	assert.Equal(t, 1, sum.RecipientsProcessed)
	assert.Equal(t, 1, sum.JobsCompleted)
}

func TestProcessSendJobs_CompletedJobNeverTouchedAgain(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.enqueueJob(t, []string{"a@example.com"}, nil)

	_, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)

	before, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, before.Status)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.JobsClaimed)

	after, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Sent, after.Sent)
}

func TestProcessSendJobs_CancelledJobSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.enqueueJob(t, []string{"a@example.com"}, nil)

	ok, err := f.store.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.JobsClaimed)
	assert.Empty(t, f.transport.sentTo())
}

// A resolver failure is a job-level infrastructure error: the job fails
// with a recorded message and the pass itself still succeeds.
type failingResolver struct{}

func (failingResolver) FieldsFor(context.Context, string, []string) (map[string]map[string]string, error) {
	return nil, errors.New("contacts unavailable")
}

func TestProcessSendJobs_InfrastructureErrorFailsJobOnly(t *testing.T) {
	st := memstore.New()
	tr := &fakeTransport{}
	eng := New(st, tr, failingResolver{}, &fakeSuppressions{set: map[string]bool{}}, zap.NewNop(), Options{MaxJobs: 2})
	f := &fixture{store: st, transport: tr, engine: eng}

	bad := f.enqueueJob(t, []string{"a@example.com"}, nil)

	sum, err := eng.ProcessSendJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "contacts unavailable")

	got, err := st.GetJob(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "contacts unavailable")
}

// Counters never exceed the recipient total, whatever mix of outcomes.
func TestProcessSendJobs_CountersBounded(t *testing.T) {
	f := newFixture(t, Options{})
	f.transport.failFor["b@example.com"] = errors.New("boom")
	f.suppressions.set["c@example.com"] = true
	job := f.enqueueJob(t, []string{"a@example.com", "b@example.com", "c@example.com"}, nil)

	_, err := f.engine.ProcessSendJobs(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalRecipients)
	assert.LessOrEqual(t, got.Sent+got.Failed, got.TotalRecipients)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 2, got.Failed)
}

func TestProcessSendJobs_ConcurrentPassesNoDoubleSend(t *testing.T) {
	f := newFixture(t, Options{MaxJobs: 5})
	emails := make([]string, 40)
	for i := range emails {
		emails[i] = uuid.NewString() + "@example.com"
	}
	job := f.enqueueJob(t, emails, func(j *models.SendJob) { j.BatchSize = 5 })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := f.engine.ProcessSendJobs(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 40, got.Sent)
	assert.Zero(t, got.Failed)
	// Exactly one send per recipient across all concurrent passes.
	assert.Len(t, f.transport.sentTo(), 40)
}
