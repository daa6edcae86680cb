// Package memstore is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development;
// the mutex stands in for the database's atomic conditional updates.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"MailWave/internal/models"
	"MailWave/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu         sync.Mutex
	jobs       map[string]*models.SendJob
	recipients map[string]*models.SendJobRecipient

	// now is swappable so tests can age leases without sleeping.
	now func() time.Time
}

func New() *Store {
	return &Store{
		jobs:       make(map[string]*models.SendJob),
		recipients: make(map[string]*models.SendJobRecipient),
		now:        time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Store) CreateJob(_ context.Context, job *models.SendJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.jobs[cp.ID] = &cp
	return nil
}

func (m *Store) InsertRecipients(_ context.Context, jobID string, emails []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, email := range emails {
		r := &models.SendJobRecipient{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Recipient: email,
			Status:    models.RecipientPending,
			UpdatedAt: m.now(),
		}
		m.recipients[r.ID] = r
	}
	return nil
}

func (m *Store) GetJob(_ context.Context, id string) (*models.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Store) ListClaimable(_ context.Context, maxJobs int) ([]*models.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.SendJob
	for _, job := range m.jobs {
		if job.Status == models.JobQueued || job.Status == models.JobRunning {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > maxJobs {
		out = out[:maxJobs]
	}
	return out, nil
}

func (m *Store) ClaimQueued(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobQueued {
		return false, nil
	}
	now := m.now()
	job.Status = models.JobRunning
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *Store) ClaimRunning(_ context.Context, id string, expectedHeartbeat time.Time) (bool, error) {
	return m.claimWithHeartbeat(id, expectedHeartbeat)
}

func (m *Store) ClaimStaleRunning(_ context.Context, id string, expectedHeartbeat time.Time) (bool, error) {
	return m.claimWithHeartbeat(id, expectedHeartbeat)
}

func (m *Store) claimWithHeartbeat(id string, expectedHeartbeat time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return false, nil
	}
	if job.HeartbeatAt == nil || !job.HeartbeatAt.Equal(expectedHeartbeat) {
		return false, nil
	}
	now := m.now()
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *Store) Heartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[id]; ok {
		now := m.now()
		job.HeartbeatAt = &now
		job.UpdatedAt = now
	}
	return nil
}

func (m *Store) IncrementProgress(_ context.Context, id string, sentDelta, failedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[id]; ok {
		job.Sent += sentDelta
		job.Failed += failedDelta
		job.UpdatedAt = m.now()
	}
	return nil
}

func (m *Store) SetCompleted(_ context.Context, id string, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := m.now()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *Store) FailWithMessage(_ context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := m.now()
	job.Status = models.JobFailed
	job.ErrorMessage = store.TruncateError(message)
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *Store) CancelJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || (job.Status != models.JobQueued && job.Status != models.JobRunning) {
		return false, nil
	}
	now := m.now()
	job.Status = models.JobCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *Store) CountRemaining(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.recipients {
		if r.JobID == jobID && (r.Status == models.RecipientPending || r.Status == models.RecipientSending) {
			count++
		}
	}
	return count, nil
}

func (m *Store) GetPending(_ context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.SendJobRecipient
	for _, r := range m.recipients {
		if r.JobID == jobID && r.Status == models.RecipientPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) ClaimRecipients(_ context.Context, jobID string, ids []string) ([]*models.SendJobRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*models.SendJobRecipient
	for _, id := range ids {
		r, ok := m.recipients[id]
		if !ok || r.JobID != jobID || r.Status != models.RecipientPending {
			continue
		}
		now := m.now()
		r.Status = models.RecipientSending
		r.ClaimedAt = &now
		r.UpdatedAt = now
		cp := *r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *Store) MarkSent(_ context.Context, recipientID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recipients[recipientID]
	if !ok || r.Status != models.RecipientSending {
		return nil
	}
	r.Status = models.RecipientSent
	r.MessageID = messageID
	r.UpdatedAt = m.now()
	return nil
}

func (m *Store) MarkFailed(_ context.Context, recipientID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recipients[recipientID]
	if !ok || r.Status != models.RecipientSending {
		return nil
	}
	r.Status = models.RecipientFailed
	r.ErrorMessage = store.TruncateError(message)
	r.UpdatedAt = m.now()
	return nil
}

func (m *Store) RequeueStaleSending(_ context.Context, jobID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, r := range m.recipients {
		if r.JobID != jobID || r.Status != models.RecipientSending {
			continue
		}
		if r.ClaimedAt == nil || !r.ClaimedAt.Before(cutoff) {
			continue
		}
		r.Status = models.RecipientPending
		r.ClaimedAt = nil
		r.UpdatedAt = m.now()
		requeued++
	}
	return requeued, nil
}

func (m *Store) JobRecipients(_ context.Context, jobID string, limit int) ([]*models.SendJobRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.SendJobRecipient
	for _, r := range m.recipients {
		if r.JobID == jobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
