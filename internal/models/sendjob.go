package models

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSending RecipientStatus = "sending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// JobPayload holds the immutable send parameters fixed at enqueue time.
type JobPayload struct {
	FromAddress   string `json:"from_address"`
	FromName      string `json:"from_name,omitempty"`
	Subject       string `json:"subject"`
	BodyHTML      string `json:"body_html"`
	RateLimitMs   int    `json:"rate_limit_ms,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	FooterEnabled bool   `json:"footer_enabled,omitempty"`
	FooterText    string `json:"footer_text,omitempty"`
	WebsiteURL    string `json:"website_url,omitempty"`
	TransportName string `json:"transport_name,omitempty"`
}

type SendJob struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Status      JobStatus  `json:"status"`
	Payload     JobPayload `json:"payload"`

	TotalRecipients int `json:"total_recipients"`
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`

	BatchSize       int  `json:"batch_size"`
	SendConcurrency int  `json:"send_concurrency"`
	DryRun          bool `json:"dry_run"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type SendJobRecipient struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Recipient    string          `json:"recipient"`
	Status       RecipientStatus `json:"status"`
	MessageID    string          `json:"message_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const (
	DefaultBatchSize       = 50
	DefaultSendConcurrency = 4
)
