package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailWave/internal/csvparser"
	"MailWave/internal/engine"
	"MailWave/internal/models"
	"MailWave/internal/store"
	"MailWave/internal/template"
)

type Handler struct {
	Store  store.Store
	Engine *engine.Engine
	Runner *engine.Runner
	Log    *zap.Logger
}

// Register wires the job endpoints onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("POST /jobs/process", h.ProcessJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
}

type createJobRequest struct {
	WorkspaceID     string            `json:"workspace_id"`
	Payload         models.JobPayload `json:"payload"`
	Recipients      []string          `json:"recipients,omitempty"`
	RecipientsCSV   string            `json:"recipients_csv,omitempty"`
	BatchSize       int               `json:"batch_size,omitempty"`
	SendConcurrency int               `json:"send_concurrency,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
}

type dryRunPreview struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
}

// CreateJob enqueues a send job with its recipients. Dry-run requests are
// resolved synchronously into rendered previews and never enqueued.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.WorkspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}
	if req.Payload.FromAddress == "" || req.Payload.Subject == "" {
		http.Error(w, "payload.from_address and payload.subject are required", http.StatusBadRequest)
		return
	}

	emails := normalizeEmails(req.Recipients)
	fieldsByEmail := map[string]map[string]string{}
	if req.RecipientsCSV != "" {
		rows, err := csvparser.ParseRecipientRows(strings.NewReader(req.RecipientsCSV), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range rows {
			fieldsByEmail[row.Email] = row.Fields
		}
		emails = append(emails, csvparser.Emails(rows)...)
		emails = dedupe(emails)
	}
	if len(emails) == 0 {
		http.Error(w, "at least one recipient is required", http.StatusBadRequest)
		return
	}

	if req.DryRun {
		previews := make([]dryRunPreview, 0, len(emails))
		for _, email := range emails {
			subject, html := template.Render(req.Payload, email, fieldsByEmail[email])
			previews = append(previews, dryRunPreview{Recipient: email, Subject: subject, HTML: html})
		}
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "previews": previews})
		return
	}

	job := &models.SendJob{
		ID:              uuid.NewString(),
		WorkspaceID:     req.WorkspaceID,
		Status:          models.JobQueued,
		Payload:         req.Payload,
		TotalRecipients: len(emails),
		BatchSize:       req.BatchSize,
		SendConcurrency: req.SendConcurrency,
	}
	if job.BatchSize <= 0 {
		job.BatchSize = models.DefaultBatchSize
	}
	if job.SendConcurrency <= 0 {
		job.SendConcurrency = models.DefaultSendConcurrency
	}

	ctx := r.Context()
	if err := h.Store.CreateJob(ctx, job); err != nil {
		h.Log.Error("failed to create job", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.Store.InsertRecipients(ctx, job.ID, emails); err != nil {
		h.Log.Error("failed to insert recipients",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Log.Info("send job enqueued",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
		zap.Int("recipients", len(emails)),
	)

	// Wake the background drain so the job starts without waiting a tick.
	if h.Runner != nil {
		h.Runner.Kick()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":               job.ID,
		"status":           job.Status,
		"total_recipients": job.TotalRecipients,
	})
}

// ProcessJobs triggers one processing pass now and returns its summary.
func (h *Handler) ProcessJobs(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.ProcessSendJobs(r.Context())
	if err != nil {
		h.Log.Error("processing pass failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob marks a queued or running job cancelled. In-flight work in a
// concurrent pass still records its outcomes; the job is simply excluded
// from future claims.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.Store.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job is not cancellable", http.StatusConflict)
		return
	}
	h.Log.Info("send job cancelled", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.JobCancelled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func normalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, e := range in {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
