package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_claimed_total",
			Help: "Total jobs claimed by this instance",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_completed_total",
			Help: "Total jobs finished with all recipients resolved",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_failed_total",
			Help: "Total jobs transitioned to failed",
		},
	)

	ClaimContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_claim_contention_total",
			Help: "Claims skipped because another worker held the lease",
		},
	)

	StaleTakeovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_stale_takeovers_total",
			Help: "Running jobs taken over after a stale heartbeat",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	RecipientsUnsubscribed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recipients_unsubscribed_total",
			Help: "Recipients skipped because they are unsubscribed",
		},
	)

	RecipientsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recipients_requeued_total",
			Help: "Stale sending recipients reset to pending",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		JobsClaimed,
		JobsCompleted,
		JobsFailed,
		ClaimContention,
		StaleTakeovers,
		EmailsSent,
		EmailFailures,
		RecipientsUnsubscribed,
		RecipientsRequeued,
	)
}
