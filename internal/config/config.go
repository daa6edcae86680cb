package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailwave.dev"`

	// ----------------------------
	// Send-job engine
	// ----------------------------
	MaxJobs             int `envconfig:"MAX_JOBS" default:"1"`
	MaxRecipientsPerJob int `envconfig:"MAX_RECIPIENTS_PER_JOB" default:"250"`
	StaleJobMs          int `envconfig:"STALE_JOB_MS" default:"180000"`
	StaleRecipientMs    int `envconfig:"STALE_RECIPIENT_MS" default:"180000"`
	DrainIterations     int `envconfig:"DRAIN_ITERATIONS" default:"20"`
	DrainIntervalSec    int `envconfig:"DRAIN_INTERVAL_SEC" default:"30"`

	// Global outbound cap across all jobs, emails per second.
	SendRate int `envconfig:"SEND_RATE" default:"10"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
