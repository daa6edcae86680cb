package email

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

// Message is one outbound email, fully rendered.
type Message struct {
	From      string
	FromName  string
	To        string
	Subject   string
	HTML      string
	Transport string // named transport config; empty means default
}

// Transport sends a message and returns the provider message id.
// The engine depends only on this pair of outcomes: id or error.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SMTPConfig is one named SMTP endpoint.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// SMTPTransport sends via gomail. A global rate limiter caps outbound
// throughput across all jobs; per-job pacing is the engine's concern.
type SMTPTransport struct {
	defaultCfg SMTPConfig
	named      map[string]SMTPConfig
	limiter    *rate.Limiter
}

func NewSMTPTransport(cfg SMTPConfig, sendRate int) *SMTPTransport {
	if sendRate <= 0 {
		sendRate = 10
	}
	return &SMTPTransport{
		defaultCfg: cfg,
		named:      make(map[string]SMTPConfig),
		limiter:    rate.NewLimiter(rate.Limit(sendRate), sendRate),
	}
}

// Register adds a named transport config selectable per job.
func (t *SMTPTransport) Register(name string, cfg SMTPConfig) {
	t.named[name] = cfg
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	cfg := t.defaultCfg
	if msg.Transport != "" {
		named, ok := t.named[msg.Transport]
		if !ok {
			return "", fmt.Errorf("unknown transport config %q", msg.Transport)
		}
		cfg = named
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", msg.From, msg.FromName)
	} else {
		m.SetHeader("From", msg.From)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), cfg.Host)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.HTML)

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)

	// Retry covers transient connection errors only; the recipient outcome
	// recorded by the caller is final either way.
	operation := func() error {
		return d.DialAndSend(m)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("smtp send error: %w", err)
	}

	return messageID, nil
}
