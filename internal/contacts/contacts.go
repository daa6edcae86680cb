// Package contacts provides the recipient-data capabilities the send
// engine consumes: per-contact template fields and the unsubscribe set.
package contacts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver looks up template fields for a set of emails within a
// workspace. Emails without a contact record are absent from the result.
type Resolver interface {
	FieldsFor(ctx context.Context, workspaceID string, emails []string) (map[string]map[string]string, error)
}

// SuppressionList reports which of the given emails are unsubscribed.
type SuppressionList interface {
	Unsubscribed(ctx context.Context, workspaceID string, emails []string) (map[string]bool, error)
}

// PGResolver reads contact fields from the contacts table.
type PGResolver struct {
	pool *pgxpool.Pool
}

func NewPGResolver(pool *pgxpool.Pool) *PGResolver {
	return &PGResolver{pool: pool}
}

func (r *PGResolver) FieldsFor(ctx context.Context, workspaceID string, emails []string) (map[string]map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT email, fields
		FROM contacts
		WHERE workspace_id = $1 AND email = ANY($2)`,
		workspaceID, emails,
	)
	if err != nil {
		return nil, fmt.Errorf("contacts: fields for: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var (
			email  string
			fields map[string]string
		)
		if err := rows.Scan(&email, &fields); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		out[email] = fields
	}
	return out, rows.Err()
}

// PGSuppressionList reads the unsubscribes table.
type PGSuppressionList struct {
	pool *pgxpool.Pool
}

func NewPGSuppressionList(pool *pgxpool.Pool) *PGSuppressionList {
	return &PGSuppressionList{pool: pool}
}

func (l *PGSuppressionList) Unsubscribed(ctx context.Context, workspaceID string, emails []string) (map[string]bool, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT email
		FROM unsubscribes
		WHERE workspace_id = $1 AND email = ANY($2)`,
		workspaceID, emails,
	)
	if err != nil {
		return nil, fmt.Errorf("contacts: unsubscribed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		out[email] = true
	}
	return out, rows.Err()
}
