// Package template renders per-recipient subject and body from a job
// payload. Placeholders are resolved by name: {{key}} is replaced with the
// recipient's field of that key. The recipient email is always available
// as {{email}}.
package template

import (
	"fmt"
	"net/url"
	"strings"

	"MailWave/internal/models"
)

// Render substitutes placeholders into the payload's subject and body and
// appends the footer and unsubscribe link when the payload enables them.
// fields may be nil when no contact record exists; the email placeholder
// still resolves.
func Render(payload models.JobPayload, recipient string, fields map[string]string) (subject, html string) {
	vars := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		vars[k] = v
	}
	vars["email"] = recipient

	subject = substitute(payload.Subject, vars)
	html = substitute(payload.BodyHTML, vars)

	if payload.FooterEnabled {
		html += renderFooter(payload, recipient)
	}
	return subject, html
}

func substitute(tmpl string, vars map[string]string) string {
	out := tmpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

func renderFooter(payload models.JobPayload, recipient string) string {
	var b strings.Builder
	b.WriteString(`<div style="margin-top:24px;font-size:12px;color:#888">`)

	if payload.FooterText != "" {
		b.WriteString("<p>")
		b.WriteString(payload.FooterText)
		b.WriteString("</p>")
	}
	if payload.WebsiteURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, payload.WebsiteURL, payload.WebsiteURL)
	}
	if link := UnsubscribeLink(payload.BaseURL, recipient); link != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Unsubscribe</a></p>`, link)
	}

	b.WriteString("</div>")
	return b.String()
}

// UnsubscribeLink builds the per-recipient unsubscribe URL. Empty when the
// payload carries no base URL.
func UnsubscribeLink(baseURL, recipient string) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/unsubscribe?email=" + url.QueryEscape(recipient)
}
