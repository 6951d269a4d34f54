package channel

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ---- Generic webhook ----

// Webhook forwards the full payload as JSON. Credentials: "url", optional
// "token" (sent as a bearer header).
type Webhook struct {
	URL   string
	Token string
}

func NewWebhook(creds map[string]string) *Webhook {
	return &Webhook{URL: cred(creds, "url"), Token: cred(creds, "token")}
}

func (w *Webhook) Kind() Kind { return KindWebhook }

func (w *Webhook) Send(ctx context.Context, m Message) error {
	if w.URL == "" {
		return ErrNotConfigured
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := map[string]any{
		"id":        m.ID,
		"type":      m.Type,
		"title":     m.Title,
		"message":   m.Body,
		"priority":  m.Priority,
		"data":      m.Fields,
		"timestamp": ts.UTC().Format(time.RFC3339),
		"agent":     "sentrylink",
	}
	var header http.Header
	if w.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + w.Token}}
	}
	return postJSON(ctx, w.URL, payload, header)
}

// ---- SMS gateway ----

const smsBodyLimit = 160

// SMS posts to a JSON SMS gateway. Credentials: "url", "to", optional "from"
// and "token".
type SMS struct {
	URL   string
	To    string
	From  string
	Token string
}

func NewSMS(creds map[string]string) *SMS {
	return &SMS{
		URL:   cred(creds, "url"),
		To:    cred(creds, "to"),
		From:  cred(creds, "from"),
		Token: cred(creds, "token"),
	}
}

func (s *SMS) Kind() Kind { return KindSMS }

func (s *SMS) Send(ctx context.Context, m Message) error {
	if s.URL == "" || s.To == "" {
		return ErrNotConfigured
	}
	body := m.Title
	if m.Body != "" {
		body += ": " + m.Body
	}
	// One SMS segment; gateways charge per segment and truncate anyway.
	if len(body) > smsBodyLimit {
		body = body[:smsBodyLimit-3] + "..."
	}
	payload := map[string]string{"to": s.To, "from": s.From, "body": body}
	var header http.Header
	if s.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + s.Token}}
	}
	return postJSON(ctx, s.URL, payload, header)
}

// ---- Push (Gotify-compatible) ----

// Push posts to a Gotify-compatible server. Credentials: "server", "token".
type Push struct {
	Server string
	Token  string
}

func NewPush(creds map[string]string) *Push {
	return &Push{Server: cred(creds, "server"), Token: cred(creds, "token")}
}

func (p *Push) Kind() Kind { return KindPush }

func (p *Push) Send(ctx context.Context, m Message) error {
	if p.Server == "" || p.Token == "" {
		return ErrNotConfigured
	}
	payload := map[string]any{
		"title":    m.Title,
		"message":  m.Body,
		"priority": pushPriority(m.Priority),
	}
	url := strings.TrimRight(p.Server, "/") + "/message"
	header := http.Header{"X-Gotify-Key": []string{p.Token}}
	return postJSON(ctx, url, payload, header)
}

func pushPriority(priority string) int {
	switch priority {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 8
	case PriorityLow:
		return 2
	default:
		return 5
	}
}
