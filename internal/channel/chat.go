package channel

import (
	"context"
	"time"
)

// ---- Slack ----

// Slack posts to an incoming-webhook URL. Credentials: "webhook_url".
type Slack struct {
	WebhookURL string
}

func NewSlack(creds map[string]string) *Slack {
	return &Slack{WebhookURL: cred(creds, "webhook_url")}
}

func (s *Slack) Kind() Kind { return KindSlack }

func (s *Slack) Send(ctx context.Context, m Message) error {
	if s.WebhookURL == "" {
		return ErrNotConfigured
	}
	payload := map[string]string{"text": "*" + m.Title + "*\n" + m.Body}
	return postJSON(ctx, s.WebhookURL, payload, nil)
}

// ---- Discord ----

// Discord posts an embed to a webhook URL. Credentials: "webhook_url",
// optional "username".
type Discord struct {
	WebhookURL string
	Username   string
}

func NewDiscord(creds map[string]string) *Discord {
	d := &Discord{
		WebhookURL: cred(creds, "webhook_url"),
		Username:   cred(creds, "username"),
	}
	if d.Username == "" {
		d.Username = "sentrylink"
	}
	return d
}

func (d *Discord) Kind() Kind { return KindDiscord }

func (d *Discord) Send(ctx context.Context, m Message) error {
	if d.WebhookURL == "" {
		return ErrNotConfigured
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := map[string]any{
		"username": d.Username,
		"embeds": []map[string]any{{
			"title":       m.Title,
			"description": m.Body,
			"color":       discordColor(m.Priority),
			"timestamp":   ts.UTC().Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, d.WebhookURL, payload, nil)
}

func discordColor(priority string) int {
	switch priority {
	case PriorityCritical:
		return 0xE74C3C // red
	case PriorityHigh:
		return 0xE67E22 // orange
	case PriorityLow:
		return 0x95A5A6 // gray
	default:
		return 0x3498DB // blue
	}
}
