// Package channel implements the delivery adapters alerts fan out to.
//
// Each Sender turns one rendered Message into one provider call. Senders do
// no queueing, retries, or rate limiting; that is the dispatcher's job. A
// sender with missing credentials fails fast with ErrNotConfigured and never
// touches the network.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind names one delivery target.
type Kind string

const (
	KindInApp    Kind = "in_app"
	KindEmail    Kind = "email"
	KindSlack    Kind = "slack"
	KindTelegram Kind = "telegram"
	KindDiscord  Kind = "discord"
	KindWebhook  Kind = "webhook"
	KindSMS      Kind = "sms"
	KindPush     Kind = "push"
)

// Kinds lists every supported channel, in stable order.
func Kinds() []Kind {
	return []Kind{
		KindInApp, KindEmail, KindSlack, KindTelegram,
		KindDiscord, KindWebhook, KindSMS, KindPush,
	}
}

// ParseKind normalizes a config string into a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// ErrNotConfigured means the channel is missing required credentials.
// The dispatcher treats it as a terminal per-channel failure, not an outage.
var ErrNotConfigured = errors.New("channel not configured")

// Priority labels as they appear on the wire. The dispatcher owns the
// ordering; senders only map labels to provider-specific knobs.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Message is one rendered alert, ready for delivery.
type Message struct {
	ID        string
	Type      string
	Title     string
	Body      string
	Priority  string
	Fields    map[string]string
	Timestamp time.Time
	Link      string
}

// Sender delivers one message to one external channel.
type Sender interface {
	Kind() Kind
	Send(ctx context.Context, m Message) error
}

// httpClient is shared by all webhook-style senders. Per-send deadlines come
// from the dispatcher's context; this timeout is the hard backstop.
var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, url string, body any, header http.Header) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func cred(creds map[string]string, key string) string {
	return strings.TrimSpace(creds[key])
}
