package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"sentrylink/internal/eventbus"
)

func captureServer(t *testing.T, got *[]byte, header *http.Header, path *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*got = b
		if header != nil {
			*header = r.Header.Clone()
		}
		if path != nil {
			*path = r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testMessage() Message {
	return Message{
		ID:        "n-1",
		Type:      "scanner_alert",
		Title:     "Scanner alert",
		Body:      "contract flagged",
		Priority:  PriorityHigh,
		Fields:    map[string]string{"token": "XYZ"},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlackWireFormat(t *testing.T) {
	var body []byte
	srv := captureServer(t, &body, nil, nil)

	s := NewSlack(map[string]string{"webhook_url": srv.URL})
	if err := s.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if want := "*Scanner alert*\ncontract flagged"; payload["text"] != want {
		t.Fatalf("text = %q, want %q", payload["text"], want)
	}
}

func TestDiscordWireFormat(t *testing.T) {
	var body []byte
	srv := captureServer(t, &body, nil, nil)

	d := NewDiscord(map[string]string{"webhook_url": srv.URL})
	if err := d.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
			Timestamp   string `json:"timestamp"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if payload.Username != "sentrylink" {
		t.Fatalf("username = %q", payload.Username)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Title != "Scanner alert" {
		t.Fatalf("embeds = %+v", payload.Embeds)
	}
	if payload.Embeds[0].Color != discordColor(PriorityHigh) {
		t.Fatalf("color = %d", payload.Embeds[0].Color)
	}
}

func TestTelegramWireFormat(t *testing.T) {
	var body []byte
	var path string
	// telebot decodes the response body as a Bot API envelope, so the stub
	// must return a minimal well-formed one rather than an empty body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = b
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`))
	}))
	t.Cleanup(srv.Close)

	tg := NewTelegram(map[string]string{
		"token":   "TESTTOKEN",
		"chat_id": "42",
		"api_url": srv.URL,
	})
	if err := tg.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !strings.Contains(path, "/botTESTTOKEN/sendMessage") {
		t.Fatalf("path = %q, want bot token sendMessage endpoint", path)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if payload["chat_id"] != "42" {
		t.Fatalf("chat_id = %q", payload["chat_id"])
	}
	if payload["parse_mode"] != "Markdown" {
		t.Fatalf("parse_mode = %q", payload["parse_mode"])
	}
	if !strings.Contains(payload["text"], "Scanner alert") {
		t.Fatalf("text = %q", payload["text"])
	}
}

func TestWebhookForwardsFullPayload(t *testing.T) {
	var body []byte
	var header http.Header
	srv := captureServer(t, &body, &header, nil)

	w := NewWebhook(map[string]string{"url": srv.URL, "token": "secret"})
	if err := w.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("Authorization = %q", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	for _, key := range []string{"id", "type", "title", "message", "priority", "data", "timestamp", "agent"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("payload missing %q: %v", key, payload)
		}
	}
	if payload["message"] != "contract flagged" {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestSMSTruncatesToOneSegment(t *testing.T) {
	var body []byte
	srv := captureServer(t, &body, nil, nil)

	s := NewSMS(map[string]string{"url": srv.URL, "to": "+15550100"})
	m := testMessage()
	m.Body = strings.Repeat("x", 400)
	if err := s.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(payload["body"]) > smsBodyLimit {
		t.Fatalf("body length = %d, want <= %d", len(payload["body"]), smsBodyLimit)
	}
	if !strings.HasSuffix(payload["body"], "...") {
		t.Fatalf("truncated body should end with ellipsis: %q", payload["body"])
	}
}

func TestPushWireFormat(t *testing.T) {
	var body []byte
	var header http.Header
	var path string
	srv := captureServer(t, &body, &header, &path)

	p := NewPush(map[string]string{"server": srv.URL, "token": "gotify-key"})
	m := testMessage()
	m.Priority = PriorityCritical
	if err := p.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if path != "/message" {
		t.Fatalf("path = %q, want /message", path)
	}
	if header.Get("X-Gotify-Key") != "gotify-key" {
		t.Fatalf("X-Gotify-Key = %q", header.Get("X-Gotify-Key"))
	}
	var payload struct {
		Priority int `json:"priority"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if payload.Priority != 10 {
		t.Fatalf("priority = %d, want 10", payload.Priority)
	}
}

func TestEmailUsesHook(t *testing.T) {
	orig := sendMailHook
	defer func() { sendMailHook = orig }()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	sendMailHook = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	e := NewEmail(map[string]string{
		"host":     "mail.example.com",
		"port":     "2525",
		"username": "bot@example.com",
		"password": "pw",
		"to":       "ops@example.com, dev@example.com",
	})
	if err := e.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotAddr != "mail.example.com:2525" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if gotFrom != "bot@example.com" {
		t.Fatalf("from = %q", gotFrom)
	}
	if len(gotTo) != 2 {
		t.Fatalf("to = %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "Subject: [sentrylink] Scanner alert") {
		t.Fatalf("msg = %q", gotMsg)
	}
}

func TestMissingConfigShortCircuits(t *testing.T) {
	// No server is running; a sender that touches the network would fail
	// with a transport error, not ErrNotConfigured.
	senders := []Sender{
		NewSlack(nil),
		NewDiscord(nil),
		NewTelegram(nil),
		NewWebhook(nil),
		NewSMS(nil),
		NewPush(nil),
		NewEmail(nil),
	}
	for _, s := range senders {
		if err := s.Send(context.Background(), testMessage()); err != ErrNotConfigured {
			t.Fatalf("%s: err = %v, want ErrNotConfigured", s.Kind(), err)
		}
	}
}

func TestInAppInboxAndBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	a := NewInApp(bus)

	m := testMessage()
	m.Priority = PriorityCritical
	if err := a.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	items := a.Items()
	if len(items) != 1 {
		t.Fatalf("inbox size = %d, want 1", len(items))
	}
	if !items[0].ExpiresAt.IsZero() {
		t.Fatal("critical items must be pinned (zero ExpiresAt)")
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.EvInboxItem {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbox event published")
	}
}

func TestBuildCoversAllKinds(t *testing.T) {
	for _, k := range Kinds() {
		s, ok := Build(k, nil, nil)
		if !ok || s == nil {
			t.Fatalf("Build(%s) failed", k)
		}
		if s.Kind() != k {
			t.Fatalf("Build(%s).Kind() = %s", k, s.Kind())
		}
	}
	if _, ok := Build("carrier_pigeon", nil, nil); ok {
		t.Fatal("unknown kind should not build")
	}
}
