package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTokens struct {
	token       atomic.Value // string
	refreshErr  error
	refreshes   atomic.Int32
	invalidated atomic.Int32
}

func newFakeTokens(tok string) *fakeTokens {
	f := &fakeTokens{}
	f.token.Store(tok)
	return f
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	return f.token.Load().(string), nil
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token.Store("rotated")
	return nil
}

func (f *fakeTokens) Invalidate() { f.invalidated.Add(1) }

func captureSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleepHook
	sleepHook = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleepHook = orig })
	return &delays
}

func TestRetryCeilingOn503(t *testing.T) {
	delays := captureSleeps(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retries: 2, BackoffBase: 10 * time.Millisecond})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("attempts = %d, want retries+1 = 3", got)
	}
	if len(*delays) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*delays))
	}
	// Exponential growth with jitter in [0.7, 1.3]: 20ms then 40ms nominal.
	d1, d2 := (*delays)[0], (*delays)[1]
	if d1 < 14*time.Millisecond || d1 > 26*time.Millisecond {
		t.Fatalf("first backoff %v outside jitter window", d1)
	}
	if d2 < 28*time.Millisecond || d2 > 52*time.Millisecond {
		t.Fatalf("second backoff %v outside jitter window", d2)
	}
	if d2 <= d1 {
		t.Fatalf("backoff not growing: %v then %v", d1, d2)
	}
	if !IsRetryable(err) {
		t.Fatalf("503 should classify retryable: %v", err)
	}
}

func TestNoRetryOn404(t *testing.T) {
	delays := captureSleeps(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retries: 3})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/missing"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (4xx is terminal)", got)
	}
	if len(*delays) != 0 {
		t.Fatalf("unexpected sleeps: %v", *delays)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("status not carried: %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("404 must not classify retryable")
	}
}

func TestTransparentRetryAfterRefresh(t *testing.T) {
	delays := captureSleeps(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tokens := newFakeTokens("stale")
	c := New(Config{BaseURL: srv.URL, Retries: -1}, WithTokenSource(tokens))

	res, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2 (401 then retry)", got)
	}
	if got := tokens.refreshes.Load(); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
	if len(*delays) != 0 {
		t.Fatalf("refresh retry must not back off, got %v", *delays)
	}
	if tokens.invalidated.Load() != 0 {
		t.Fatal("session invalidated on successful refresh path")
	}
}

func TestTerminal401InvalidatesAndSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newFakeTokens("stale")
	tokens.refreshErr = errors.New("refresh rejected")
	var hookFired atomic.Int32
	c := New(Config{BaseURL: srv.URL},
		WithTokenSource(tokens),
		WithUnauthorizedHook(func() { hookFired.Add(1) }),
	)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"})
	if !IsUnauthorized(err) {
		t.Fatalf("want unauthorized, got %v", err)
	}
	if tokens.invalidated.Load() != 1 {
		t.Fatalf("invalidations = %d, want 1", tokens.invalidated.Load())
	}
	if hookFired.Load() != 1 {
		t.Fatalf("hook fired %d times, want 1", hookFired.Load())
	}
}

func TestServerErrorBodyAbsorbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"validation_failed","message":"limit must be positive","details":{"field":"limit"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/prefs", Body: map[string]int{"limit": -1}})

	pe, ok := AsError(err)
	if !ok {
		t.Fatalf("not a pipeline error: %v", err)
	}
	if pe.Code != "validation_failed" || pe.Message != "limit must be positive" {
		t.Fatalf("body not absorbed: %+v", pe)
	}
	if pe.Details["field"] != "limit" {
		t.Fatalf("details lost: %+v", pe.Details)
	}
	if pe.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestPerAttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 30 * time.Millisecond, Retries: -1})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})
	pe, ok := AsError(err)
	if !ok || pe.Code != CodeTimeout {
		t.Fatalf("want timeout classification, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("timeouts should classify retryable")
	}
}

func TestPostDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"id":"abc","seq":7}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var out struct {
		ID  string `json:"id"`
		Seq int    `json:"seq"`
	}
	if err := c.Post(context.Background(), "/submit", map[string]string{"a": "b"}, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.ID != "abc" || out.Seq != 7 {
		t.Fatalf("decoded %+v", out)
	}
}
