package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "sentrylink/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st == nil {
		t.Fatal("open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", "  none  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	if _, ok, err := st.LoadSession(ctx); err != nil || ok {
		t.Fatalf("empty load: ok=%v err=%v", ok, err)
	}

	rec := SessionRecord{
		AccessToken:  "acc",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(time.Hour).Round(time.Millisecond),
		UserID:       "u-1",
		Username:     "ops",
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := st.LoadSession(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "acc" || got.RefreshToken != "ref" || got.UserID != "u-1" {
		t.Fatalf("loaded %+v", got)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("expires_at drifted: %v != %v", got.ExpiresAt, rec.ExpiresAt)
	}

	if err := st.ClearSession(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := st.LoadSession(ctx); ok {
		t.Fatal("session survived clear")
	}
	// Clearing twice is fine.
	if err := st.ClearSession(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestSeenSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	until := time.Now().Add(time.Hour)
	if err := st.PutSeen(ctx, "payload-1", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.PutSeen(ctx, "expired", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()

	got, ok, err := st.GetSeen(ctx, "payload-1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until drifted: %v != %v", got, until)
	}
	// Expired entries are pruned during replay.
	if _, ok, _ := st.GetSeen(ctx, "expired"); ok {
		t.Fatal("expired entry survived reopen")
	}
	if _, ok, _ := st.GetSeen(ctx, ""); ok {
		t.Fatal("empty key must miss")
	}
}

func TestAppendDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	e := DeliveryEntry{
		At:        time.Now(),
		PayloadID: "p1",
		Type:      "system",
		Priority:  "high",
		Channel:   "slack",
		OK:        true,
		Attempts:  1,
		TookMS:    42,
	}
	if err := st.AppendDelivery(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendDelivery(ctx, e); err != nil {
		t.Fatalf("append 2: %v", err)
	}
}
