package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentrylink/internal/eventbus"
	"sentrylink/pkg/httpx"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTerminal401PublishesLoggedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := New(writeConfigFile(t, fmt.Sprintf("server:\n  base_url: %s\n", srv.URL)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events, unsub := a.Bus().Subscribe(16)
	defer unsub()

	if err := a.API().Get(context.Background(), "/whoami", nil); !httpx.IsUnauthorized(err) {
		t.Fatalf("Get = %v, want unauthorized", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.EvAuthLoggedOut {
				return
			}
		case <-deadline:
			t.Fatal("no logged_out event after terminal 401")
		}
	}
}
