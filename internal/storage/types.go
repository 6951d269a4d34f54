package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SessionRecord caches the live token pair so a restart can resume without
// a fresh login. Treat the whole record as a secret.
type SessionRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// DeliveryEntry records one per-channel send outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At        time.Time
	PayloadID string
	Type      string
	Priority  string
	Channel   string
	OK        bool
	Attempts  int
	Error     string
	TookMS    int64
}
