// Package ratelimit implements fixed-window delivery counters.
//
// Counters are keyed "<channel>_<subject>_<window>" and created lazily on
// first use. A counter whose window elapsed restarts at 1. The count never
// exceeds the limit at the instant a send is authorized.
//
// Counters live in process memory only; multiple processes sharing a channel
// will under-count. That is an accepted gap, not a bug to fix here.
package ratelimit

import (
	"sync"
	"time"
)

// Window names used in counter keys.
const (
	WindowHourly = "hourly"
	WindowDaily  = "daily"
)

// Key builds the canonical counter key for (channel, subject, window).
func Key(channel, subject, window string) string {
	return channel + "_" + subject + "_" + window
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter tracks fixed-window counters. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock injects the clock; tests use it to step windows
// deterministically.
func NewWithClock(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{counters: map[string]*counter{}, now: now}
}

// Allow authorizes one event under the given window. A limit <= 0 means
// unlimited. The first event in a window always passes; once the counter
// reaches the limit, further events are rejected until the window elapses.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	if window <= 0 {
		window = time.Hour
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || now.After(c.resetAt) {
		l.counters[key] = &counter{count: 1, resetAt: now.Add(window)}
		return true
	}
	if c.count >= limit {
		return false
	}
	c.count++
	return true
}

// Reset drops the counter for key. Used by tests and cache eviction.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.counters, key)
	l.mu.Unlock()
}

// Sweep drops counters whose window elapsed before now and reports how many
// were removed. Called periodically so idle keys don't accumulate.
func (l *Limiter) Sweep(now time.Time) int {
	if now.IsZero() {
		now = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, c := range l.counters {
		if now.After(c.resetAt) {
			delete(l.counters, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live counters.
func (l *Limiter) Len() int {
	l.mu.Lock()
	n := len(l.counters)
	l.mu.Unlock()
	return n
}
