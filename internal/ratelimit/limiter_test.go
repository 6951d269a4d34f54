package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestAllowWindowSemantics(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewWithClock(clk.Now)

	key := Key("slack", "alert", WindowHourly)
	want := []bool{true, true, true, false}
	for i, w := range want {
		if got := l.Allow(key, 3, time.Second); got != w {
			t.Fatalf("call %d: Allow = %v, want %v", i+1, got, w)
		}
	}

	// Window elapses; counter restarts at 1.
	clk.Advance(1100 * time.Millisecond)
	if !l.Allow(key, 3, time.Second) {
		t.Fatal("Allow after window elapsed = false, want true")
	}
}

func TestAllowCountNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewWithClock(clk.Now)

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow("k", 5, time.Minute) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed %d events, want 5", allowed)
	}
}

func TestAllowUnlimited(t *testing.T) {
	t.Parallel()

	l := New()
	for i := 0; i < 10; i++ {
		if !l.Allow("k", 0, time.Second) {
			t.Fatal("limit 0 should never reject")
		}
	}
}

func TestIndependentWindows(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewWithClock(clk.Now)

	hourly := Key("email", "alert", WindowHourly)
	daily := Key("email", "alert", WindowDaily)

	// Exhaust the hourly window; the daily one is untouched.
	l.Allow(hourly, 1, time.Hour)
	if l.Allow(hourly, 1, time.Hour) {
		t.Fatal("hourly window should be exhausted")
	}
	if !l.Allow(daily, 10, 24*time.Hour) {
		t.Fatal("daily window should still allow")
	}
}

func TestResetAndSweep(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewWithClock(clk.Now)

	for i := 0; i < 4; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 1, time.Second)
	}
	if l.Len() != 4 {
		t.Fatalf("Len = %d, want 4", l.Len())
	}

	l.Reset("k0")
	if l.Len() != 3 {
		t.Fatalf("Len after Reset = %d, want 3", l.Len())
	}
	if !l.Allow("k0", 1, time.Second) {
		t.Fatal("Allow after Reset = false, want true")
	}

	clk.Advance(2 * time.Second)
	if removed := l.Sweep(clk.Now()); removed != 4 {
		t.Fatalf("Sweep removed %d, want 4", removed)
	}
	if l.Len() != 0 {
		t.Fatalf("Len after Sweep = %d, want 0", l.Len())
	}
}

func TestAllowConcurrent(t *testing.T) {
	t.Parallel()

	l := New()
	const limit = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared", limit, time.Minute) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("allowed %d, want exactly %d", allowed, limit)
	}
}
