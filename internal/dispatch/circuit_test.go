package dispatch

import (
	"errors"
	"testing"
	"time"

	"sentrylink/internal/channel"
)

func TestBreakerTripAndCooldown(t *testing.T) {
	b := newBreakerSet(3, 10*time.Second, time.Minute, 5*time.Minute)
	now := time.Unix(1000, 0)
	fail := errors.New("down")

	for i := 0; i < 2; i++ {
		b.record(now, channel.KindSlack, fail)
		if open, _ := b.isOpen(now, channel.KindSlack); open {
			t.Fatalf("open after %d failures, trip is 3", i+1)
		}
	}

	b.record(now, channel.KindSlack, fail)
	open, until := b.isOpen(now, channel.KindSlack)
	if !open {
		t.Fatal("circuit must open at the trip point")
	}
	if want := now.Add(10 * time.Second); !until.Equal(want) {
		t.Fatalf("openUntil = %v, want %v", until, want)
	}

	// Another failure doubles the cooldown.
	b.record(now, channel.KindSlack, fail)
	if _, until = b.isOpen(now, channel.KindSlack); !until.Equal(now.Add(20 * time.Second)) {
		t.Fatalf("openUntil after 4th failure = %v, want +20s", until)
	}

	// Cooldown elapses.
	later := now.Add(21 * time.Second)
	if open, _ := b.isOpen(later, channel.KindSlack); open {
		t.Fatal("circuit must admit a probe after cooldown")
	}

	// Success closes it completely.
	b.record(later, channel.KindSlack, nil)
	b.record(later, channel.KindSlack, fail)
	b.record(later, channel.KindSlack, fail)
	if open, _ := b.isOpen(later, channel.KindSlack); open {
		t.Fatal("failure streak must restart after a success")
	}
}

func TestBreakerCooldownCap(t *testing.T) {
	b := newBreakerSet(1, 10*time.Second, 30*time.Second, time.Hour)
	now := time.Unix(1000, 0)
	fail := errors.New("down")

	for i := 0; i < 10; i++ {
		b.record(now, channel.KindEmail, fail)
	}
	_, until := b.isOpen(now, channel.KindEmail)
	if !until.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("openUntil = %v, want capped at +30s", until)
	}
}

func TestBreakerChannelsIndependent(t *testing.T) {
	b := newBreakerSet(1, time.Minute, time.Minute, time.Hour)
	now := time.Unix(1000, 0)

	b.record(now, channel.KindSlack, errors.New("down"))
	if open, _ := b.isOpen(now, channel.KindSlack); !open {
		t.Fatal("slack circuit must open")
	}
	if open, _ := b.isOpen(now, channel.KindEmail); open {
		t.Fatal("email circuit must stay closed")
	}
}

func TestBreakerStaleReset(t *testing.T) {
	b := newBreakerSet(3, time.Minute, time.Minute, 5*time.Minute)
	now := time.Unix(1000, 0)
	fail := errors.New("down")

	b.record(now, channel.KindSlack, fail)
	b.record(now, channel.KindSlack, fail)

	// A failure long after the streak must count as the first of a new one.
	later := now.Add(10 * time.Minute)
	b.record(later, channel.KindSlack, fail)
	if open, _ := b.isOpen(later, channel.KindSlack); open {
		t.Fatal("stale streak must have been reset")
	}
}
