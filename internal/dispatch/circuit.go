package dispatch

import (
	"sync"
	"time"

	"sentrylink/internal/channel"
)

// breakerConfig holds effective circuit settings after defaults.
type breakerConfig struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// breakerState tracks consecutive delivery failures for one channel.
//
// On success the circuit closes and failures reset. Once failures reach
// trip, the channel opens for an exponentially growing cooldown; sends are
// skipped while open so a dead provider doesn't burn the retry budget of
// every payload.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerSet struct {
	cfg breakerConfig

	mu sync.Mutex
	m  map[channel.Kind]*breakerState
}

func newBreakerSet(trip int, base, max, resetAfter time.Duration) *breakerSet {
	if trip <= 0 {
		trip = 5
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if max <= 0 {
		max = 2 * time.Minute
	}
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	return &breakerSet{
		cfg: breakerConfig{trip: trip, baseDelay: base, maxDelay: max, resetAfter: resetAfter},
		m:   map[channel.Kind]*breakerState{},
	}
}

func (b *breakerSet) get(kind channel.Kind) *breakerState {
	st := b.m[kind]
	if st == nil {
		st = &breakerState{}
		b.m[kind] = st
	}
	return st
}

// staleResetLocked clears state whose last failure is old enough that the
// streak no longer means anything.
func (b *breakerSet) staleResetLocked(now time.Time, st *breakerState) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (b *breakerSet) isOpen(now time.Time, kind channel.Kind) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(kind)
	b.staleResetLocked(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breakerSet) record(now time.Time, kind channel.Kind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(kind)
	b.staleResetLocked(now, st)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.trip {
		return
	}

	// Cooldown doubles for every failure past the trip point.
	d := b.cfg.baseDelay
	for i := 0; i < st.fails-b.cfg.trip; i++ {
		d *= 2
		if d >= b.cfg.maxDelay {
			d = b.cfg.maxDelay
			break
		}
	}
	st.openUntil = now.Add(d)
}

func (b *breakerSet) snapshot(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
