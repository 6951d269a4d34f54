package sched

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancellable one-shot. Unlike a raw time.AfterFunc, the handle
// exposes when it fires and whether a Stop actually prevented the job.
type Timer struct {
	name    string
	fires   time.Time
	cleanup func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
	fired   bool
}

// Name reports what the timer was armed for.
func (t *Timer) Name() string { return t.name }

// Fires reports the scheduled fire time.
func (t *Timer) Fires() time.Time { return t.fires }

// Stop cancels the timer. It reports true if the job was prevented from
// running; false if it already fired or was stopped before.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	prevented := t.t.Stop()
	t.mu.Unlock()

	if t.cleanup != nil {
		t.cleanup()
	}
	return prevented
}

// markFired is called from the timer callback; it loses the race against
// Stop by design (Stop already returned true).
func (t *Timer) markFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

// After arms a one-shot that runs job after d. The job gets the same timeout,
// panic recovery, and history treatment as cron jobs. The returned handle is
// live immediately; the service drops it after the job runs or is stopped.
func (s *Service) After(name string, d time.Duration, job Job) *Timer {
	if job == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}

	tm := &Timer{name: name, fires: time.Now().Add(d)}

	s.tmu.Lock()
	s.tseq++
	id := s.tseq
	s.timers[id] = tm
	s.tmu.Unlock()

	tm.cleanup = func() {
		s.tmu.Lock()
		delete(s.timers, id)
		s.tmu.Unlock()
	}
	tm.t = time.AfterFunc(d, func() {
		if !tm.markFired() {
			return
		}
		tm.cleanup()
		s.runJob(name, job, s.cfg.DefaultTimeout)
	})
	return tm
}

// AfterCtx is After with an extra guard: the job is skipped if ctx was
// cancelled before the timer fired.
func (s *Service) AfterCtx(ctx context.Context, name string, d time.Duration, job Job) *Timer {
	if ctx == nil {
		return s.After(name, d, job)
	}
	return s.After(name, d, func(jctx context.Context) error {
		if ctx.Err() != nil {
			return nil
		}
		return job(jctx)
	})
}
