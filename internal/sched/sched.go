// Package sched runs recurring maintenance jobs (cron specs) and one-shot
// timers. Timers are first-class handles: a pending refresh or reconnect can
// be inspected and cancelled deterministically instead of hiding inside an
// anonymous time.AfterFunc.
package sched

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "sentrylink/pkg/logx"
)

const defaultHistorySize = 100

// Job is one unit of scheduled work. The context carries the job timeout and
// is cancelled on service stop.
type Job func(ctx context.Context) error

// Config controls the scheduler.
type Config struct {
	Timezone       string        // IANA TZ; empty means local
	DefaultTimeout time.Duration // per-job bound; 0 means 1m
	HistorySize    int
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type cronDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID
}

// Service owns the cron runner and all live timers.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	runCtx    context.Context
	runCancel context.CancelFunc

	tmu    sync.Mutex
	timers map[uint64]*Timer
	tseq   uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional accepts both 5-field and 6-field specs plus @every.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers: map[uint64]*Timer{},
	}
}

// Start is idempotent. Jobs registered before Start begin firing once the
// cron runner is up; timers work with or without Start.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.registerLocked(&s.defs[i])
	}
	s.c.Start()
}

// Stop halts the cron runner, cancels running jobs, and stops every pending
// timer. Safe to call from any state.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	s.tmu.Lock()
	timers := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.timers = map[uint64]*Timer{}
	s.tmu.Unlock()
	for _, t := range timers {
		t.Stop()
	}

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	done := c.Stop().Done()
	if ctx == nil {
		<-done
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// AddCron registers a recurring job. Specs use robfig/cron syntax including
// @every descriptors. Registration may happen before or after Start.
func (s *Service) AddCron(name, spec string, job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, cronDef{name: name, spec: spec, job: job})
	if s.c != nil {
		s.registerLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

func (s *Service) registerLocked(def *cronDef) {
	name, job := def.name, def.job
	id, err := s.c.AddFunc(def.spec, func() {
		s.runJob(name, job, s.cfg.DefaultTimeout)
	})
	if err != nil {
		s.log.Error("cron registration failed", logx.String("name", def.name), logx.Err(err))
		return
	}
	def.entryID = id
}

// runJob executes one job with a timeout, panic recovery, and a history entry.
func (s *Service) runJob(name string, job Job, timeout time.Duration) {
	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	started := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("panic in scheduled job")
				s.log.Error("scheduled job panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		return job(ctx)
	}()

	item := HistoryItem{Name: name, Started: started, Duration: time.Since(started)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("scheduled job failed", logx.String("name", name), logx.Duration("took", item.Duration), logx.Err(err))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// History returns a snapshot of recent job runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// PendingTimers reports the number of armed one-shot timers.
func (s *Service) PendingTimers() int {
	s.tmu.Lock()
	n := len(s.timers)
	s.tmu.Unlock()
	return n
}
