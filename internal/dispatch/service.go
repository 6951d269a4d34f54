// Package dispatch implements the notification pipeline: filter, dedup,
// queue, render, fan out, retry.
//
// Payloads enter through Send, pass pre-queue filters (expiry, quiet hours,
// priority, keywords, seen IDs) and wait in a bounded FIFO. A single drain
// goroutine preserves payload order and fans each payload out to its resolved
// channels concurrently, so one slow channel never blocks another. Per-channel
// delivery applies global pacing, fixed-window rate limits, a circuit breaker,
// template rendering and bounded retries. Sender errors never escape the
// pipeline; outcomes land in the history ring, the optional delivery log and
// on the event bus.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sentrylink/internal/channel"
	"sentrylink/internal/eventbus"
	"sentrylink/internal/ratelimit"
	rtsup "sentrylink/internal/runtime/supervisor"
	"sentrylink/internal/storage"
	logx "sentrylink/pkg/logx"
)

var (
	ErrDisabled         = errors.New("dispatch disabled")
	ErrStopped          = errors.New("dispatch stopped")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrExpired          = errors.New("payload expired")
	ErrQuietHours       = errors.New("suppressed by quiet hours")
	ErrPriorityFiltered = errors.New("below minimum priority")
	ErrKeywordFiltered  = errors.New("suppressed by keyword filter")
	ErrDuplicate        = errors.New("duplicate payload id")
)

// Config tunes the pipeline. Zero values take the documented defaults.
type Config struct {
	Enabled bool

	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// SeenWindow suppresses payloads whose ID was accepted within it.
	SeenWindow     time.Duration
	SeenMaxEntries int
	PersistSeen    bool

	HistorySize int

	// BreakerTrip consecutive failures open a channel's circuit.
	BreakerTrip     int
	BreakerBase     time.Duration
	BreakerMaxDelay time.Duration
	BreakerReset    time.Duration
}

// Stats is a point-in-time snapshot for ops surfaces.
type Stats struct {
	Queued       int
	Accepted     uint64
	Suppressed   uint64
	Delivered    uint64
	Failed       uint64
	RateLimited  uint64
	OpenCircuits int
}

// Service is the notification dispatcher. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg   Config
	prefs Preferences

	senders map[channel.Kind]channel.Sender

	pacer    *rate.Limiter
	windows  *ratelimit.Limiter
	breakers *breakerSet

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Payload
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// Seen payload IDs: id -> suppress until.
	smu  sync.Mutex
	seen map[string]time.Time

	hmu     sync.Mutex
	history []Delivery

	accepted    counter64
	suppressed  counter64
	delivered   counter64
	failed      counter64
	rateLimited counter64

	// Test seams.
	now       func() time.Time
	sleepHook func(ctx context.Context, d time.Duration) error
}

type counter64 struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter64) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter64) get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func New(cfg Config, prefs Preferences, senders []channel.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "dispatch")),
		bus:     bus,
		store:   store,
		senders: map[channel.Kind]channel.Sender{},
		windows: ratelimit.New(),
		seen:    map[string]time.Time{},
		now:     time.Now,
	}
	for _, sd := range senders {
		if sd != nil {
			s.senders[sd.Kind()] = sd
		}
	}
	s.setPreferencesLocked(prefs)
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply hot-reloads pipeline tuning. Queue size takes effect on next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.SeenWindow < 0 {
		cfg.SeenWindow = 0
	}
	if cfg.SeenMaxEntries <= 0 {
		cfg.SeenMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.pacer = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.breakers = newBreakerSet(cfg.BreakerTrip, cfg.BreakerBase, cfg.BreakerMaxDelay, cfg.BreakerReset)
}

// SetSenders replaces the wired senders, typically after a credential
// reload. In-flight deliveries keep the sender they resolved.
func (s *Service) SetSenders(senders []channel.Sender) {
	m := make(map[channel.Kind]channel.Sender, len(senders))
	for _, sd := range senders {
		if sd != nil {
			m[sd.Kind()] = sd
		}
	}
	s.mu.Lock()
	s.senders = m
	s.mu.Unlock()
}

// SetPreferences swaps the routing/filter configuration wholesale.
func (s *Service) SetPreferences(p Preferences) {
	s.mu.Lock()
	s.setPreferencesLocked(p)
	s.mu.Unlock()
}

// UpdatePreferences applies fn to a copy of the current preferences and
// swaps the result in atomically.
func (s *Service) UpdatePreferences(fn func(*Preferences)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	p := clonePreferences(s.prefs)
	fn(&p)
	s.setPreferencesLocked(p)
	s.mu.Unlock()
}

// Preferences returns a copy of the live preferences.
func (s *Service) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePreferences(s.prefs)
}

func (s *Service) setPreferencesLocked(p Preferences) {
	if p.Channels == nil {
		p.Channels = map[channel.Kind]ChannelSettings{}
	}
	if p.Routing == nil {
		p.Routing = map[string][]channel.Kind{}
	}
	if p.Templates == nil {
		p.Templates = map[string]string{}
	}
	s.prefs = p
}

func clonePreferences(p Preferences) Preferences {
	out := p
	out.Channels = make(map[channel.Kind]ChannelSettings, len(p.Channels))
	for k, v := range p.Channels {
		if v.RateLimit != nil {
			rl := *v.RateLimit
			v.RateLimit = &rl
		}
		out.Channels[k] = v
	}
	out.Routing = make(map[string][]channel.Kind, len(p.Routing))
	for k, v := range p.Routing {
		out.Routing[k] = append([]channel.Kind(nil), v...)
	}
	out.Templates = make(map[string]string, len(p.Templates))
	for k, v := range p.Templates {
		out.Templates[k] = v
	}
	out.Filters.Keywords = append([]string(nil), p.Filters.Keywords...)
	out.Filters.ExcludeKeywords = append([]string(nil), p.Filters.ExcludeKeywords...)
	return out
}

// Start brings up the drain worker. Idempotent; a no-op while disabled.
// The worker outlives ctx so queued payloads survive shutdown of the
// surrounding process long enough for Stop to drain them; callers must
// pair Start with Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Payload, s.cfg.QueueSize)
	s.accepting = true

	// Delivery failures are per-channel noise; they must not take down the app.
	// The worker also runs detached from the caller's context: a cancelled run
	// context must not drop the backlog that Stop still wants to flush. Stop is
	// the only way down, and its deadline bounds the flush.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("drain", func(c context.Context) error {
		s.drainLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch drain loop exited unexpectedly")
	})
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Let in-flight enqueues land, then close the queue so the drain
		// worker exits after the backlog.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Send runs the pre-queue pipeline and enqueues the payload. A nil return
// means accepted; sentinel errors name the drop reason. Delivery outcomes are
// reported asynchronously through events and History.
func (s *Service) Send(ctx context.Context, p Payload) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	prefs := s.prefs
	st := s.store
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := s.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}

	if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
		s.suppress(p, "expired")
		return ErrExpired
	}
	if p.Priority != PriorityCritical && quietHoursActive(now, prefs.QuietHours) {
		s.suppress(p, "quiet_hours")
		return ErrQuietHours
	}
	if p.Priority < prefs.Filters.MinPriority {
		s.suppress(p, "priority")
		return ErrPriorityFiltered
	}
	if matchesAny(p, prefs.Filters.ExcludeKeywords) {
		s.suppress(p, "keyword_exclude")
		return ErrKeywordFiltered
	}
	if len(prefs.Filters.Keywords) > 0 && !matchesAny(p, prefs.Filters.Keywords) {
		s.suppress(p, "keyword_allow")
		return ErrKeywordFiltered
	}
	if cfg.SeenWindow > 0 && !s.seenAllow(ctx, now, p.ID, cfg, st) {
		s.suppress(p, "duplicate")
		return ErrDuplicate
	}

	select {
	case q <- p:
		s.accepted.inc()
		eventbus.Emit(s.bus, eventbus.EvNotifyQueued, DeliveryEvent{
			PayloadID: p.ID, Type: p.Type, At: now,
		})
		return nil
	default:
		s.suppress(p, "queue_full")
		return ErrQueueFull
	}
}

func (s *Service) suppress(p Payload, reason string) {
	s.suppressed.inc()
	s.log.Debug("payload suppressed",
		logx.String("id", p.ID),
		logx.String("type", p.Type),
		logx.String("reason", reason))
	eventbus.Emit(s.bus, eventbus.EvNotifySuppressed, DeliveryEvent{
		PayloadID: p.ID, Type: p.Type, Reason: reason, At: s.now(),
	})
}

// seenAllow implements best-effort payload-ID idempotency: an ID accepted
// within the window is rejected. The in-memory map is authoritative; the
// storage check only widens the horizon across restarts.
func (s *Service) seenAllow(ctx context.Context, now time.Time, id string, cfg Config, st storage.Store) bool {
	s.smu.Lock()
	if until, ok := s.seen[id]; ok && now.Before(until) {
		s.smu.Unlock()
		return false
	}
	s.smu.Unlock()

	if cfg.PersistSeen && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetSeen(cctx, id)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.smu.Lock()
			s.seen[id] = until
			s.smu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.SeenWindow)
	s.smu.Lock()
	s.seen[id] = until
	for k, u := range s.seen {
		if !now.Before(u) {
			delete(s.seen, k)
		}
	}
	// Cap by evicting earliest expiries first.
	for cfg.SeenMaxEntries > 0 && len(s.seen) > cfg.SeenMaxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, u := range s.seen {
			if !set || u.Before(minT) {
				minKey, minT, set = k, u, true
			}
		}
		if minKey == "" {
			break
		}
		delete(s.seen, minKey)
	}
	s.smu.Unlock()

	if cfg.PersistSeen && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		_ = st.PutSeen(cctx, id, until)
		cancel()
	}
	return true
}

func (s *Service) drainLoop(ctx context.Context, q <-chan Payload) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, p)
		}
	}
}

// process fans one payload out to its channels. Channels run concurrently;
// process returns when every channel finished, keeping payload FIFO.
func (s *Service) process(ctx context.Context, p Payload) {
	s.mu.Lock()
	cfg := s.cfg
	prefs := s.prefs
	s.mu.Unlock()

	kinds := resolveChannels(p, prefs)
	if len(kinds) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, k := range kinds {
		wg.Add(1)
		go func(kind channel.Kind) {
			defer wg.Done()
			s.deliver(ctx, p, kind, cfg, prefs)
		}(k)
	}
	wg.Wait()
}

// resolveChannels unions the payload's explicit channels with the routing
// defaults for its type. Payloads with no target at all land in-app so
// nothing vanishes silently.
func resolveChannels(p Payload, prefs Preferences) []channel.Kind {
	set := map[channel.Kind]struct{}{}
	var out []channel.Kind
	add := func(k channel.Kind) {
		if _, ok := set[k]; ok {
			return
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range p.Channels {
		add(k)
	}
	for _, k := range prefs.Routing[p.Type] {
		add(k)
	}
	if len(out) == 0 {
		add(channel.KindInApp)
	}
	return out
}

func (s *Service) deliver(ctx context.Context, p Payload, kind channel.Kind, cfg Config, prefs Preferences) {
	log := s.log.With(
		logx.String("id", p.ID),
		logx.String("type", p.Type),
		logx.String("channel", string(kind)),
	)

	settings, ok := prefs.Channels[kind]
	if !ok || !settings.Enabled {
		log.Debug("channel disabled, skipping")
		return
	}
	s.mu.Lock()
	sender := s.senders[kind]
	s.mu.Unlock()
	if sender == nil {
		log.Debug("no sender wired, skipping")
		return
	}

	now := s.now()

	if rl := settings.RateLimit; rl != nil {
		hourOK := s.windows.Allow(ratelimit.Key(string(kind), p.Type, ratelimit.WindowHourly), rl.MaxPerHour, time.Hour)
		dayOK := hourOK && s.windows.Allow(ratelimit.Key(string(kind), p.Type, ratelimit.WindowDaily), rl.MaxPerDay, 24*time.Hour)
		if !hourOK || !dayOK {
			s.rateLimited.inc()
			log.Debug("rate limited")
			eventbus.Emit(s.bus, eventbus.EvNotifyRateLimited, DeliveryEvent{
				PayloadID: p.ID, Type: p.Type, Channel: string(kind), At: now,
			})
			s.record(Delivery{
				At: now, PayloadID: p.ID, Type: p.Type, Priority: p.Priority,
				Channel: kind, OK: false, Error: "rate limited",
			})
			return
		}
	}

	if open, until := s.breakers.isOpen(now, kind); open {
		log.Debug("circuit open, skipping", logx.Time("until", until))
		eventbus.Emit(s.bus, eventbus.EvNotifySuppressed, DeliveryEvent{
			PayloadID: p.ID, Type: p.Type, Channel: string(kind), Reason: "circuit_open", At: now,
		})
		return
	}

	if s.pacer != nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return
		}
	}

	msg := renderMessage(p, kind, prefs)

	maxAttempts := 1 + cfg.RetryMax
	start := s.now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		lastErr = s.safeSend(ctx, sender, msg, cfg.SendTimeout)
		if lastErr == nil {
			break
		}
		log.Debug("send failed",
			logx.Err(lastErr),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))
		// Missing credentials won't heal on retry.
		if errors.Is(lastErr, channel.ErrNotConfigured) {
			break
		}
		if attempt >= maxAttempts {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return
		}
	}

	outcome := s.now()
	s.breakers.record(outcome, kind, lastErr)

	d := Delivery{
		At:        outcome,
		PayloadID: p.ID,
		Type:      p.Type,
		Priority:  p.Priority,
		Channel:   kind,
		OK:        lastErr == nil,
		Attempts:  attempts,
		Took:      outcome.Sub(start),
	}
	if lastErr != nil {
		d.Error = lastErr.Error()
	}
	s.record(d)

	if lastErr == nil {
		s.delivered.inc()
		eventbus.Emit(s.bus, eventbus.EvNotifySent, DeliveryEvent{
			PayloadID: p.ID, Type: p.Type, Channel: string(kind), At: outcome,
		})
		return
	}
	s.failed.inc()
	log.Warn("delivery failed", logx.Err(lastErr), logx.Int("attempts", attempts))
	eventbus.Emit(s.bus, eventbus.EvNotifyFailed, DeliveryEvent{
		PayloadID: p.ID, Type: p.Type, Channel: string(kind), Reason: lastErr.Error(), At: outcome,
	})
}

// safeSend bounds one attempt and converts sender panics into errors.
func (s *Service) safeSend(ctx context.Context, sender channel.Sender, m channel.Message, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sender.Send(callCtx, m)
}

type panicError struct{ val any }

func (e *panicError) Error() string { return "sender panicked" }

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if s.sleepHook != nil {
		return s.sleepHook(ctx, d)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt); the delay gates the next one.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3 so failing channels don't retry in lockstep.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func (s *Service) record(d Delivery) {
	s.mu.Lock()
	max := s.cfg.HistorySize
	st := s.store
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, d)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()

	if st != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = st.AppendDelivery(cctx, storage.DeliveryEntry{
			At:        d.At,
			PayloadID: d.PayloadID,
			Type:      d.Type,
			Priority:  d.Priority.String(),
			Channel:   string(d.Channel),
			OK:        d.OK,
			Attempts:  d.Attempts,
			Error:     d.Error,
			TookMS:    d.Took.Milliseconds(),
		})
		cancel()
	}
}

// History returns a copy of the recent delivery outcomes, oldest first.
func (s *Service) History() []Delivery {
	s.hmu.Lock()
	out := append([]Delivery(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// Snapshot reports pipeline counters for status surfaces.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	q := s.queue
	br := s.breakers
	s.mu.Unlock()

	st := Stats{
		Accepted:    s.accepted.get(),
		Suppressed:  s.suppressed.get(),
		Delivered:   s.delivered.get(),
		Failed:      s.failed.get(),
		RateLimited: s.rateLimited.get(),
	}
	if q != nil {
		st.Queued = len(q)
	}
	if br != nil {
		_, st.OpenCircuits = br.snapshot(s.now())
	}
	return st
}

// Maintain prunes expired window counters and seen entries. Scheduled as a
// cron job; cheap enough to run every few minutes.
func (s *Service) Maintain(ctx context.Context) {
	_ = ctx
	now := s.now()
	removed := s.windows.Sweep(now)

	s.smu.Lock()
	pruned := 0
	for k, u := range s.seen {
		if !now.Before(u) {
			delete(s.seen, k)
			pruned++
		}
	}
	s.smu.Unlock()

	if removed > 0 || pruned > 0 {
		s.log.Debug("maintenance sweep",
			logx.Int("windows_removed", removed),
			logx.Int("seen_pruned", pruned))
	}
}
