package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentrylink/internal/channel"
	"sentrylink/internal/eventbus"
	logx "sentrylink/pkg/logx"
)

// fakeSender records sends and fails on demand.
type fakeSender struct {
	kind channel.Kind

	mu   sync.Mutex
	got  []channel.Message
	errs []error // consumed per call; nil past the end
}

func (f *fakeSender) Kind() channel.Kind { return f.kind }

func (f *fakeSender) Send(_ context.Context, m channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, m)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSender) sent() []channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Message(nil), f.got...)
}

func testPrefs(kinds ...channel.Kind) Preferences {
	p := DefaultPreferences()
	for _, k := range kinds {
		p.Channels[k] = ChannelSettings{Enabled: true}
	}
	return p
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		QueueSize:     32,
		RatePerSec:    1000,
		RetryMax:      0,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		SendTimeout:   time.Second,
		SeenWindow:    time.Minute,
	}
}

func newTestService(t *testing.T, cfg Config, prefs Preferences, senders ...channel.Sender) *Service {
	t.Helper()
	s := New(cfg, prefs, senders, logx.Nop(), nil, nil)
	s.sleepHook = func(context.Context, time.Duration) error { return nil }
	return s
}

// drain starts the service, runs fn, then stops it so every accepted payload
// has been processed before assertions run.
func drain(t *testing.T, s *Service, fn func()) {
	t.Helper()
	s.Start(context.Background())
	fn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestDeliverToResolvedChannels(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	slack := &fakeSender{kind: channel.KindSlack}
	prefs := testPrefs(channel.KindInApp, channel.KindSlack)
	prefs.Routing["deploy"] = []channel.Kind{channel.KindSlack}

	s := newTestService(t, testConfig(), prefs, inapp, slack)
	drain(t, s, func() {
		err := s.Send(context.Background(), Payload{
			Type:     "deploy",
			Title:    "deploy finished",
			Message:  "v12 is live",
			Priority: PriorityNormal,
			Channels: []channel.Kind{channel.KindInApp},
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	})

	if n := len(inapp.sent()); n != 1 {
		t.Fatalf("in_app deliveries = %d, want 1", n)
	}
	if n := len(slack.sent()); n != 1 {
		t.Fatalf("slack deliveries = %d, want 1 (routing default)", n)
	}
}

func TestChannelFailureIsolated(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	slack := &fakeSender{kind: channel.KindSlack, errs: []error{errors.New("webhook down")}}
	webhook := &fakeSender{kind: channel.KindWebhook}
	prefs := testPrefs(channel.KindInApp, channel.KindSlack, channel.KindWebhook)

	s := newTestService(t, testConfig(), prefs, inapp, slack, webhook)
	drain(t, s, func() {
		err := s.Send(context.Background(), Payload{
			Type:     "alert",
			Title:    "disk full",
			Priority: PriorityHigh,
			Channels: []channel.Kind{channel.KindInApp, channel.KindSlack, channel.KindWebhook},
		})
		if err != nil {
			t.Fatalf("Send must accept despite downstream failures: %v", err)
		}
	})

	if len(inapp.sent()) != 1 || len(webhook.sent()) != 1 {
		t.Fatalf("healthy channels must deliver: in_app=%d webhook=%d",
			len(inapp.sent()), len(webhook.sent()))
	}

	var okCount, failCount int
	for _, d := range s.History() {
		if d.OK {
			okCount++
		} else {
			failCount++
		}
	}
	if okCount != 2 || failCount != 1 {
		t.Fatalf("history ok=%d fail=%d, want 2/1", okCount, failCount)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	slack := &fakeSender{kind: channel.KindSlack, errs: []error{errors.New("503"), errors.New("503")}}
	cfg := testConfig()
	cfg.RetryMax = 2

	s := newTestService(t, cfg, testPrefs(channel.KindSlack), slack)
	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{
			Type: "t", Title: "x", Channels: []channel.Kind{channel.KindSlack},
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	})

	if n := len(slack.sent()); n != 3 {
		t.Fatalf("attempts = %d, want 3 (2 failures + success)", n)
	}
	hist := s.History()
	if len(hist) != 1 || !hist[0].OK || hist[0].Attempts != 3 {
		t.Fatalf("history = %+v, want single OK entry with 3 attempts", hist)
	}
}

func TestNotConfiguredIsTerminal(t *testing.T) {
	slack := &fakeSender{kind: channel.KindSlack, errs: []error{
		channel.ErrNotConfigured, channel.ErrNotConfigured, channel.ErrNotConfigured,
	}}
	cfg := testConfig()
	cfg.RetryMax = 2

	s := newTestService(t, cfg, testPrefs(channel.KindSlack), slack)
	drain(t, s, func() {
		_ = s.Send(context.Background(), Payload{
			Type: "t", Title: "x", Channels: []channel.Kind{channel.KindSlack},
		})
	})

	if n := len(slack.sent()); n != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on missing credentials)", n)
	}
}

func TestQuietHoursCriticalBypass(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	prefs := testPrefs(channel.KindInApp)
	prefs.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "08:00", Location: time.UTC}

	s := newTestService(t, testConfig(), prefs, inapp)
	s.now = func() time.Time {
		return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	}

	drain(t, s, func() {
		err := s.Send(context.Background(), Payload{Type: "t", Title: "quiet", Priority: PriorityHigh})
		if !errors.Is(err, ErrQuietHours) {
			t.Fatalf("high priority at 23:00: err = %v, want ErrQuietHours", err)
		}
		err = s.Send(context.Background(), Payload{Type: "t", Title: "loud", Priority: PriorityCritical})
		if err != nil {
			t.Fatalf("critical must bypass quiet hours: %v", err)
		}
	})

	got := inapp.sent()
	if len(got) != 1 || got[0].Title != "loud" {
		t.Fatalf("deliveries = %+v, want the critical payload only", got)
	}
}

func TestPriorityAndKeywordFilters(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	prefs := testPrefs(channel.KindInApp)
	prefs.Filters = Filters{
		MinPriority:     PriorityNormal,
		ExcludeKeywords: []string{"heartbeat"},
	}

	s := newTestService(t, testConfig(), prefs, inapp)
	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{Type: "t", Title: "x", Priority: PriorityLow}); !errors.Is(err, ErrPriorityFiltered) {
			t.Fatalf("low priority: err = %v, want ErrPriorityFiltered", err)
		}
		if err := s.Send(context.Background(), Payload{Type: "t", Title: "Heartbeat OK", Priority: PriorityNormal}); !errors.Is(err, ErrKeywordFiltered) {
			t.Fatalf("excluded keyword: err = %v, want ErrKeywordFiltered", err)
		}
		if err := s.Send(context.Background(), Payload{Type: "t", Title: "real alert", Priority: PriorityNormal}); err != nil {
			t.Fatalf("passing payload: %v", err)
		}
	})

	if n := len(inapp.sent()); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestKeywordAllowList(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	prefs := testPrefs(channel.KindInApp)
	prefs.Filters.Keywords = []string{"prod"}

	s := newTestService(t, testConfig(), prefs, inapp)
	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{Type: "t", Title: "staging deploy"}); !errors.Is(err, ErrKeywordFiltered) {
			t.Fatalf("non-matching payload: err = %v, want ErrKeywordFiltered", err)
		}
		if err := s.Send(context.Background(), Payload{Type: "t", Title: "PROD deploy"}); err != nil {
			t.Fatalf("matching payload: %v", err)
		}
	})

	if n := len(inapp.sent()); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestDuplicateIDSuppressed(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp), inapp)

	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{ID: "evt-1", Type: "t", Title: "first"}); err != nil {
			t.Fatalf("first send: %v", err)
		}
		if err := s.Send(context.Background(), Payload{ID: "evt-1", Type: "t", Title: "again"}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate id: err = %v, want ErrDuplicate", err)
		}
	})

	if n := len(inapp.sent()); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestExpiredPayloadRejected(t *testing.T) {
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp), &fakeSender{kind: channel.KindInApp})
	drain(t, s, func() {
		err := s.Send(context.Background(), Payload{
			Type: "t", Title: "stale", ExpiresAt: time.Now().Add(-time.Minute),
		})
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("err = %v, want ErrExpired", err)
		}
	})
}

func TestPerChannelRateLimit(t *testing.T) {
	slack := &fakeSender{kind: channel.KindSlack}
	prefs := DefaultPreferences()
	prefs.Channels[channel.KindSlack] = ChannelSettings{
		Enabled:   true,
		RateLimit: &RateLimit{MaxPerHour: 2},
	}

	var events []eventbus.Event
	var emu sync.Mutex
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			emu.Lock()
			events = append(events, e)
			emu.Unlock()
		}
	}()

	s := New(testConfig(), prefs, []channel.Sender{slack}, logx.Nop(), bus, nil)
	s.sleepHook = func(context.Context, time.Duration) error { return nil }

	drain(t, s, func() {
		for i := 0; i < 3; i++ {
			if err := s.Send(context.Background(), Payload{
				Type: "alert", Title: "x", Channels: []channel.Kind{channel.KindSlack},
			}); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		}
	})

	if n := len(slack.sent()); n != 2 {
		t.Fatalf("deliveries = %d, want 2 (third rate limited)", n)
	}

	unsub()
	<-done
	limited := 0
	emu.Lock()
	for _, e := range events {
		if e.Type == eventbus.EvNotifyRateLimited {
			limited++
		}
	}
	emu.Unlock()
	if limited != 1 {
		t.Fatalf("rate_limited events = %d, want 1", limited)
	}
}

func TestCircuitBreakerOpensAndSkips(t *testing.T) {
	// Every attempt fails; trip=2 means the third payload finds the circuit open.
	slack := &fakeSender{kind: channel.KindSlack, errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	cfg := testConfig()
	cfg.BreakerTrip = 2
	cfg.BreakerBase = time.Minute

	s := newTestService(t, cfg, testPrefs(channel.KindSlack), slack)
	drain(t, s, func() {
		for i := 0; i < 3; i++ {
			if err := s.Send(context.Background(), Payload{
				Type: "t", Title: "x", Channels: []channel.Kind{channel.KindSlack},
			}); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		}
	})

	if n := len(slack.sent()); n != 2 {
		t.Fatalf("attempts = %d, want 2 (circuit open skips the third)", n)
	}
	if st := s.Snapshot(); st.OpenCircuits != 1 {
		t.Fatalf("open circuits = %d, want 1", st.OpenCircuits)
	}
}

func TestSenderPanicRecovered(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp, channel.KindSlack),
		panicSender{}, inapp)

	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{
			Type: "t", Title: "x",
			Channels: []channel.Kind{channel.KindSlack, channel.KindInApp},
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	})

	if n := len(inapp.sent()); n != 1 {
		t.Fatalf("in_app deliveries = %d, want 1 despite sibling panic", n)
	}
	var failed bool
	for _, d := range s.History() {
		if d.Channel == channel.KindSlack && !d.OK {
			failed = true
		}
	}
	if !failed {
		t.Fatal("panicking sender must be recorded as a failed delivery")
	}
}

type panicSender struct{}

func (panicSender) Kind() channel.Kind { return channel.KindSlack }
func (panicSender) Send(context.Context, channel.Message) error {
	panic("sender bug")
}

func TestDisabledAndStopped(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := newTestService(t, cfg, testPrefs(channel.KindInApp), &fakeSender{kind: channel.KindInApp})
	if err := s.Send(context.Background(), Payload{Type: "t"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err = %v, want ErrDisabled", err)
	}

	cfg.Enabled = true
	s2 := newTestService(t, cfg, testPrefs(channel.KindInApp), &fakeSender{kind: channel.KindInApp})
	if err := s2.Send(context.Background(), Payload{Type: "t"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err = %v, want ErrStopped", err)
	}
}

func TestDisabledChannelNeverSent(t *testing.T) {
	slack := &fakeSender{kind: channel.KindSlack}
	prefs := DefaultPreferences()
	prefs.Channels[channel.KindSlack] = ChannelSettings{Enabled: false}

	s := newTestService(t, testConfig(), prefs, slack)
	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{
			Type: "t", Title: "x", Channels: []channel.Kind{channel.KindSlack},
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	})

	if n := len(slack.sent()); n != 0 {
		t.Fatalf("deliveries to disabled channel = %d, want 0", n)
	}
}

func TestUpdatePreferencesLive(t *testing.T) {
	inapp := &fakeSender{kind: channel.KindInApp}
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp), inapp)

	s.UpdatePreferences(func(p *Preferences) {
		p.Filters.MinPriority = PriorityHigh
	})

	drain(t, s, func() {
		if err := s.Send(context.Background(), Payload{Type: "t", Priority: PriorityNormal}); !errors.Is(err, ErrPriorityFiltered) {
			t.Fatalf("err = %v, want ErrPriorityFiltered after update", err)
		}
	})
}

func TestMaintainPrunesSeen(t *testing.T) {
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp), &fakeSender{kind: channel.KindInApp})

	base := time.Now()
	s.now = func() time.Time { return base }
	drain(t, s, func() {
		_ = s.Send(context.Background(), Payload{ID: "a", Type: "t"})
	})

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.Maintain(context.Background())

	s.smu.Lock()
	n := len(s.seen)
	s.smu.Unlock()
	if n != 0 {
		t.Fatalf("seen entries after sweep = %d, want 0", n)
	}
}

// gateSender parks its first send until released so a test can pin a backlog
// behind an in-flight delivery.
type gateSender struct {
	kind    channel.Kind
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu sync.Mutex
	n  int
}

func newGateSender(kind channel.Kind) *gateSender {
	return &gateSender{
		kind:    kind,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateSender) Kind() channel.Kind { return g.kind }

func (g *gateSender) Send(context.Context, channel.Message) error {
	g.mu.Lock()
	g.n++
	first := g.n == 1
	g.mu.Unlock()
	if first {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return nil
}

func (g *gateSender) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func TestStopDrainsBacklogAfterRunContextCancel(t *testing.T) {
	sender := newGateSender(channel.KindInApp)
	s := newTestService(t, testConfig(), testPrefs(channel.KindInApp), sender)

	runCtx, cancel := context.WithCancel(context.Background())
	s.Start(runCtx)

	for i := 0; i < 10; i++ {
		err := s.Send(context.Background(), Payload{
			Type:     "alert",
			Title:    "disk full",
			Message:  "partition /var",
			Priority: PriorityNormal,
		})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// Pin the worker inside the first delivery so the other nine payloads
	// are still queued when the run context dies.
	select {
	case <-sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}
	cancel()
	close(sender.release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	if got := sender.count(); got != 10 {
		t.Fatalf("delivered %d payloads, want all 10 after cancel-then-Stop", got)
	}
}
