// Package app wires the components into one process: config, logging,
// storage, auth, the HTTP pipeline, the socket, the dispatcher, the
// scheduler and the optional pprof listener.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentrylink/internal/auth"
	"sentrylink/internal/channel"
	"sentrylink/internal/config"
	"sentrylink/internal/dispatch"
	"sentrylink/internal/eventbus"
	"sentrylink/internal/observability/pprof"
	rtsup "sentrylink/internal/runtime/supervisor"
	"sentrylink/internal/sched"
	"sentrylink/internal/socket"
	"sentrylink/internal/storage"
	"sentrylink/pkg/httpx"
	logx "sentrylink/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	api   *httpx.Client
	auth  *auth.Coordinator
	sock  *socket.Manager
	disp  *dispatch.Service
	sched *sched.Service
	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedSvc := sched.New(sched.Config{}, logSvc.Logger().With(logx.String("comp", "sched")))

	serverCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	authCfg, err := mapAuthConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The auth endpoints run on a bare pipeline: no token source, so a
	// refresh can never recurse into itself.
	bare := httpx.New(serverCfg, httpx.WithLogger(logSvc.Logger().With(logx.String("comp", "httpx.auth"))))

	var cache auth.SessionCache
	if store != nil {
		cache = store
	}
	authco := auth.New(authCfg, bare, logSvc.Logger().With(logx.String("comp", "auth")), bus, cache)
	authco.SetScheduler(schedSvc)

	api := httpx.New(serverCfg,
		httpx.WithLogger(logSvc.Logger().With(logx.String("comp", "httpx"))),
		httpx.WithTokenSource(authco),
		// Terminal 401s surface on the bus even when the session was
		// already gone locally; logged_out is idempotent for subscribers.
		httpx.WithUnauthorizedHook(func() {
			eventbus.Emit(bus, eventbus.EvAuthLoggedOut, nil)
		}),
	)

	sockCfg, err := mapSocketConfig(cfg)
	if err != nil {
		return nil, err
	}
	sock := socket.New(sockCfg, authco, schedSvc, logSvc.Logger().With(logx.String("comp", "socket")), bus)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	prefs, err := mapPreferences(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, prefs, buildSenders(cfg, bus),
		logSvc.Logger().With(logx.String("comp", "dispatch")), bus, store)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, logSvc.Logger())

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		api:     api,
		auth:    authco,
		sock:    sock,
		disp:    disp,
		sched:   schedSvc,
		pprof:   pprofSvc,
	}, nil
}

// API exposes the authed HTTP pipeline for callers embedding the app.
func (a *App) API() *httpx.Client { return a.api }

// Dispatcher exposes the notification pipeline for local payloads.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

// Auth exposes the session coordinator.
func (a *App) Auth() *auth.Coordinator { return a.auth }

// Bus exposes the in-process event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Socket exposes the live connection manager.
func (a *App) Socket() *socket.Manager { return a.sock }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sched.Start(runCtx)
	if a.disp.Enabled() {
		a.disp.Start(runCtx)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(runCtx)
	}

	// Server pushes re-enter the pipeline like local payloads, so they get
	// the same filtering, rate limits and fan-out.
	a.sock.On("notification", func(raw json.RawMessage) {
		a.handleNotificationFrame(runCtx, raw)
	})

	// Session first, then the socket, so the first dial carries a token.
	a.sup.Go0("auth.bootstrap", func(c context.Context) {
		restored := a.auth.Restore(c)
		if restored {
			a.log.Info("session restored")
		} else if cfg := a.cfgm.Get(); cfg != nil && strings.TrimSpace(cfg.Auth.Username) != "" {
			_, err := a.auth.Login(c, auth.Credentials{
				Username: cfg.Auth.Username,
				Password: cfg.Auth.Password,
			})
			if err != nil {
				// The API pipeline and socket still work anonymously where
				// the backend allows it; fail soft.
				a.log.Warn("startup login failed", logx.Err(err))
			}
		}

		if cfg := a.cfgm.Get(); cfg != nil && cfg.Socket.Enabled {
			a.sup.GoRestart("socket.connect", func(sc context.Context) error {
				return a.sock.Connect(sc)
			}, rtsup.WithRestartBackoff(2*time.Second, 30*time.Second))
		}
	})

	if err := a.sched.AddCron("dispatch.maintain", "@every 5m", func(c context.Context) error {
		a.disp.Maintain(c)
		return nil
	}); err != nil {
		return fmt.Errorf("registering maintenance job: %w", err)
	}

	// Debug-level event mirror; components subscribe themselves for behavior.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

func validateConfig(cfg *config.Config) error {
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAuthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSocketConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPreferences(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// notificationFrame is the wire shape of server-pushed payloads.
type notificationFrame struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Priority  string            `json:"priority"`
	Channels  []string          `json:"channels,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

func (a *App) handleNotificationFrame(ctx context.Context, raw json.RawMessage) {
	var f notificationFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		a.log.Warn("malformed notification frame", logx.Err(err))
		return
	}

	prio, ok := dispatch.ParsePriority(f.Priority)
	if !ok {
		a.log.Debug("unknown priority on frame, using normal",
			logx.String("priority", f.Priority), logx.String("id", f.ID))
	}
	var kinds []channel.Kind
	for _, name := range f.Channels {
		kind, ok := channel.ParseKind(name)
		if !ok {
			a.log.Debug("unknown channel on frame, skipping",
				logx.String("channel", name), logx.String("id", f.ID))
			continue
		}
		kinds = append(kinds, kind)
	}

	err := a.disp.Send(ctx, dispatch.Payload{
		ID:        f.ID,
		Type:      f.Type,
		Title:     f.Title,
		Message:   f.Message,
		Priority:  prio,
		Channels:  kinds,
		Data:      f.Data,
		Timestamp: f.Timestamp,
		ExpiresAt: f.ExpiresAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrQueueFull):
		a.log.Warn("notification dropped: queue full", logx.String("id", f.ID))
	default:
		// Filter drops are expected; the dispatcher already published them.
		a.log.Debug("notification filtered", logx.String("id", f.ID), logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan config.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: the newest config wins, changed sections
			// accumulate so nothing gets applied against a stale diff.
			for {
				select {
				case newer, stillOpen := <-sub:
					if !stillOpen {
						goto APPLY
					}
					u = u.Merge(newer)
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(ctx, u)

			fields := append([]logx.Field{logx.String("changed", strings.Join(u.Sections, ","))}, u.Attrs...)
			a.log.Info("config reloaded", fields...)
			eventbus.Emit(a.bus, eventbus.EvConfigReloaded, map[string]any{"sections": u.Sections})
		}
	}
}

func (a *App) applyReload(ctx context.Context, u config.Update) {
	cfg := u.Cfg
	has := func(name string) bool {
		for _, s := range u.Sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if has("logging") {
		a.logs.Apply(mapLoggingConfig(cfg))
	}

	for _, s := range u.RestartRequired() {
		a.log.Warn("config changed; restart required to take effect", logx.String("section", s))
	}
	if has("socket") {
		a.log.Warn("socket config changed; reconnect required to take effect")
	}

	if has("notify") || len(u.Channels) > 0 {
		dcfg, err := mapDispatchConfig(cfg)
		if err != nil {
			a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		} else {
			prefs, err := mapPreferences(cfg)
			if err != nil {
				a.log.Warn("invalid notify preferences; keeping previous", logx.Err(err))
			} else {
				prevEnabled := a.disp.Enabled()
				a.disp.Apply(dcfg)
				a.disp.SetPreferences(prefs)
				if len(u.Channels) > 0 {
					a.disp.SetSenders(buildSenders(cfg, a.bus))
					a.log.Info("channel senders rebuilt",
						logx.Any("channels", u.Channels))
				}
				switch {
				case prevEnabled && !dcfg.Enabled:
					a.log.Info("dispatch disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.disp.Stop(stopCtx)
					cancel()
				case !prevEnabled && dcfg.Enabled:
					a.log.Info("dispatch enabled via config")
					a.disp.Start(ctx)
				}
			}
		}
	}

	if has("pprof") {
		ppc, err := mapPprofConfig(cfg)
		if err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("socket", 2*time.Second, func(context.Context) error {
		a.sock.Disconnect()
		return nil
	})

	// Unwind the background loops (reconnects, reload, watch, event
	// mirror) before draining. The dispatcher's drain worker is detached
	// from the run context, so the backlog survives until its own step.
	a.sup.Cancel()

	step("dispatch", 5*time.Second, func(c context.Context) error {
		a.disp.Stop(c)
		return nil
	})
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Auth.LogoutOnStop {
		step("auth.logout", 3*time.Second, func(c context.Context) error {
			return a.auth.Logout(c)
		})
	}
	step("sched", 2*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	step("pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
