package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"sentrylink/internal/auth"
	"sentrylink/internal/channel"
	"sentrylink/internal/config"
	"sentrylink/internal/dispatch"
	"sentrylink/internal/eventbus"
	"sentrylink/internal/observability/pprof"
	"sentrylink/internal/socket"
	"sentrylink/internal/storage"
	"sentrylink/pkg/httpx"
	logx "sentrylink/pkg/logx"
)

// The mapping layer converts the YAML-facing config (string durations,
// string priorities) into the typed configs the components take. Every
// mapper is also run by the reload validator, so a bad edit is rejected
// before anything is applied.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapServerConfig(cfg *config.Config) (httpx.Config, error) {
	base := strings.TrimSpace(cfg.Server.BaseURL)
	if base == "" {
		return httpx.Config{}, fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return httpx.Config{}, fmt.Errorf("server.base_url: %w", err)
	}

	timeout, err := config.ParseDurationOrDefault("server.timeout", cfg.Server.Timeout, 30*time.Second)
	if err != nil {
		return httpx.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("server.backoff_base", cfg.Server.BackoffBase, time.Second)
	if err != nil {
		return httpx.Config{}, err
	}
	if cfg.Server.Retries < 0 {
		return httpx.Config{}, fmt.Errorf("server.retries must be >= 0")
	}

	return httpx.Config{
		BaseURL:     base,
		Timeout:     timeout,
		Retries:     cfg.Server.Retries,
		BackoffBase: backoff,
	}, nil
}

func mapAuthConfig(cfg *config.Config) (auth.Config, error) {
	threshold, err := config.ParseDurationOrDefault("auth.refresh_threshold", cfg.Auth.RefreshThreshold, 5*time.Minute)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{
		RefreshThreshold: threshold,
		PersistSession:   cfg.Auth.PersistSession,
	}, nil
}

func mapSocketConfig(cfg *config.Config) (socket.Config, error) {
	wsURL, err := deriveWSURL(cfg.Server.BaseURL, cfg.Server.WSURL)
	if err != nil {
		return socket.Config{}, err
	}

	backoffBase, err := config.ParseDurationOrDefault("socket.backoff_base", cfg.Socket.BackoffBase, time.Second)
	if err != nil {
		return socket.Config{}, err
	}
	backoffMax, err := config.ParseDurationOrDefault("socket.backoff_max", cfg.Socket.BackoffMax, 30*time.Second)
	if err != nil {
		return socket.Config{}, err
	}
	pingInterval, err := config.ParseDurationOrDefault("socket.ping_interval", cfg.Socket.PingInterval, 25*time.Second)
	if err != nil {
		return socket.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("socket.write_timeout", cfg.Socket.WriteTimeout, 10*time.Second)
	if err != nil {
		return socket.Config{}, err
	}
	if cfg.Socket.MaxAttempts < 0 {
		return socket.Config{}, fmt.Errorf("socket.max_attempts must be >= 0")
	}

	return socket.Config{
		URL:          wsURL,
		MaxAttempts:  cfg.Socket.MaxAttempts,
		BackoffBase:  backoffBase,
		BackoffMax:   backoffMax,
		PingInterval: pingInterval,
		WriteTimeout: writeTimeout,
	}, nil
}

// deriveWSURL resolves the socket endpoint: an explicit ws_url wins,
// otherwise base_url is rewritten http->ws / https->wss with "/ws" appended.
func deriveWSURL(baseURL, wsURL string) (string, error) {
	if ws := strings.TrimSpace(wsURL); ws != "" {
		u, err := url.Parse(ws)
		if err != nil {
			return "", fmt.Errorf("server.ws_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("server.ws_url: scheme must be ws or wss, got %q", u.Scheme)
		}
		return ws, nil
	}

	base := strings.TrimSpace(baseURL)
	if base == "" {
		return "", fmt.Errorf("server.base_url is required to derive the socket url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server.base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a socket scheme
	default:
		return "", fmt.Errorf("server.base_url: cannot derive socket url from scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	n := cfg.Notify
	if n == nil {
		// Omitted section: pipeline on, in-app only (DefaultPreferences).
		return dispatch.Config{Enabled: true}, nil
	}

	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notify.send_timeout", n.SendTimeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	seenWindow, err := config.ParseDurationOrDefault("notify.seen_window", n.SeenWindow, 10*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	if n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.HistorySize < 0 ||
		n.SeenMaxEntries < 0 || n.BreakerTrip < 0 {
		return dispatch.Config{}, fmt.Errorf("notify: counts must be >= 0")
	}

	return dispatch.Config{
		Enabled:        n.Enabled,
		QueueSize:      n.QueueSize,
		RatePerSec:     n.RatePerSec,
		RetryMax:       n.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		SendTimeout:    sendTimeout,
		SeenWindow:     seenWindow,
		SeenMaxEntries: n.SeenMaxEntries,
		PersistSeen:    n.PersistSeen,
		HistorySize:    n.HistorySize,
		BreakerTrip:    n.BreakerTrip,
	}, nil
}

func mapPreferences(cfg *config.Config) (dispatch.Preferences, error) {
	prefs := dispatch.DefaultPreferences()
	n := cfg.Notify
	if n == nil {
		return prefs, nil
	}

	for name, cc := range n.Channels {
		kind, ok := channel.ParseKind(name)
		if !ok {
			return prefs, fmt.Errorf("notify.channels: unknown channel %q", name)
		}
		settings := dispatch.ChannelSettings{Enabled: cc.Enabled}
		if cc.RateLimit != nil {
			if cc.RateLimit.MaxPerHour < 0 || cc.RateLimit.MaxPerDay < 0 {
				return prefs, fmt.Errorf("notify.channels.%s.rate_limit: limits must be >= 0", name)
			}
			settings.RateLimit = &dispatch.RateLimit{
				MaxPerHour: cc.RateLimit.MaxPerHour,
				MaxPerDay:  cc.RateLimit.MaxPerDay,
			}
		}
		prefs.Channels[kind] = settings
	}

	for typ, names := range n.Routing {
		kinds := make([]channel.Kind, 0, len(names))
		for _, name := range names {
			kind, ok := channel.ParseKind(name)
			if !ok {
				return prefs, fmt.Errorf("notify.routing.%s: unknown channel %q", typ, name)
			}
			kinds = append(kinds, kind)
		}
		prefs.Routing[typ] = kinds
	}

	if n.QuietHours.Enabled {
		start := strings.TrimSpace(n.QuietHours.Start)
		if start == "" {
			start = "22:00"
		}
		end := strings.TrimSpace(n.QuietHours.End)
		if end == "" {
			end = "08:00"
		}
		loc := time.Local
		if tz := strings.TrimSpace(n.QuietHours.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return prefs, fmt.Errorf("notify.quiet_hours.timezone: %w", err)
			}
			loc = l
		}
		prefs.QuietHours = dispatch.QuietHours{Enabled: true, Start: start, End: end, Location: loc}
	}

	minPrio, ok := dispatch.ParsePriority(n.Filters.MinPriority)
	if !ok {
		return prefs, fmt.Errorf("notify.filters.min_priority: unknown priority %q", n.Filters.MinPriority)
	}
	prefs.Filters = dispatch.Filters{
		MinPriority:     minPrio,
		Keywords:        n.Filters.Keywords,
		ExcludeKeywords: n.Filters.ExcludeKeywords,
	}

	for key, tmpl := range n.Templates {
		prefs.Templates[key] = tmpl
	}
	prefs.DashboardURL = strings.TrimSpace(n.DashboardURL)

	return prefs, nil
}

// buildSenders constructs one sender per supported kind. Senders with missing
// credentials still exist; they fail with ErrNotConfigured at send time, so
// fixing a credential is a reload, not a restart.
func buildSenders(cfg *config.Config, bus eventbus.Bus) []channel.Sender {
	creds := map[channel.Kind]map[string]string{}
	if cfg.Notify != nil {
		for name, cc := range cfg.Notify.Channels {
			if kind, ok := channel.ParseKind(name); ok {
				creds[kind] = cc.Credentials
			}
		}
	}

	out := make([]channel.Sender, 0, len(channel.Kinds()))
	for _, kind := range channel.Kinds() {
		if sender, ok := channel.Build(kind, creds[kind], bus); ok {
			out = append(out, sender)
		}
	}
	return out
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof

	readTimeout, err := config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// WriteTimeout defaults to 0 so long CPU profiles aren't cut off.
	writeTimeout, err := config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, time.Minute)
	if err != nil {
		return pprof.Config{}, err
	}

	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
