package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sentrylink/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like
// passwords, tokens, or channel credentials), and (3) the names of delivery
// channels whose config changed (enable/credentials/rate limit).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Server
	if strings.TrimSpace(oldCfg.Server.BaseURL) != strings.TrimSpace(newCfg.Server.BaseURL) ||
		strings.TrimSpace(oldCfg.Server.WSURL) != strings.TrimSpace(newCfg.Server.WSURL) ||
		strings.TrimSpace(oldCfg.Server.Timeout) != strings.TrimSpace(newCfg.Server.Timeout) ||
		oldCfg.Server.Retries != newCfg.Server.Retries ||
		strings.TrimSpace(oldCfg.Server.BackoffBase) != strings.TrimSpace(newCfg.Server.BackoffBase) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.Bool("server.ws_url_set", strings.TrimSpace(newCfg.Server.WSURL) != ""),
			logx.String("server.timeout", strings.TrimSpace(newCfg.Server.Timeout)),
			logx.Int("server.retries", newCfg.Server.Retries),
		)
	}

	// Auth (never log password)
	if strings.TrimSpace(oldCfg.Auth.Username) != strings.TrimSpace(newCfg.Auth.Username) ||
		(strings.TrimSpace(oldCfg.Auth.Password) != "") != (strings.TrimSpace(newCfg.Auth.Password) != "") ||
		strings.TrimSpace(oldCfg.Auth.RefreshThreshold) != strings.TrimSpace(newCfg.Auth.RefreshThreshold) ||
		oldCfg.Auth.PersistSession != newCfg.Auth.PersistSession ||
		oldCfg.Auth.LogoutOnStop != newCfg.Auth.LogoutOnStop {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.username_set", strings.TrimSpace(newCfg.Auth.Username) != ""),
			logx.Bool("auth.password_set", strings.TrimSpace(newCfg.Auth.Password) != ""),
			logx.String("auth.refresh_threshold", strings.TrimSpace(newCfg.Auth.RefreshThreshold)),
			logx.Bool("auth.persist_session", newCfg.Auth.PersistSession),
		)
	}

	// Socket
	if !reflect.DeepEqual(oldCfg.Socket, newCfg.Socket) {
		changed = append(changed, "socket")
		attrs = append(attrs,
			logx.Bool("socket.enabled", newCfg.Socket.Enabled),
			logx.Int("socket.max_attempts", newCfg.Socket.MaxAttempts),
			logx.String("socket.backoff_base", strings.TrimSpace(newCfg.Socket.BackoffBase)),
			logx.String("socket.ping_interval", strings.TrimSpace(newCfg.Socket.PingInterval)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Notify (never log credentials). Nil means runtime defaults.
	oldN := oldCfg.Notify
	newN := newCfg.Notify
	if oldN == nil {
		oldN = &NotifyConfig{Enabled: true}
	}
	if newN == nil {
		newN = &NotifyConfig{Enabled: true}
	}
	channelChanged := diffChannels(oldN.Channels, newN.Channels)
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.queue_size", newN.QueueSize),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Int("notify.retry_max", newN.RetryMax),
			logx.Bool("notify.quiet_hours", newN.QuietHours.Enabled),
			logx.String("notify.min_priority", strings.TrimSpace(newN.Filters.MinPriority)),
			logx.Int("notify.channels_changed", len(channelChanged)),
			logx.Int("notify.channels_enabled", countEnabledChannels(newN.Channels)),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs, channelChanged
}

func countEnabledChannels(m map[string]ChannelConfig) int {
	if len(m) == 0 {
		return 0
	}
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffChannels(oldM, newM map[string]ChannelConfig) []string {
	if oldM == nil {
		oldM = map[string]ChannelConfig{}
	}
	if newM == nil {
		newM = map[string]ChannelConfig{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
