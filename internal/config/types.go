package config

type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Socket  SocketConfig  `json:"socket"`
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Notify controls the dispatch pipeline and delivery channels.
	// If the whole section is omitted, dispatch defaults to enabled=true
	// with in_app as the only channel.
	Notify *NotifyConfig `json:"notify,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

// ServerConfig points sentrylink at its backend.
//
// All durations are Go duration strings (e.g. "500ms", "30s").
//
// Defaults (when fields are omitted/zero):
//   - timeout: "30s"
//   - retries: 3
//   - backoff_base: "1s"
//   - ws_url: derived from base_url (http->ws, https->wss) + "/ws"
type ServerConfig struct {
	BaseURL string `json:"base_url"`
	WSURL   string `json:"ws_url,omitempty"`

	Timeout string `json:"timeout,omitempty"`
	Retries int    `json:"retries,omitempty"`
	// BackoffBase scales the exponential retry delay (2s, 4s, 8s at "1s").
	BackoffBase string `json:"backoff_base,omitempty"`
}

// AuthConfig controls session handling.
//
// Password is a secret: it must never appear in logs or diff summaries.
type AuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// RefreshThreshold refreshes the access token when its remaining
	// lifetime drops below this duration. Default "5m".
	RefreshThreshold string `json:"refresh_threshold,omitempty"`

	// PersistSession caches the token pair in storage so a restart
	// resumes without a fresh login. Requires a storage driver.
	PersistSession bool `json:"persist_session,omitempty"`

	// LogoutOnStop revokes the session on shutdown (best effort).
	LogoutOnStop bool `json:"logout_on_stop,omitempty"`
}

// SocketConfig controls the live WebSocket link.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 10
//   - backoff_base: "1s" (reconnect waits 2s, 4s, ... capped at backoff_max)
//   - backoff_max: "30s"
//   - ping_interval: "25s"
//   - write_timeout: "10s"
type SocketConfig struct {
	Enabled bool `json:"enabled"`

	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BackoffBase  string `json:"backoff_base,omitempty"`
	BackoffMax   string `json:"backoff_max,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// NotifyConfig controls the dispatch pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 512
//   - rate_per_sec: 3
//   - retry_max: 2
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - send_timeout: "15s"
//   - seen_window: "10m"
//   - seen_max_entries: 2000
//   - history_size: 300
//   - breaker_trip: 5
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	// Seen-ID window suppresses duplicate payload IDs (server redeliveries).
	SeenWindow     string `json:"seen_window,omitempty"`
	SeenMaxEntries int    `json:"seen_max_entries,omitempty"`
	PersistSeen    bool   `json:"persist_seen,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// BreakerTrip opens a channel's circuit after this many consecutive
	// delivery failures. 0 keeps the default.
	BreakerTrip int `json:"breaker_trip,omitempty"`

	// DashboardURL is exposed to templates as {{dashboardUrl}}.
	DashboardURL string `json:"dashboard_url,omitempty"`

	QuietHours QuietHoursConfig `json:"quiet_hours,omitempty"`
	Filters    FiltersConfig    `json:"filters,omitempty"`

	// Routing maps a payload type to its default channels, used when a
	// payload doesn't name channels explicitly.
	Routing map[string][]string `json:"routing,omitempty"`

	// Templates are keyed "type" or "type/channel" and rendered with
	// {{key}} placeholders. Unknown types fall back to the raw message.
	Templates map[string]string `json:"templates,omitempty"`

	Channels map[string]ChannelConfig `json:"channels,omitempty"`
}

// QuietHoursConfig suppresses non-critical deliveries inside [start, end),
// interpreted in the configured timezone. The window may cross midnight
// (e.g. start "22:00", end "08:00").
type QuietHoursConfig struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start,omitempty"`    // "HH:MM", default "22:00"
	End      string `json:"end,omitempty"`      // "HH:MM", default "08:00"
	Timezone string `json:"timezone,omitempty"` // IANA name, default "Local"
}

type FiltersConfig struct {
	// MinPriority drops payloads below this priority: low|normal|high|critical.
	MinPriority string `json:"min_priority,omitempty"`

	// Keywords is an allow-list: when non-empty, at least one keyword must
	// appear in the title or message (case-insensitive).
	Keywords []string `json:"keywords,omitempty"`

	// ExcludeKeywords drops any payload containing one of these.
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
}

// ChannelConfig configures one delivery channel.
//
// Credentials are secrets: values must never appear in logs or diff
// summaries. Required keys depend on the channel, e.g. slack needs
// "webhook_url", telegram needs "token" and "chat_id".
type ChannelConfig struct {
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty"`
	RateLimit   *RateLimitConfig  `json:"rate_limit,omitempty"`
}

// RateLimitConfig caps deliveries per channel. Zero disables a window.
type RateLimitConfig struct {
	MaxPerHour int `json:"max_per_hour,omitempty"`
	MaxPerDay  int `json:"max_per_day,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./sentrylink_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
