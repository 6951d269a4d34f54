package dispatch

import (
	"strings"
	"time"

	"sentrylink/internal/channel"
)

// Priority orders payloads low < normal < high < critical. Critical bypasses
// quiet hours; everything else is subject to filtering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a config string to a Priority. Unknown strings report
// false and default to normal.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// Payload is one structured alert. Immutable once accepted into the queue;
// ID drives best-effort duplicate suppression.
type Payload struct {
	ID        string
	Type      string
	Title     string
	Message   string
	Priority  Priority
	Channels  []channel.Kind
	Data      map[string]string
	Timestamp time.Time
	ExpiresAt time.Time // zero = never expires
}

// RateLimit caps deliveries per channel. Zero disables a window.
type RateLimit struct {
	MaxPerHour int
	MaxPerDay  int
}

// ChannelSettings is the dispatcher's view of one channel: whether it may be
// used and how hard. Credentials live with the senders, not here.
type ChannelSettings struct {
	Enabled   bool
	RateLimit *RateLimit
}

// QuietHours suppresses non-critical payloads inside [Start, End), local to
// Location. The window may cross midnight.
type QuietHours struct {
	Enabled  bool
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Location *time.Location
}

// Filters gate payloads before they reach the queue.
type Filters struct {
	MinPriority Priority
	// Keywords is an allow-list: when non-empty, at least one must match.
	Keywords []string
	// ExcludeKeywords drop a payload on any match. Checked first.
	ExcludeKeywords []string
}

// Preferences is the dispatcher's routing and filtering configuration,
// hot-swappable as a whole.
type Preferences struct {
	Channels map[channel.Kind]ChannelSettings

	// Routing maps a payload type to default channels; defaults are
	// unioned with the channels the payload names itself.
	Routing map[string][]channel.Kind

	QuietHours QuietHours
	Filters    Filters

	// Templates are keyed "type/channel" or "type"; payloads without a
	// template render the raw title/message.
	Templates map[string]string

	// DashboardURL is exposed to templates as {{dashboardUrl}} and carried
	// on rendered messages as the link target.
	DashboardURL string
}

// DefaultPreferences delivers everything at normal priority and above to the
// in-app channel only. External channels opt in through configuration.
func DefaultPreferences() Preferences {
	return Preferences{
		Channels: map[channel.Kind]ChannelSettings{
			channel.KindInApp: {Enabled: true},
		},
		Routing:   map[string][]channel.Kind{},
		Filters:   Filters{MinPriority: PriorityLow},
		Templates: map[string]string{},
	}
}

// Delivery is one per-channel send outcome, kept in the history ring.
type Delivery struct {
	At        time.Time
	PayloadID string
	Type      string
	Priority  Priority
	Channel   channel.Kind
	OK        bool
	Attempts  int
	Error     string
	Took      time.Duration
}

// DeliveryEvent is the bus payload for notify.* events. Keep it small; it
// may be logged or serialized by subscribers.
type DeliveryEvent struct {
	PayloadID string    `json:"payload_id"`
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
