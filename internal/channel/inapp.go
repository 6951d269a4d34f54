package channel

import (
	"context"
	"sync"
	"time"

	"sentrylink/internal/eventbus"
)

const defaultInboxCap = 100

// InboxItem is one in-app delivery. ExpiresAt is the suggested display
// horizon; zero means pinned until dismissed (critical alerts).
type InboxItem struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  string            `json:"priority"`
	Fields    map[string]string `json:"fields,omitempty"`
	Link      string            `json:"link,omitempty"`
	At        time.Time         `json:"at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// InApp delivers locally: the item lands in a bounded inbox ring and is
// published on the event bus for live consumers. It needs no credentials and
// never fails.
type InApp struct {
	bus eventbus.Bus

	mu    sync.Mutex
	items []InboxItem
	cap   int
}

func NewInApp(bus eventbus.Bus) *InApp {
	return &InApp{bus: bus, cap: defaultInboxCap}
}

func (a *InApp) Kind() Kind { return KindInApp }

func (a *InApp) Send(ctx context.Context, m Message) error {
	_ = ctx // local delivery, nothing to cancel

	now := m.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	item := InboxItem{
		ID:       m.ID,
		Type:     m.Type,
		Title:    m.Title,
		Body:     m.Body,
		Priority: m.Priority,
		Fields:   m.Fields,
		Link:     m.Link,
		At:       now,
	}
	if ttl := displayTTL(m.Priority); ttl > 0 {
		item.ExpiresAt = now.Add(ttl)
	}

	a.mu.Lock()
	a.items = append(a.items, item)
	if len(a.items) > a.cap {
		a.items = a.items[len(a.items)-a.cap:]
	}
	a.mu.Unlock()

	eventbus.Emit(a.bus, eventbus.EvInboxItem, item)
	return nil
}

// Items returns a snapshot of the inbox, oldest first.
func (a *InApp) Items() []InboxItem {
	a.mu.Lock()
	out := append([]InboxItem(nil), a.items...)
	a.mu.Unlock()
	return out
}

// displayTTL scales how long an item should stay visible. Critical items
// return 0: pinned.
func displayTTL(priority string) time.Duration {
	switch priority {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 15 * time.Second
	case PriorityLow:
		return 4 * time.Second
	default:
		return 8 * time.Second
	}
}
