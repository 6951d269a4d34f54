package channel

import (
	"sentrylink/internal/eventbus"
)

// Build constructs the sender for one channel kind from its credentials map.
// The sender is always constructed; incomplete credentials surface as
// ErrNotConfigured at send time so a config fix needs no process restart.
func Build(kind Kind, creds map[string]string, bus eventbus.Bus) (Sender, bool) {
	switch kind {
	case KindInApp:
		return NewInApp(bus), true
	case KindEmail:
		return NewEmail(creds), true
	case KindSlack:
		return NewSlack(creds), true
	case KindTelegram:
		return NewTelegram(creds), true
	case KindDiscord:
		return NewDiscord(creds), true
	case KindWebhook:
		return NewWebhook(creds), true
	case KindSMS:
		return NewSMS(creds), true
	case KindPush:
		return NewPush(creds), true
	default:
		return nil, false
	}
}
