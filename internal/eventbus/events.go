package eventbus

// Well-known event types published across sentrylink. Components subscribe by
// matching Event.Type against these; payloads live in Event.Data.
const (
	// Auth lifecycle. Data: map with "user" (id) where known.
	EvAuthLogin     = "auth.login"
	EvAuthRefreshed = "auth.refreshed"
	EvAuthLoggedOut = "auth.logged_out"

	// Socket lifecycle. Data: map with "url", "attempts" as applicable.
	EvSocketConnected    = "socket.connected"
	EvSocketDisconnected = "socket.disconnected"
	EvSocketGaveUp       = "socket.gave_up"

	// Live server frames forwarded off the socket. Data: raw payload.
	EvLiveUpdate = "socket.live_update"

	// Notification pipeline. Data: dispatch-owned summaries.
	EvNotifyQueued      = "notify.queued"
	EvNotifySent        = "notify.sent"
	EvNotifySuppressed  = "notify.suppressed"
	EvNotifyFailed      = "notify.failed"
	EvNotifyRateLimited = "notify.rate_limited"

	// In-app deliveries surface here for local consumers (inbox, bridges).
	EvInboxItem = "inbox.item"

	// Configuration reloads that were applied successfully.
	EvConfigReloaded = "config.reloaded"
)
