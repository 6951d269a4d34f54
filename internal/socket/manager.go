// Package socket maintains the single persistent WebSocket link to the
// backend: token-authenticated dial, typed frame fan-out, heartbeat, and
// reconnect with exponential backoff.
//
// One Manager per process; it never holds more than one live connection.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sentrylink/internal/eventbus"
	"sentrylink/internal/sched"
	logx "sentrylink/pkg/logx"
)

// ErrNotOpen is returned by Send when there is no open connection.
// There is no implicit queueing; callers own their resend logic.
var ErrNotOpen = errors.New("socket not open")

// State is the connection lifecycle position.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateReconnectWait State = "reconnect_wait"
	StateClosing       State = "closing"
)

// Reserved inbound frame types. Everything else is forwarded verbatim to
// handlers registered for that type string.
const (
	TypeLiveUpdate   = "live_update"
	TypeAuthRequired = "auth_required"
	TypeError        = "error"
)

// Frame is the wire shape of every inbound message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives the raw payload of one frame.
type Handler func(payload json.RawMessage)

// TokenSource supplies the query credential for each dial. WebSocket
// handshakes cannot carry bearer headers through browsers, so the token
// rides the URL. Refresh is invoked when the server demands rotation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Config tunes the manager. Zero values fall back to the defaults below.
type Config struct {
	URL string

	MaxAttempts      int           // reconnects before giving up; default 10
	BackoffBase      time.Duration // wait doubles per attempt; default 1s (2s, 4s, ...)
	BackoffMax       time.Duration // default 30s
	PingInterval     time.Duration // default 25s
	WriteTimeout     time.Duration // default 10s
	HandshakeTimeout time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Manager owns the connection. Safe for concurrent use.
type Manager struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	tokens TokenSource
	sched  *sched.Service
	dialer *websocket.Dialer

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	connDone        chan struct{} // closed when the current connection's read loop exits
	gen             uint64        // bumped per live connection; stale loops self-discard
	attempts        int
	closing         bool
	skipBackoffOnce bool
	dialDone        chan struct{}
	dialErr         error
	reconnectTimer  *sched.Timer

	wmu sync.Mutex // serializes all writes on the connection

	hmu      sync.Mutex
	handlers map[string]map[uint64]Handler
	hseq     uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, tokens TokenSource, sch *sched.Service, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if sch == nil {
		// Standalone timer owner; After works without Start.
		sch = sched.New(sched.Config{}, log)
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		tokens:   tokens,
		sched:    sch,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:    StateIdle,
		handlers: map[string]map[uint64]Handler{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts reports the current reconnect attempt counter. It resets to 0 on
// every successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect dials the backend. It is idempotent: while connecting or open, a
// second call joins the in-flight dial instead of opening a duplicate socket.
// It returns after the first dial attempt; later recovery is the reconnect
// machinery's job.
func (m *Manager) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.state == StateReconnectWait {
		// An explicit Connect preempts the pending backoff wait.
		t := m.reconnectTimer
		m.reconnectTimer = nil
		m.state = StateIdle
		m.mu.Unlock()
		t.Stop()
		// A racing Connect may have claimed the dial while the lock was
		// dropped; the switch below re-evaluates rather than dialing blind.
		m.mu.Lock()
	}
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		done := m.dialDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := m.dialErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.closing = false
	m.state = StateConnecting
	done := make(chan struct{})
	m.dialDone = done
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.dialErr = err
	m.dialDone = nil
	if err != nil && m.state == StateConnecting {
		m.state = StateIdle
	}
	m.mu.Unlock()
	close(done)
	return err
}

// dial performs one handshake with a fresh token and, on success, installs
// the connection and starts its read and ping loops.
func (m *Manager) dial(ctx context.Context) error {
	u, err := m.buildURL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := m.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("disconnected while dialing")
	}
	m.conn = conn
	m.connDone = make(chan struct{})
	connDone := m.connDone
	m.state = StateOpen
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	pongWait := 2 * m.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, connDone)

	m.log.Info("socket connected", logx.String("url", m.cfg.URL))
	eventbus.Emit(m.bus, eventbus.EvSocketConnected, map[string]string{"url": m.cfg.URL})
	return nil
}

func (m *Manager) buildURL(ctx context.Context) (string, error) {
	token := ""
	if m.tokens != nil {
		t, err := m.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("fetching socket token: %w", err)
		}
		token = t
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid socket URL %q: %w", m.cfg.URL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send writes one JSON message. When the socket is not open it warns and
// returns ErrNotOpen without queueing.
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.log.Warn("dropping outbound message, socket not open")
		return ErrNotOpen
	}
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// Disconnect cancels any pending reconnect timer and closes the connection
// with code 1000. Safe to call from any state, any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	t := m.reconnectTimer
	m.reconnectTimer = nil
	conn := m.conn
	if conn != nil {
		m.state = StateClosing
	} else {
		m.state = StateIdle
	}
	m.mu.Unlock()

	t.Stop()
	if conn == nil {
		return
	}

	m.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
	m.wmu.Unlock()
	_ = conn.Close()
}

// ---- handlers ----

// On registers a handler for one frame type and returns its unsubscribe.
// Multiple handlers per type are supported.
func (m *Manager) On(eventType string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	m.hmu.Lock()
	set := m.handlers[eventType]
	if set == nil {
		set = map[uint64]Handler{}
		m.handlers[eventType] = set
	}
	m.hseq++
	id := m.hseq
	set[id] = h
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			if set, ok := m.handlers[eventType]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(m.handlers, eventType)
				}
			}
			m.hmu.Unlock()
		})
	}
}

// Off removes every handler for a frame type.
func (m *Manager) Off(eventType string) {
	m.hmu.Lock()
	delete(m.handlers, eventType)
	m.hmu.Unlock()
}

func (m *Manager) dispatch(eventType string, payload json.RawMessage) {
	m.hmu.Lock()
	set := m.handlers[eventType]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	m.hmu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("socket handler panicked",
						logx.String("type", eventType), logx.Any("panic", r))
				}
			}()
			h(payload)
		}()
	}
}

// ---- loops ----

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.onReadExit(conn, gen, err)
			return
		}

		var f Frame
		if uerr := json.Unmarshal(data, &f); uerr != nil || f.Type == "" {
			// Malformed frame: log and keep the connection.
			m.log.Warn("malformed socket frame", logx.Int("bytes", len(data)), logx.Err(uerr))
			continue
		}

		switch f.Type {
		case TypeAuthRequired:
			m.log.Info("server requested re-authentication")
			m.cycleForAuth(conn, gen)
			// The forced close lands in onReadExit via the read error.
		case TypeError:
			m.log.Error("server error frame", logx.String("payload", string(f.Payload)))
		case TypeLiveUpdate:
			eventbus.Emit(m.bus, eventbus.EvLiveUpdate, f.Payload)
			m.dispatch(f.Type, f.Payload)
		default:
			m.dispatch(f.Type, f.Payload)
		}
	}
}

// cycleForAuth rotates the token and drops the connection so the next dial
// carries the new credential. The reconnect bypasses backoff once.
func (m *Manager) cycleForAuth(conn *websocket.Conn, gen uint64) {
	if m.tokens != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.tokens.Refresh(ctx); err != nil {
			m.log.Warn("token rotation for socket failed", logx.Err(err))
		}
		cancel()
	}
	m.mu.Lock()
	if gen == m.gen {
		m.skipBackoffOnce = true
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			m.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
			m.wmu.Unlock()
			if err != nil {
				// Missed heartbeat: force the read loop onto the unclean path.
				_ = conn.Close()
				return
			}
		}
	}
}

// onReadExit classifies the close and either settles into idle (clean) or
// schedules the next reconnect (unclean).
func (m *Manager) onReadExit(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return // superseded by a newer connection
	}
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}

	clean := m.closing || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	skip := m.skipBackoffOnce
	m.skipBackoffOnce = false

	if clean {
		m.state = StateIdle
		m.mu.Unlock()
		m.log.Info("socket closed")
		eventbus.Emit(m.bus, eventbus.EvSocketDisconnected, map[string]any{"clean": true})
		return
	}

	m.attempts++
	attempts := m.attempts
	if attempts > m.cfg.MaxAttempts {
		m.state = StateIdle
		m.mu.Unlock()
		m.log.Error("socket reconnect attempts exhausted",
			logx.Int("attempts", attempts-1), logx.Err(cause))
		eventbus.Emit(m.bus, eventbus.EvSocketGaveUp, map[string]any{"attempts": attempts - 1})
		return
	}

	delay := time.Duration(0)
	if !skip {
		delay = m.jitter(backoffDelay(m.cfg, attempts))
	}
	m.state = StateReconnectWait
	m.scheduleRedialLocked(delay)
	m.mu.Unlock()

	m.log.Warn("socket closed uncleanly, reconnecting",
		logx.Int("attempt", attempts), logx.Duration("in", delay), logx.Err(cause))
	eventbus.Emit(m.bus, eventbus.EvSocketDisconnected,
		map[string]any{"clean": false, "attempt": attempts})
}

func (m *Manager) scheduleRedialLocked(delay time.Duration) {
	m.reconnectTimer = m.sched.After("socket.reconnect", delay, func(ctx context.Context) error {
		m.redial()
		return nil
	})
}

// redial runs one reconnect attempt off the timer.
func (m *Manager) redial() {
	m.mu.Lock()
	if m.closing || m.state != StateReconnectWait {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	done := make(chan struct{})
	m.dialDone = done
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout+5*time.Second)
	err := m.dial(ctx)
	cancel()

	m.mu.Lock()
	m.dialErr = err
	m.dialDone = nil
	if err != nil && !m.closing {
		m.attempts++
		if m.attempts > m.cfg.MaxAttempts {
			m.state = StateIdle
			attempts := m.attempts - 1
			m.mu.Unlock()
			close(done)
			m.log.Error("socket reconnect attempts exhausted", logx.Int("attempts", attempts), logx.Err(err))
			eventbus.Emit(m.bus, eventbus.EvSocketGaveUp, map[string]any{"attempts": attempts})
			return
		}
		delay := m.jitter(backoffDelay(m.cfg, m.attempts))
		m.state = StateReconnectWait
		m.scheduleRedialLocked(delay)
		m.mu.Unlock()
		close(done)
		m.log.Warn("socket redial failed", logx.Int("attempt", m.Attempts()), logx.Duration("next_in", delay), logx.Err(err))
		return
	}
	if err != nil {
		m.state = StateIdle
	}
	m.mu.Unlock()
	close(done)
}

// backoffDelay is the deterministic wait before reconnect attempt n:
// min(base << n, max), so 2s, 4s, 8s ... at the 1s default base.
func backoffDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := cfg.BackoffBase << attempt
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}

// jitter spreads the delay ±20% so a fleet of agents doesn't redial in step.
func (m *Manager) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	m.rngMu.Lock()
	f := 0.8 + m.rng.Float64()*0.4
	m.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}
