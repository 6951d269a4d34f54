// Package auth owns the session: login, logout, token refresh, and the token
// pair itself. Everything else reads tokens through the Coordinator; nothing
// else writes them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sentrylink/internal/eventbus"
	"sentrylink/internal/sched"
	"sentrylink/internal/storage"
	httpx "sentrylink/pkg/httpx"
	logx "sentrylink/pkg/logx"
)

var (
	// ErrInvalidCredentials is terminal; retrying the same login cannot help.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthenticated   = errors.New("not authenticated")
	// ErrSessionExpired means a refresh failed and the session was cleared.
	ErrSessionExpired = errors.New("session expired")
)

// State is the coordinator's lifecycle position.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
)

const (
	defaultRefreshThreshold = 5 * time.Minute
	logoutTimeout           = 3 * time.Second
	cacheTimeout            = 500 * time.Millisecond
)

type Credentials struct {
	Username string
	Password string
}

// Session is what a successful login yields.
type Session struct {
	User      User
	ExpiresAt time.Time
}

type Config struct {
	// RefreshThreshold triggers a refresh when the access token's remaining
	// lifetime drops below it. Default 5m.
	RefreshThreshold time.Duration

	// PersistSession caches the pair so a restart resumes without a login.
	PersistSession bool
}

// SessionCache is the slice of storage the coordinator uses. Nil disables
// persistence; every cache call is best-effort.
type SessionCache interface {
	SaveSession(ctx context.Context, rec storage.SessionRecord) error
	LoadSession(ctx context.Context) (storage.SessionRecord, bool, error)
	ClearSession(ctx context.Context) error
}

// Coordinator orchestrates the session against the backend's auth endpoints.
// It implements httpx.TokenSource. Safe for concurrent use.
type Coordinator struct {
	cfg   Config
	api   *httpx.Client // bare client: auth endpoints never recurse into refresh
	log   logx.Logger
	bus   eventbus.Bus
	cache SessionCache

	store Store
	sf    singleflight.Group

	mu           sync.Mutex
	state        State
	sched        *sched.Service
	refreshTimer *sched.Timer
}

// New builds a coordinator around a bare (token-source-free) pipeline.
// The authed application client is constructed separately with this
// coordinator as its TokenSource.
func New(cfg Config, api *httpx.Client, log logx.Logger, bus eventbus.Bus, cache SessionCache) *Coordinator {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:   cfg,
		api:   api,
		log:   log,
		bus:   bus,
		cache: cache,
		state: StateAnonymous,
	}
}

// SetScheduler enables proactive refresh: a timer armed at expiry minus the
// threshold, cancelled on logout. Without a scheduler, refresh happens lazily
// on the next Token call.
func (c *Coordinator) SetScheduler(s *sched.Service) {
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// CurrentUser reports the authenticated user, if any.
func (c *Coordinator) CurrentUser() (User, bool) { return c.store.User() }

// AccessToken returns the raw current token without triggering a refresh.
// Prefer Token for anything that hits the network.
func (c *Coordinator) AccessToken() string { return c.store.AccessToken() }

// ---- wire shapes ----

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionReply struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
}

// Login authenticates against POST /auth/login. A 4xx answer maps to
// ErrInvalidCredentials; transport failures pass through normalized.
func (c *Coordinator) Login(ctx context.Context, creds Credentials) (*Session, error) {
	c.setState(StateAuthenticating)

	res, err := c.api.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   loginRequest{Username: creds.Username, Password: creds.Password},
		NoAuth: true,
	})
	if err != nil {
		c.setState(StateAnonymous)
		if pe, ok := httpx.AsError(err); ok && pe.Status >= 400 && pe.Status < 500 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, pe.Message)
		}
		return nil, err
	}

	var reply sessionReply
	if err := res.Decode(&reply); err != nil {
		c.setState(StateAnonymous)
		return nil, err
	}

	pair := c.adopt(ctx, reply)
	c.setState(StateAuthenticated)
	eventbus.Emit(c.bus, eventbus.EvAuthLogin, map[string]string{"user": reply.User.ID})
	c.log.Info("logged in", logx.String("user", reply.User.Username), logx.Time("expires", pair.ExpiresAt))

	return &Session{User: reply.User, ExpiresAt: pair.ExpiresAt}, nil
}

// Token returns a valid access token, refreshing first when the current one
// is near expiry. Anonymous sessions return ("", nil) so requests go out
// unauthenticated and the server's 401 drives the rest.
//
// Concurrent callers during a refresh all observe the single refresh's
// outcome.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	pair, ok := c.store.Get()
	if !ok {
		return "", nil
	}
	if !c.store.ExpiringWithin(time.Now(), c.cfg.RefreshThreshold) {
		return pair.Access, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return "", err
	}
	return c.store.AccessToken(), nil
}

// Refresh rotates the pair via POST /auth/refresh. Exactly one wire call is
// in flight at any time; concurrent callers coalesce on it. Any refresh
// failure clears the session.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("refresh", func() (any, error) {
		pair, ok := c.store.Get()
		if !ok {
			return nil, ErrNotAuthenticated
		}
		c.setState(StateRefreshing)

		res, err := c.api.Do(ctx, httpx.Request{
			Method: http.MethodPost,
			Path:   "/auth/refresh",
			Body:   refreshRequest{RefreshToken: pair.Refresh},
			NoAuth: true,
		})
		if err == nil {
			var reply sessionReply
			err = res.Decode(&reply)
			if err == nil {
				c.adopt(ctx, reply)
				c.setState(StateAuthenticated)
				eventbus.Emit(c.bus, eventbus.EvAuthRefreshed, map[string]string{"user": reply.User.ID})
				return nil, nil
			}
		}

		c.log.Warn("token refresh failed, clearing session", logx.Err(err))
		c.clearLocal(ctx)
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	})
	return err
}

// Logout revokes the session server-side (best effort) and always clears
// local state, even when the network call fails. It never returns an error.
func (c *Coordinator) Logout(ctx context.Context) error {
	if pair, ok := c.store.Get(); ok {
		_, err := c.api.Do(ctx, httpx.Request{
			Method:  http.MethodPost,
			Path:    "/auth/logout",
			NoAuth:  true,
			Header:  bearerHeader(pair.Access),
			Timeout: logoutTimeout,
			Retries: -1,
		})
		if err != nil {
			c.log.Warn("server logout failed, clearing locally anyway", logx.Err(err))
		}
	}
	c.clearLocal(ctx)
	return nil
}

// Invalidate drops the session without a server call. The pipeline uses it
// when rotation is no longer possible after a 401.
func (c *Coordinator) Invalidate() {
	c.clearLocal(context.Background())
}

// Me fetches the authenticated user from GET /auth/me.
func (c *Coordinator) Me(ctx context.Context) (*User, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	if tok == "" {
		return nil, ErrNotAuthenticated
	}
	res, err := c.api.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		Path:   "/auth/me",
		NoAuth: true,
		Header: bearerHeader(tok),
	})
	if err != nil {
		return nil, err
	}
	var u User
	if err := res.Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Restore adopts a cached session from storage, if one exists and still has
// a refresh token. Returns true when a session was restored.
func (c *Coordinator) Restore(ctx context.Context) bool {
	if c.cache == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	rec, ok, err := c.cache.LoadSession(cctx)
	cancel()
	if err != nil || !ok || rec.RefreshToken == "" {
		return false
	}

	c.store.Set(
		Pair{Access: rec.AccessToken, Refresh: rec.RefreshToken, ExpiresAt: rec.ExpiresAt},
		User{ID: rec.UserID, Username: rec.Username},
	)
	c.setState(StateAuthenticated)
	c.armRefreshTimer(rec.ExpiresAt)
	c.log.Info("session restored from cache", logx.String("user", rec.Username), logx.Time("expires", rec.ExpiresAt))
	return true
}

// adopt installs a fresh pair from a login/refresh reply, persists it, and
// re-arms the proactive refresh timer.
func (c *Coordinator) adopt(ctx context.Context, reply sessionReply) Pair {
	expiresAt := time.Time{}
	if reply.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(reply.ExpiresIn) * time.Second)
	} else if exp, ok := expiryFromJWT(reply.AccessToken); ok {
		expiresAt = exp
	}

	pair := Pair{Access: reply.AccessToken, Refresh: reply.RefreshToken, ExpiresAt: expiresAt}
	c.store.Set(pair, reply.User)
	c.persist(ctx, pair, reply.User)
	c.armRefreshTimer(expiresAt)
	return pair
}

func (c *Coordinator) persist(ctx context.Context, pair Pair, user User) {
	if !c.cfg.PersistSession || c.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	err := c.cache.SaveSession(cctx, storage.SessionRecord{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		ExpiresAt:    pair.ExpiresAt,
		UserID:       user.ID,
		Username:     user.Username,
		SavedAt:      time.Now(),
	})
	if err != nil {
		c.log.Warn("session cache write failed", logx.Err(err))
	}
}

func (c *Coordinator) armRefreshTimer(expiresAt time.Time) {
	c.mu.Lock()
	s := c.sched
	old := c.refreshTimer
	c.refreshTimer = nil
	c.mu.Unlock()

	old.Stop()
	if s == nil || expiresAt.IsZero() {
		return
	}

	d := time.Until(expiresAt) - c.cfg.RefreshThreshold
	if d < time.Second {
		d = time.Second
	}
	t := s.After("auth.refresh", d, func(jctx context.Context) error {
		// Failure already cleared the session and signaled logout.
		if err := c.Refresh(jctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			c.log.Warn("proactive refresh failed", logx.Err(err))
		}
		return nil
	})

	c.mu.Lock()
	c.refreshTimer = t
	c.mu.Unlock()
}

// clearLocal drops the pair, the cached session, and any pending refresh
// timer, then signals logged-out. It must always succeed.
func (c *Coordinator) clearLocal(ctx context.Context) {
	c.mu.Lock()
	old := c.refreshTimer
	c.refreshTimer = nil
	c.mu.Unlock()
	old.Stop()

	_, had := c.store.Get()
	c.store.Clear()
	c.setState(StateAnonymous)

	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
		if err := c.cache.ClearSession(cctx); err != nil {
			c.log.Warn("session cache clear failed", logx.Err(err))
		}
		cancel()
	}

	if had {
		eventbus.Emit(c.bus, eventbus.EvAuthLoggedOut, nil)
	}
}

func bearerHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
