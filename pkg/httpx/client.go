package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "sentrylink/pkg/logx"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultRetries     = 3
	defaultBackoffBase = time.Second
	maxBodyBytes       = 4 << 20
)

// sleepHook is swapped out by tests to observe retry delays.
var sleepHook = sleepCtx

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TokenSource supplies bearer tokens for authenticated requests.
//
// Token returns the current access token, or "" when the session is
// anonymous (the request then goes out without an Authorization header).
// Refresh forces a rotation after the server rejected a token; Invalidate
// drops the local session when rotation is no longer possible.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	Invalidate()
}

// Config tunes the pipeline. Zero values fall back to the defaults above.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	Retries     int           // extra attempts after the first failure
	BackoffBase time.Duration // doubled per failed attempt (2s, 4s, ... at 1s)
	UserAgent   string
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.hc = h
		}
	}
}

// WithUnauthorizedHook is called once per request that terminally failed
// with 401 (after the one refresh attempt). The local session has already
// been invalidated when it fires.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// Client is a resilient JSON-over-HTTP client.
// All methods are safe for concurrent use.
type Client struct {
	cfg Config
	hc  *http.Client
	log logx.Logger

	tokens         TokenSource
	onUnauthorized func()

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	// Zero means "default"; explicit no-retry configs pass a negative value.
	if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	} else if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "sentrylink"
	}
	c := &Client{
		cfg: cfg,
		// The per-attempt deadline comes from context; no client-level timeout
		// so ongoing body reads aren't cut twice.
		hc:  &http.Client{},
		log: logx.Nop(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Request describes one logical API call. The pipeline may perform several
// wire attempts for it.
type Request struct {
	Method string
	Path   string // joined to BaseURL; absolute URLs pass through
	Query  url.Values
	Body   any // JSON-marshaled when non-nil
	Header http.Header

	// NoAuth skips bearer injection and the 401 refresh path
	// (used by login/refresh themselves).
	NoAuth bool

	// Timeout overrides the per-attempt timeout for this request.
	Timeout time.Duration

	// Retries overrides the retry budget for this request: >0 sets it,
	// <0 disables retries, 0 keeps the client default.
	Retries int
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if out == nil {
		return nil
	}
	if len(r.Body) == 0 {
		return newTransportError(CodeBadResponse, "empty response body", nil)
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return newTransportError(CodeBadResponse, "decoding response: "+err.Error(), err)
	}
	return nil
}

// Do runs the request through the pipeline: bearer injection, per-attempt
// timeout, retries with exponential backoff for network errors and 5xx,
// and a single transparent retry after a 401-driven token refresh.
// 4xx responses are never retried.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Method) == "" {
		req.Method = http.MethodGet
	}

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, newTransportError(CodeBadResponse, "encoding request body: "+err.Error(), err)
		}
		body = b
	}

	retries := c.cfg.Retries
	if req.Retries > 0 {
		retries = req.Retries
	} else if req.Retries < 0 {
		retries = 0
	}

	authed := c.tokens != nil && !req.NoAuth
	refreshed := false
	attempt := 0

	for {
		attempt++

		var token string
		if authed {
			// Errors degrade to an anonymous request; the server's 401
			// answer then drives the rest.
			token, _ = c.tokens.Token(ctx)
		}

		res, err := c.attempt(ctx, req, body, token)

		switch {
		case err == nil && res.StatusCode >= 200 && res.StatusCode < 300:
			return res, nil

		case err == nil && res.StatusCode == http.StatusUnauthorized && authed && !refreshed:
			refreshed = true
			if rerr := c.tokens.Refresh(ctx); rerr == nil {
				c.log.Debug("retrying after token refresh",
					logx.String("method", req.Method), logx.String("path", req.Path))
				attempt-- // transparent retry, not counted against the budget
				continue
			}
			c.tokens.Invalidate()
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
			return nil, newStatusError(res.StatusCode, res.Body)

		case err == nil && res.StatusCode == http.StatusUnauthorized:
			if authed {
				c.tokens.Invalidate()
				if c.onUnauthorized != nil {
					c.onUnauthorized()
				}
			}
			return nil, newStatusError(res.StatusCode, res.Body)

		case err == nil && res.StatusCode < 500:
			// Client errors are deterministic; retrying cannot help.
			return nil, newStatusError(res.StatusCode, res.Body)

		default:
			// Transport error or 5xx.
			var perr *Error
			if err != nil {
				perr = c.classifyTransport(ctx, err)
			} else {
				perr = newStatusError(res.StatusCode, res.Body)
			}

			if ctx.Err() != nil || perr.Code == CodeCanceled {
				return nil, perr
			}
			if attempt > retries {
				c.log.Warn("request failed",
					logx.String("method", req.Method),
					logx.String("path", req.Path),
					logx.Int("attempts", attempt),
					logx.Err(perr),
				)
				return nil, perr
			}

			delay := c.retryDelay(attempt)
			c.log.Debug("request failed; retrying",
				logx.String("method", req.Method),
				logx.String("path", req.Path),
				logx.Int("attempt", attempt),
				logx.Duration("backoff", delay),
				logx.Err(perr),
			)
			if serr := sleepHook(ctx, delay); serr != nil {
				return nil, newTransportError(CodeCanceled, "canceled during backoff", serr)
			}
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(actx, req.Method, u, rd)
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	res, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	c.log.Trace("http response",
		logx.String("method", req.Method),
		logx.String("path", req.Path),
		logx.Int("status", res.StatusCode),
		logx.Duration("took", time.Since(started)),
	)
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: b}, nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	raw := path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		base := strings.TrimRight(c.cfg.BaseURL, "/")
		if base == "" {
			return "", newTransportError(CodeBadResponse, "no base URL configured", nil)
		}
		raw = base + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", newTransportError(CodeBadResponse, "invalid URL "+raw, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) classifyTransport(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return newTransportError(CodeCanceled, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newTransportError(CodeTimeout, "request timed out", err)
	default:
		return newTransportError(CodeNetwork, err.Error(), err)
	}
}

// retryDelay grows 2^attempt from the base: 2s, 4s, 8s at 1s. Jitter keeps
// simultaneous clients from thundering in lockstep.
func (c *Client) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := c.cfg.BackoffBase << attempt

	c.rngMu.Lock()
	f := 0.7 + c.rng.Float64()*0.6
	c.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}

// ---- JSON sugar ----

func (c *Client) Get(ctx context.Context, path string, out any) error {
	res, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return res.Decode(out)
}

func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	res, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	res, err := c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
	return err
}

// BaseURL reports the configured backend root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }
