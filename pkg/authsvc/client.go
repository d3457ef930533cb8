// Package authsvc is the single gateway for calls to the external
// authentication service. It coalesces concurrent identical requests
// into one upstream call, caches GET responses for a short TTL, and
// retries transient failures with exponential backoff.
package authsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"

	"github.com/zoptal/abkit/internal/resilience"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 3
	defaultCacheTTL      = 60 * time.Second

	// sweepProbability is the chance any single call triggers an
	// expired-entry sweep. Housekeeping is opportunistic, not timed.
	sweepProbability = 0.1
)

// TokenSource yields the current session token, or "" when the caller
// is unauthenticated.
type TokenSource func() string

// Client calls the authentication service.
//
// For all concurrent callers issuing the same (method, path, body)
// before the first completes, at most one upstream request is made and
// every caller observes the same result. The in-flight marker is
// cleared on every exit path, success or failure.
type Client struct {
	baseURL       string
	timeout       time.Duration
	retryAttempts int
	cacheTTL      time.Duration
	tokenFn       TokenSource
	http          *http.Client

	// mu guards cache and group. group is a pointer so ClearCache can
	// swap in a fresh one without racing in-flight Do calls.
	mu    sync.Mutex
	group *singleflight.Group
	cache map[string]cacheEntry

	now     func() time.Time
	sweepFn func() bool

	// retryBackoff is the delay before the first retry; doubles each
	// attempt. Overridden in tests.
	retryBackoff time.Duration
}

type cacheEntry struct {
	body []byte
	at   time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetryAttempts sets the total attempt budget (including the first try).
func WithRetryAttempts(n int) Option {
	return func(c *Client) { c.retryAttempts = n }
}

// WithCacheTTL sets the GET response cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithTokenSource sets the session token source for the
// Authorization header.
func WithTokenSource(fn TokenSource) Option {
	return func(c *Client) { c.tokenFn = fn }
}

// WithHTTPClient sets a custom HTTP client. Its timeout is ignored;
// the per-request timeout governs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for the auth service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		timeout:       defaultTimeout,
		retryAttempts: defaultRetryAttempts,
		cacheTTL:      defaultCacheTTL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		group:        new(singleflight.Group),
		cache:        make(map[string]cacheEntry),
		now:          time.Now,
		sweepFn:      func() bool { return rand.Float64() < sweepProbability },
		retryBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Request(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// Request issues an HTTP call to the auth service and returns the
// response body. Fresh cached GET responses are served without network
// I/O; concurrent identical requests share one upstream call. Transient
// failures (transport errors, 5xx) are retried with 1s, 2s, 4s, ...
// delays up to the attempt budget; 4xx (*APIError) and per-attempt
// timeouts (*TimeoutError) are definitive and never retried.
func (c *Client) Request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, eris.Wrap(err, "authsvc: marshal body")
		}
	}

	key := cacheKey(method, path, payload)

	if method == http.MethodGet {
		if cached, ok := c.cachedResponse(key); ok {
			return cached, nil
		}
	}

	if c.sweepFn() {
		c.sweepExpired()
	}

	c.mu.Lock()
	group := c.group
	c.mu.Unlock()

	v, err, _ := group.Do(key, func() (any, error) {
		resp, err := c.doWithRetry(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		if method == http.MethodGet {
			c.storeResponse(key, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	// Each caller gets its own copy so one consumer cannot mutate
	// another's (or the cache's) bytes.
	return bytes.Clone(v.([]byte)), nil
}

// ClearCache empties the response cache and forgets any coalescing
// state. Used on logout. Requests already in flight finish against the
// old coalescing group; new requests start fresh.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.group = new(singleflight.Group)
	c.mu.Unlock()
}

func cacheKey(method, path string, payload []byte) string {
	return method + ":" + path + ":" + string(payload)
}

func (c *Client) cachedResponse(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || c.now().Sub(entry.at) >= c.cacheTTL {
		return nil, false
	}
	return bytes.Clone(entry.body), true
}

func (c *Client) storeResponse(key string, body []byte) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{body: bytes.Clone(body), at: c.now()}
	c.mu.Unlock()
}

func (c *Client) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.cache {
		if c.now().Sub(entry.at) >= c.cacheTTL {
			delete(c.cache, key)
		}
	}
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	cfg := resilience.RetryConfig{
		MaxAttempts:    c.retryAttempts,
		InitialBackoff: c.retryBackoff,
		Multiplier:     2.0,
		ShouldRetry: func(err error) bool {
			if IsTimeout(err) || IsAPIError(err) {
				return false
			}
			return resilience.IsTransient(err)
		},
		OnRetry: resilience.RetryLogger("authsvc", method+" "+path),
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return c.doOnce(ctx, method, path, payload)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+"/"+strings.TrimPrefix(path, "/"), bodyReader)
	if err != nil {
		return nil, eris.Wrap(err, "authsvc: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.tokenFn != nil {
		if token := c.tokenFn(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A deadline expiry on our per-request context is a timeout,
		// not a transport failure. Cancellation of the parent context
		// passes through untouched.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Timeout: c.timeout}
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "authsvc: request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "authsvc: read response"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, resilience.NewTransientError(
			fmt.Errorf("authsvc: server error: %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

func (c *Client) cacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
