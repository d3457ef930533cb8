package authsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a Client against srv with retry delays shrunk so
// failure-path tests finish quickly.
func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	c := NewClient(srv.URL, opts...)
	c.retryBackoff = time.Millisecond
	return c
}

func TestRequest_CoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"user":"u_1"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	const callers = 10
	results := make([][]byte, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = client.Get(context.Background(), "/session")
		}(i)
	}

	// Let every goroutine reach the client before the upstream responds.
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, `{"user":"u_1"}`, string(results[i]))
	}
}

func TestRequest_DistinctRequestsNotCoalesced(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithCacheTTL(0))

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/profile")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequest_GETServedFromCacheWithinTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	clock := time.Now()
	client.now = func() time.Time { return clock }

	first, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	second, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)

	// Past the TTL the next call goes back upstream.
	clock = clock.Add(defaultCacheTTL)
	_, err = client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequest_CachedBytesIsolatedPerCaller(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	first, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	first[0] = 'X'

	second, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(second))
}

func TestRequest_POSTNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	_, err := client.Post(context.Background(), "/login", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)
	_, err = client.Post(context.Background(), "/login", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequest_RetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithRetryAttempts(3))

	body, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequest_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv, WithRetryAttempts(3))

	_, err := client.Get(context.Background(), "/session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error: 502")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequest_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such session"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithRetryAttempts(3))

	_, err := client.Get(context.Background(), "/session")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "no such session")
}

func TestRequest_TimeoutNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithRetryAttempts(3), WithTimeout(50*time.Millisecond))

	_, err := client.Get(context.Background(), "/session")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, int32(1), calls.Load())

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestRequest_ParentCancellationIsNotATimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Get(ctx, "/session")
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestRequest_InFlightClearedAfterSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithCacheTTL(0))

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/session")
	require.NoError(t, err)

	// With caching disabled both sequential calls must reach upstream,
	// proving the first call's coalescing entry was released.
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequest_InFlightClearedAfterFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	_, err := client.Get(context.Background(), "/session")
	require.Error(t, err)

	body, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestClearCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	require.Equal(t, 1, client.cacheSize())

	client.ClearCache()
	assert.Equal(t, 0, client.cacheSize())

	_, err = client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClearCache_DuringInFlightRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	const callers = 5
	results := make([][]byte, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = client.Get(context.Background(), "/session")
		}(i)
	}

	// Logout mid-flight must not corrupt coalescing state or fail the
	// callers already waiting on the upstream.
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	client.ClearCache()
	close(release)
	done.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, `{"ok":true}`, string(results[i]))
	}

	// The in-flight response was cached after the wipe; clearing again
	// once it settled forces the next call back upstream.
	client.ClearCache()
	before := calls.Load()
	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, before+1, calls.Load())
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	clock := time.Now()
	client.now = func() time.Time { return clock }
	client.sweepFn = func() bool { return true }

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/profile")
	require.NoError(t, err)
	require.Equal(t, 2, client.cacheSize())

	// Once both entries age out, the next call's sweep drops them.
	clock = clock.Add(defaultCacheTTL)
	_, err = client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Equal(t, 1, client.cacheSize())
}

func TestRequest_SetsHeaders(t *testing.T) {
	t.Parallel()

	var (
		gotContentType string
		gotRequestID   string
		gotAuth        string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithTokenSource(func() string { return "tok_123" }))

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "Bearer tok_123", gotAuth)
}

func TestRequest_NoAuthHeaderWithoutToken(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, WithTokenSource(func() string { return "" }))

	_, err := client.Get(context.Background(), "/session")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestRequest_MarshalsBody(t *testing.T) {
	t.Parallel()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv)

	_, err := client.Put(context.Background(), "/profile", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, gotBody)
}

func TestRequest_UnmarshalableBody(t *testing.T) {
	t.Parallel()

	client := NewClient("http://localhost:0")
	_, err := client.Post(context.Background(), "/login", func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal body")
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	client := NewClient("https://auth.zoptal.com/")
	assert.Equal(t, "https://auth.zoptal.com", client.baseURL)
	assert.Equal(t, defaultTimeout, client.timeout)
	assert.Equal(t, defaultRetryAttempts, client.retryAttempts)
	assert.Equal(t, defaultCacheTTL, client.cacheTTL)
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	get := cacheKey(http.MethodGet, "/session", nil)
	post := cacheKey(http.MethodPost, "/session", []byte(`{"a":1}`))
	assert.NotEqual(t, get, post)
	assert.True(t, strings.HasPrefix(get, "GET:/session"))
}
