// Package track delivers conversion events to a collection endpoint.
// Delivery is best-effort by design: experiment telemetry must never
// fail a user-facing code path, so transport errors are logged and
// discarded, never retried and never returned.
package track

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoptal/abkit/internal/model"
	"github.com/zoptal/abkit/internal/store"
)

// Tracker records conversion events. Implementations must not return
// errors; failures are theirs to log and swallow.
type Tracker interface {
	Track(ctx context.Context, ev model.ConversionEvent)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Track(context.Context, model.ConversionEvent) {}

// HTTPTracker posts events as JSON to a collection endpoint. A local
// rate limiter caps outbound telemetry; events arriving over the limit
// are dropped rather than queued.
type HTTPTracker struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// HTTPOption configures an HTTPTracker.
type HTTPOption func(*HTTPTracker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(t *HTTPTracker) { t.client = hc }
}

// WithLimiter sets a custom rate limiter.
func WithLimiter(l *rate.Limiter) HTTPOption {
	return func(t *HTTPTracker) { t.limiter = l }
}

// NewHTTP creates an HTTPTracker posting to the given endpoint.
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTPTracker {
	t := &HTTPTracker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(20, 40),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTracker) Track(ctx context.Context, ev model.ConversionEvent) {
	if !t.limiter.Allow() {
		zap.L().Debug("event dropped by rate limiter",
			zap.String("event", ev.Name),
			zap.String("experiment", ev.ExperimentID),
		)
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("marshal event", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		zap.L().Error("create event request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := t.client.Do(req)
	if err != nil {
		zap.L().Warn("event delivery failed",
			zap.String("event", ev.Name),
			zap.String("experiment", ev.ExperimentID),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		zap.L().Warn("event rejected by collector",
			zap.String("event", ev.Name),
			zap.Int("status", resp.StatusCode),
		)
	}
}

// StoreTracker writes events straight into a Store, bypassing the
// network. Used by the serve command (engine and collector share a
// process) and by offline simulation.
type StoreTracker struct {
	store store.Store
}

// NewStore creates a StoreTracker.
func NewStore(st store.Store) *StoreTracker {
	return &StoreTracker{store: st}
}

func (t *StoreTracker) Track(ctx context.Context, ev model.ConversionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := t.store.InsertEvent(ctx, ev); err != nil {
		zap.L().Warn("event insert failed",
			zap.String("event", ev.Name),
			zap.Error(err),
		)
	}
}
