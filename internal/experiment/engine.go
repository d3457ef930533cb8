package experiment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoptal/abkit/internal/model"
	"github.com/zoptal/abkit/internal/store"
	"github.com/zoptal/abkit/internal/track"
)

// Engine assigns sessions to experiment variants and emits telemetry
// tied to those assignments. Experiments are injected at construction
// and immutable afterwards.
//
// Assignment is once per (session, experiment): the first call draws a
// variant by weight, persists it, and every later call returns the
// stored variant. Engine methods never return errors to the caller;
// storage failures degrade to an in-process fallback map and transport
// failures are logged and discarded, so an experiment code path can
// never break the primary user flow.
type Engine struct {
	experiments []model.Experiment
	byID        map[string]*model.Experiment
	store       store.Store
	tracker     track.Tracker

	randFn func() float64
	now    func() time.Time

	// fallback holds assignments made while the store was failing.
	// Per-instance degraded mode; lost on restart.
	mu       sync.Mutex
	fallback map[string]model.Assignment
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandFn overrides the uniform [0,1) source used for the weighted
// draw (for tests).
func WithRandFn(fn func() float64) Option {
	return func(e *Engine) { e.randFn = fn }
}

// WithNowFn overrides the clock (for tests).
func WithNowFn(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine creates an Engine over validated experiment definitions.
// Definitions are normalized in place (see Normalize); a structurally
// invalid definition returns a ConfigError.
func NewEngine(experiments []model.Experiment, st store.Store, tr track.Tracker, opts ...Option) (*Engine, error) {
	if err := Normalize(experiments); err != nil {
		return nil, err
	}
	if tr == nil {
		tr = track.Nop{}
	}

	e := &Engine{
		experiments: experiments,
		byID:        make(map[string]*model.Experiment, len(experiments)),
		store:       st,
		tracker:     tr,
		randFn:      rand.Float64,
		now:         time.Now,
		fallback:    make(map[string]model.Assignment),
	}
	for i := range experiments {
		e.byID[experiments[i].ID] = &experiments[i]
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ActiveTests returns the experiments that are active, inside their
// date window, and whose target path matches the given path. Pure
// query, no side effects.
func (e *Engine) ActiveTests(path string) []model.Experiment {
	now := e.now()
	var out []model.Experiment
	for _, exp := range e.experiments {
		if exp.Active && exp.RunningAt(now) && exp.MatchesPath(path) {
			out = append(out, exp)
		}
	}
	return out
}

// Variant resolves the variant of the given experiment for the
// visitor's session, drawing and persisting a new assignment on first
// contact. It returns nil for an unknown, inactive, out-of-window, or
// path-filtered experiment, and on the flagged edge case where
// floating-point drift leaves the draw uncovered by the cumulative
// weight walk.
func (e *Engine) Variant(ctx context.Context, v model.Visitor, experimentID string) *model.Variant {
	exp, ok := e.byID[experimentID]
	if !ok {
		zap.L().Debug("unknown experiment", zap.String("experiment", experimentID))
		return nil
	}
	if !exp.Active || !exp.RunningAt(e.now()) || !exp.MatchesPath(v.Path) {
		return nil
	}

	if a := e.lookupAssignment(ctx, v.SessionID, experimentID); a != nil {
		return exp.Variant(a.VariantID)
	}

	variant := pickWeighted(exp.Variants, e.randFn())
	if variant == nil {
		// Cumulative weights fell short of the draw; with normalized
		// weights this is pure floating-point drift.
		zap.L().Warn("weighted draw not covered by variants",
			zap.String("experiment", experimentID),
		)
		return nil
	}

	assignment := model.Assignment{
		ExperimentID: experimentID,
		VariantID:    variant.ID,
		SessionID:    v.SessionID,
		UserID:       v.UserID,
		AssignedAt:   e.now().UTC(),
	}
	e.saveAssignment(ctx, assignment)
	e.tracker.Track(ctx, e.newEvent(v, model.EventAssignment, experimentID, variant.ID, 0, nil))

	return variant
}

// TrackConversion records a conversion against the visitor's existing
// assignment for the experiment. Without a prior assignment there is
// nothing to attribute, so the call is a no-op.
func (e *Engine) TrackConversion(ctx context.Context, v model.Visitor, eventName, experimentID string, value float64, metadata map[string]any) {
	a := e.lookupAssignment(ctx, v.SessionID, experimentID)
	if a == nil {
		zap.L().Debug("conversion without assignment",
			zap.String("experiment", experimentID),
			zap.String("event", eventName),
		)
		return
	}
	e.tracker.Track(ctx, e.newEvent(v, eventName, experimentID, a.VariantID, value, metadata))
}

// TrackPageView resolves or creates assignments for every active
// experiment matching the visitor's path and emits a page_view event
// for each.
func (e *Engine) TrackPageView(ctx context.Context, v model.Visitor) {
	for _, exp := range e.ActiveTests(v.Path) {
		variant := e.Variant(ctx, v, exp.ID)
		if variant == nil {
			continue
		}
		e.tracker.Track(ctx, e.newEvent(v, model.EventPageView, exp.ID, variant.ID, 0, nil))
	}
}

// pickWeighted walks variants in declaration order accumulating weight
// and selects the first variant whose cumulative weight covers r.
// Declaration order is the tie-break rule when weights do not sum
// exactly to 1. Returns nil when the walk ends before covering r.
func pickWeighted(variants []model.Variant, r float64) *model.Variant {
	var cum float64
	for i := range variants {
		cum += variants[i].Weight
		if r <= cum {
			return &variants[i]
		}
	}
	return nil
}

func (e *Engine) lookupAssignment(ctx context.Context, sessionID, experimentID string) *model.Assignment {
	if e.store != nil {
		a, err := e.store.GetAssignment(ctx, sessionID, experimentID)
		if err != nil {
			zap.L().Warn("assignment read failed, checking fallback", zap.Error(err))
		} else if a != nil {
			return a
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.fallback[sessionID+"\x00"+experimentID]; ok {
		return &a
	}
	return nil
}

func (e *Engine) saveAssignment(ctx context.Context, a model.Assignment) {
	if e.store != nil {
		err := e.store.PutAssignment(ctx, a)
		if err == nil {
			return
		}
		zap.L().Warn("assignment write failed, keeping in memory",
			zap.String("experiment", a.ExperimentID),
			zap.Error(err),
		)
	}
	e.mu.Lock()
	e.fallback[a.SessionID+"\x00"+a.ExperimentID] = a
	e.mu.Unlock()
}

func (e *Engine) newEvent(v model.Visitor, name, experimentID, variantID string, value float64, metadata map[string]any) model.ConversionEvent {
	return model.ConversionEvent{
		Name:         name,
		ExperimentID: experimentID,
		VariantID:    variantID,
		SessionID:    v.SessionID,
		UserID:       v.UserID,
		Value:        value,
		Metadata:     metadata,
		Timestamp:    e.now().UTC(),
	}
}
