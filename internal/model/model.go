// Package model defines the core data types shared across the
// experiment engine, the event store, and the collection server.
package model

import (
	"strings"
	"time"
)

// Variant is one treatment arm of an Experiment. Weight is the
// probability mass assigned to this arm; weights of all variants in an
// experiment are normalized to sum to 1.0 at load time. Config is an
// opaque payload consumed by presentation code and never interpreted
// here.
type Variant struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Weight float64        `json:"weight" yaml:"weight"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Experiment is a named A/B test. TargetPath optionally restricts the
// experiment to a single page path; a trailing "*" makes it a prefix
// match. StartAt/EndAt optionally bound the experiment in time.
type Experiment struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Active     bool       `json:"active" yaml:"active"`
	TargetPath string     `json:"target_path,omitempty" yaml:"target_path,omitempty"`
	StartAt    *time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`
	Variants   []Variant  `json:"variants" yaml:"variants"`
}

// MatchesPath reports whether the experiment applies to the given page
// path. An empty TargetPath matches everything.
func (e Experiment) MatchesPath(path string) bool {
	if e.TargetPath == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(e.TargetPath, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return e.TargetPath == path
}

// RunningAt reports whether the experiment's optional date window
// contains t.
func (e Experiment) RunningAt(t time.Time) bool {
	if e.StartAt != nil && t.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && t.After(*e.EndAt) {
		return false
	}
	return true
}

// Variant returns the variant with the given id, or nil.
func (e Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Assignment is the durable outcome of resolving one experiment for
// one session. Created once per (experiment, session) pair and never
// mutated afterwards. Assignments carry no expiry: an experiment past
// its end date stops matching new traffic, but an existing assignment
// still resolves so returning visitors keep a stable variant.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Well-known event names emitted by the engine.
const (
	EventAssignment = "test_assignment"
	EventPageView   = "page_view"
)

// ConversionEvent is an immutable, append-only fact attributing an
// event to the variant a session was assigned. Value is optional
// (zero when unset).
type ConversionEvent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ExperimentID string         `json:"experiment_id"`
	VariantID    string         `json:"variant_id"`
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id,omitempty"`
	Value        float64        `json:"value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// VariantStat is one row of a per-variant experiment report. Rate is
// conversions over assignments (0 when no assignments).
type VariantStat struct {
	VariantID   string  `json:"variant_id"`
	Assignments int     `json:"assignments"`
	PageViews   int     `json:"page_views"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"conversion_rate"`
}

// Visitor identifies the session an engine call acts on behalf of.
// SessionID is the correlation key for assignments and events; Path is
// the page path used for target filtering.
type Visitor struct {
	SessionID string
	UserID    string
	Path      string
}
