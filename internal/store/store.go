// Package store persists experiment assignments and conversion events.
package store

import (
	"context"

	"github.com/zoptal/abkit/internal/model"
)

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExperimentID string `json:"experiment_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for assignments and events.
//
// Assignments are first-write-wins per (session, experiment): a second
// PutAssignment for the same pair leaves the original untouched, which
// makes concurrent writers from separate processes converge on one
// variant. Events are append-only.
type Store interface {
	// Assignments
	GetAssignment(ctx context.Context, sessionID, experimentID string) (*model.Assignment, error)
	PutAssignment(ctx context.Context, a model.Assignment) error
	ListAssignments(ctx context.Context, sessionID string) ([]model.Assignment, error)

	// Events
	InsertEvent(ctx context.Context, ev model.ConversionEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.ConversionEvent, error)

	// Summary aggregates per-variant assignment, page-view, and
	// conversion counts for one experiment.
	Summary(ctx context.Context, experimentID string) ([]model.VariantStat, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
