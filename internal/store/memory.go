package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoptal/abkit/internal/model"
)

// MemoryStore is an in-process Store. It backs tests, the "memory"
// driver, and the engine's degraded mode when durable storage is
// unavailable.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]model.Assignment // key: sessionID + "\x00" + experimentID
	events      []model.ConversionEvent
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{assignments: make(map[string]model.Assignment)}
}

func assignmentKey(sessionID, experimentID string) string {
	return sessionID + "\x00" + experimentID
}

func (s *MemoryStore) GetAssignment(_ context.Context, sessionID, experimentID string) (*model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[assignmentKey(sessionID, experimentID)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) PutAssignment(_ context.Context, a model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(a.SessionID, a.ExperimentID)
	if _, exists := s.assignments[key]; exists {
		return nil
	}
	s.assignments[key] = a
	return nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, sessionID string) ([]model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev model.ConversionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]model.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.ConversionEvent
	for _, ev := range s.events {
		if filter.ExperimentID != "" && ev.ExperimentID != filter.ExperimentID {
			continue
		}
		if filter.SessionID != "" && ev.SessionID != filter.SessionID {
			continue
		}
		if filter.Name != "" && ev.Name != filter.Name {
			continue
		}
		matched = append(matched, ev)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Summary(_ context.Context, experimentID string) ([]model.VariantStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]*model.VariantStat)
	order := []string{}
	get := func(variantID string) *model.VariantStat {
		st, ok := stats[variantID]
		if !ok {
			st = &model.VariantStat{VariantID: variantID}
			stats[variantID] = st
			order = append(order, variantID)
		}
		return st
	}

	for _, a := range s.assignments {
		if a.ExperimentID == experimentID {
			get(a.VariantID).Assignments++
		}
	}
	for _, ev := range s.events {
		if ev.ExperimentID != experimentID {
			continue
		}
		// Only variants with at least one assignment are reported.
		st, ok := stats[ev.VariantID]
		if !ok {
			continue
		}
		switch ev.Name {
		case model.EventAssignment:
			// Counted from the assignments map, not events.
		case model.EventPageView:
			st.PageViews++
		default:
			st.Conversions++
		}
	}

	out := make([]model.VariantStat, 0, len(order))
	for _, id := range order {
		st := stats[id]
		if st.Assignments > 0 {
			st.Rate = float64(st.Conversions) / float64(st.Assignments)
		}
		out = append(out, *st)
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
