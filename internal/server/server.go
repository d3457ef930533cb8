// Package server exposes the event collection API: the endpoint the
// experiment engine posts telemetry to, plus read-side endpoints for
// active experiments and per-variant reports.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/zoptal/abkit/internal/experiment"
	"github.com/zoptal/abkit/internal/model"
	"github.com/zoptal/abkit/internal/store"
)

// Server handles collection API requests.
type Server struct {
	engine *experiment.Engine
	store  store.Store
}

// New creates a Server over the given engine and store.
func New(engine *experiment.Engine, st store.Store) *Server {
	return &Server{engine: engine, store: st}
}

// Router builds the HTTP handler with middleware and routes.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/ab-testing", func(r chi.Router) {
		r.Post("/events", s.handleIngestEvent)
		r.Get("/experiments", s.handleExperiments)
		r.Get("/report", s.handleReport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.ConversionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.Name == "" || ev.ExperimentID == "" || ev.VariantID == "" || ev.SessionID == "" {
		writeError(w, http.StatusBadRequest, "name, experiment_id, variant_id, and session_id are required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := s.store.InsertEvent(r.Context(), ev); err != nil {
		zap.L().Error("event insert failed",
			zap.String("event", ev.Name),
			zap.String("experiment", ev.ExperimentID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "event not recorded")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	tests := s.engine.ActiveTests(path)
	if tests == nil {
		tests = []model.Experiment{}
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	experimentID := r.URL.Query().Get("experiment")
	if experimentID == "" {
		writeError(w, http.StatusBadRequest, "experiment is required")
		return
	}

	stats, err := s.store.Summary(r.Context(), experimentID)
	if err != nil {
		zap.L().Error("report query failed",
			zap.String("experiment", experimentID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "report unavailable")
		return
	}
	if stats == nil {
		stats = []model.VariantStat{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"experiment_id": experimentID,
		"variants":      stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
