package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/jobs"
)

// HealthService exposes the worker's queue diagnostics over HTTP. All
// endpoints are read-only; the service never mutates jobs or documents.
type HealthService struct {
	diag    *jobs.Diagnostics
	started time.Time
	version string
}

// NewHealthService creates the health API around queue diagnostics.
func NewHealthService(diag *jobs.Diagnostics, version string) *HealthService {
	return &HealthService{
		diag:    diag,
		started: time.Now(),
		version: version,
	}
}

// Routes registers the health endpoints on mux.
func (s *HealthService) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/health/jobs", s.HandleJobStats)
	mux.HandleFunc("/health/jobs/dead", s.HandleDeadJobs)
}

// HandleHealth handles the /health liveness endpoint.
func (s *HealthService) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleJobStats handles /health/jobs: queue depth by type, running jobs with
// average age, stuck count, dead in the last 24h and oldest queued lag.
func (s *HealthService) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.diag == nil {
		WriteNotFound(w, "queue diagnostics require a postgres-backed queue")
		return
	}

	stats, err := s.diag.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// HandleDeadJobs handles /health/jobs/dead: dead-letter detail with an
// inferred reason per job. Supports ?limit=N, default 50.
func (s *HealthService) HandleDeadJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.diag == nil {
		WriteNotFound(w, "queue diagnostics require a postgres-backed queue")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	dead, err := s.diag.DeadJobs(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := map[string]any{
		"count": len(dead),
		"jobs":  dead,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
