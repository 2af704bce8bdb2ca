package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/ratelimit"
	"report-export-pipeline/internal/store"
	"report-export-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the producer API: enqueue, status,
// listing, and cancellation.
type Server struct {
	cfg     config.Config
	queue   *queue.JobQueue
	limiter *ratelimit.RoleLimiter
}

// New constructs the API server. limiter may be nil to disable
// rate limiting.
func New(cfg config.Config, q *queue.JobQueue, limiter *ratelimit.RoleLimiter) *Server {
	return &Server{cfg: cfg, queue: q, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

type enqueueRequest struct {
	JobType   string          `json:"job_type"`
	OwnerRole string          `json:"owner_role"`
	Priority  int             `json:"priority"`
	Request   json.RawMessage `json:"request"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.OwnerRole == "" {
		http.Error(w, "owner_role is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.OwnerRole)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	// The bearer token is captured here so the job can run later without
	// an interactive caller. The core never looks inside it.
	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		JobType:        req.JobType,
		OwnerRole:      req.OwnerRole,
		Priority:       req.Priority,
		RequestPayload: req.Request,
		Credential:     bearerToken(r),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	role := r.URL.Query().Get("role")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	jobs, err := s.queue.List(r.Context(), status, role, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, store.ErrInvalidTransition):
			http.Error(w, "job already terminal", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
