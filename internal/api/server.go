package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"note-summarizer/internal/jobs"
	"note-summarizer/internal/models"
	"note-summarizer/internal/ratelimit"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

const failedListLimit = 100

// Limiter throttles summarize submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the records and jobs API.
type Server struct {
	records  store.RecordStore
	jobs     *jobs.Service
	limiter  Limiter
	auth     *Authenticator
	logger   *slog.Logger
	validate *validator.Validate
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(records store.RecordStore, svc *jobs.Service, limiter Limiter, auth *Authenticator, logger *slog.Logger) *Server {
	return &Server{
		records:  records,
		jobs:     svc,
		limiter:  limiter,
		auth:     auth,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/records", s.handleListRecords)
		r.Post("/records", s.handleCreateRecord)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Patch("/records/{id}", s.handleUpdateRecord)
		r.Delete("/records/{id}", s.handleDeleteRecord)
		r.Post("/records/{id}/summarize", s.handleSummarize)

		r.With(requireAdmin).Get("/jobs/failed", s.handleFailedJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

type createRecordRequest struct {
	Kind  string `json:"kind" validate:"omitempty,max=32"`
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=50000"`
}

type updateRecordRequest struct {
	Kind  *string `json:"kind" validate:"omitempty,min=1,max=32"`
	Title *string `json:"title" validate:"omitempty,min=1,max=200"`
	Body  *string `json:"body" validate:"omitempty,max=50000"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	owner := p.OwnerID
	if p.IsAdmin() {
		owner = ""
	}
	recs, err := s.records.List(r.Context(), owner)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, _ := PrincipalFrom(r.Context())
	rec, err := s.records.Create(r.Context(), models.Record{
		OwnerID: p.OwnerID,
		Kind:    req.Kind,
		Title:   req.Title,
		Body:    req.Body,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateRecord edits descriptive fields. Changing the body while a job is outstanding
// is allowed; the job keeps summarizing the body it was submitted with.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	var req updateRecordRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.records.Update(r.Context(), rec.ID, models.RecordUpdate{Kind: req.Kind, Title: req.Title, Body: req.Body})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	if err := s.records.Delete(r.Context(), rec.ID); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), p.OwnerID)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if secs := int(math.Ceil(d.RetryAfter.Seconds())); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, err := s.jobs.Submit(r.Context(), rec.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

// handleGetJob is a pure read of the broker. Job ids are unguessable, so no ownership check is made.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.Failed(r.Context(), failedListLimit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// loadOwned fetches the record named in the path. Records of other owners look missing to non-admins.
func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return models.Record{}, false
	}
	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return models.Record{}, false
	}
	p, _ := PrincipalFrom(r.Context())
	if !p.IsAdmin() && rec.OwnerID != p.OwnerID {
		writeError(w, http.StatusNotFound, "record not found")
		return models.Record{}, false
	}
	return rec, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondErr maps domain errors to status codes.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "summarization already in progress")
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "event", "request_failed",
			"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request", "event", "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
