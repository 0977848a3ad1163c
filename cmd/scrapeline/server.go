package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jobsift/scrapeline/scrape"
)

type server struct {
	svc    *scrape.Service
	logger *slog.Logger
}

func newRouter(svc *scrape.Service, logger *slog.Logger) http.Handler {
	s := &server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/attempts", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/{id}", s.handleGetAttempt)
		r.Post("/{id}/mark-failed", s.handleMarkFailed)
		r.Post("/{id}/retry", s.handleRetry)
		r.Get("/{id}/timeline", s.handleTimeline)
		r.Get("/{id}/events", s.handleEvents)
	})

	r.Get("/listings/{id}/attempts", s.handleListAttempts)
	r.Post("/reaper/run", s.handleReaperRun)

	r.Route("/stats", func(r chi.Router) {
		r.Get("/domains/{domain}", s.handleDomainStats)
		r.Get("/fields", s.handleFieldStats)
		r.Get("/providers", s.handleProviderStats)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobListingID string `json:"job_listing_id"`
		URL          string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	a, err := s.svc.EnqueueExtraction(r.Context(), req.JobListingID, req.URL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// A missing or empty body means "no reason given", not an error.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.svc.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.RetryAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.svc.AttemptTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.svc.ListAttempts(r.Context(), chi.URLParam(r, "id"), 0)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *server) handleReaperRun(w http.ResponseWriter, r *http.Request) {
	var staleAfter time.Duration
	if v := r.URL.Query().Get("stale_after"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stale_after"})
			return
		}
		staleAfter = d
	}
	n, err := s.svc.CleanupStuck(r.Context(), staleAfter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"failed": n})
}

func (s *server) handleDomainStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.DomainStats(r.Context(), chi.URLParam(r, "domain"), windowParam(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleFieldStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.FieldStats(r.Context(), windowParam(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.ProviderStats(r.Context(), windowParam(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// windowParam parses the optional ?window= query (Go duration syntax,
// e.g. "6h"). Zero means the service default.
func windowParam(r *http.Request) time.Duration {
	v := r.URL.Query().Get("window")
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (s *server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scrape.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scrape.ErrAttemptActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scrape.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
