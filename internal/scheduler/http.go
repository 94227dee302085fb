package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scada-monitor/internal/audit"
)

// Handler exposes job status and manual triggers.
type Handler struct {
	scheduler *Scheduler
	audit     audit.Logger
	logger    *log.Logger
}

// NewHandler constructs a handler; auditLogger may be nil.
func NewHandler(s *Scheduler, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if s == nil {
		return nil, errors.New("scheduler handler: nil scheduler")
	}
	return &Handler{scheduler: s, audit: auditLogger, logger: logger}, nil
}

// Routes mounts /scheduler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/jobs", h.list)
		r.Post("/jobs/{name}/trigger", h.trigger)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.scheduler.Trigger(r.Context(), name)
	if errors.Is(err, ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if h.audit != nil {
		entry := audit.FromRequest(r, audit.ActionSchedulerTrigger, "scheduler_job", name, nil)
		entry.CreatedAt = time.Now().UTC()
		if logErr := h.audit.Log(context.WithoutCancel(r.Context()), entry); logErr != nil && h.logger != nil {
			h.logger.Printf("audit log failed: action=%s job=%s err=%v", audit.ActionSchedulerTrigger, name, logErr)
		}
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
