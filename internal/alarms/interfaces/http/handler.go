package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	alarmapp "scada-monitor/internal/alarms/application"
	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
	"scada-monitor/internal/alarms/report"
	"scada-monitor/internal/audit"
	"scada-monitor/internal/auth"
	"scada-monitor/internal/observability/metrics"
)

const (
	reportHistoryLimit = 500
	defaultArchiveDays = 7
)

// Archive reads alarms recorded in durable storage.
type Archive interface {
	Archive(ctx context.Context, deviceID string, from, to time.Time) ([]alarms.Alarm, error)
}

// Handler provides alarm and alarm rule HTTP endpoints.
type Handler struct {
	service *alarmapp.Service
	audit   audit.Logger
	stream  *StreamHandler
	archive Archive
	logger  *log.Logger
	now     func() time.Time
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithAuditLogger records operator actions.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithStream mounts the SSE alarm stream.
func WithStream(broker *SSEBroker) HandlerOption {
	return func(h *Handler) {
		if broker != nil {
			h.stream = NewStreamHandler(broker)
		}
	}
}

// WithArchive mounts /alarms/archive.
func WithArchive(archive Archive) HandlerOption {
	return func(h *Handler) {
		h.archive = archive
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(service *alarmapp.Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	h := &Handler{
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes mounts /alarms and /alarm-rules on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/alarms", func(r chi.Router) {
		r.Get("/", h.listActive)
		r.Get("/history", h.history)
		if h.archive != nil {
			r.Get("/archive", h.archived)
		}
		r.Get("/stats", h.stats)
		r.Get("/dashboard", h.dashboard)
		if h.stream != nil {
			r.Method(http.MethodGet, "/stream", h.stream)
		}
		r.Post("/classify", h.classify)
		r.Get("/report.pdf", h.exportPDF)
		r.Get("/report.xlsx", h.exportXLSX)
		r.Get("/{id}", h.getAlarm)
		r.Post("/{id}/ack", h.acknowledge)
		r.Post("/{id}/clear", h.clear)
	})
	r.Route("/alarm-rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Get("/{id}", h.getRule)
		r.Put("/{id}", h.updateRule)
		r.Delete("/{id}", h.deleteRule)
	})
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	classifier := h.service.Classifier()
	list := h.service.ActiveAlarms(r.URL.Query().Get("device_id"))
	if value := r.URL.Query().Get("class"); value != "" {
		class := alarms.Class(value)
		if !class.Valid() {
			respondError(w, http.StatusBadRequest, "class must be A, B or C")
			return
		}
		list = classifier.FilterByClass(list, class)
	}
	respondJSON(w, http.StatusOK, classifier.EnrichAll(list))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, alarmapp.DefaultHistoryPage)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := h.service.AlarmHistory(limit)
	respondJSON(w, http.StatusOK, h.service.Classifier().EnrichAll(list))
}

func (h *Handler) archived(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	to := h.now()
	from := to.AddDate(0, 0, -defaultArchiveDays)
	var err error
	if value := r.URL.Query().Get("from"); value != "" {
		if from, err = time.Parse(time.RFC3339, value); err != nil {
			respondError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if value := r.URL.Query().Get("to"); value != "" {
		if to, err = time.Parse(time.RFC3339, value); err != nil {
			respondError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	list, err := h.archive.Archive(r.Context(), deviceID, from, to)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("alarm archive query failed: device=%s err=%v", deviceID, err)
		}
		respondError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	respondJSON(w, http.StatusOK, h.service.Classifier().EnrichAll(list))
}

type statsResponse struct {
	alarms.Statistics
	ByClass classification.ClassStats `json:"by_class"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	active := h.service.ActiveAlarms("")
	respondJSON(w, http.StatusOK, statsResponse{
		Statistics: h.service.Statistics(),
		ByClass:    h.service.Classifier().StatsByClass(active),
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Classifier().DashboardSummary(h.service.ActiveAlarms("")))
}

type classifyRequest struct {
	Priority  alarms.Priority `json:"priority"`
	AlarmName string          `json:"alarm_name"`
}

type classifyResponse struct {
	AlarmClass alarms.Class               `json:"alarm_class"`
	Config     classification.ClassConfig `json:"config"`
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	class := h.service.Classifier().Classify(req.Priority, req.AlarmName)
	respondJSON(w, http.StatusOK, classifyResponse{AlarmClass: class, Config: classification.ConfigFor(class)})
}

func (h *Handler) getAlarm(w http.ResponseWriter, r *http.Request) {
	alarm, err := h.service.Alarm(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.service.Classifier().Enrich(alarm))
}

type acknowledgeRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := auth.SubjectFromContext(r.Context())
	if userID == "" {
		var req acknowledgeRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	alarm, err := h.service.AcknowledgeAlarm(r.Context(), id, userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionAlarmAcknowledge, "alarm", alarm.ID, alarm.DeviceID, map[string]string{"user_id": userID})
	respondJSON(w, http.StatusOK, h.service.Classifier().Enrich(alarm))
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	alarm, err := h.service.ClearAlarm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionAlarmClear, "alarm", alarm.ID, alarm.DeviceID, nil)
	respondJSON(w, http.StatusOK, h.service.Classifier().Enrich(alarm))
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	h.export(w, "pdf", "application/pdf", report.BuildPDF)
}

func (h *Handler) exportXLSX(w http.ResponseWriter, r *http.Request) {
	h.export(w, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", report.BuildXLSX)
}

func (h *Handler) export(w http.ResponseWriter, format, contentType string, render func(report.Report) ([]byte, error)) {
	start := time.Now()
	now := h.now()
	rep := report.Build(
		h.service.Classifier(),
		h.service.ActiveAlarms(""),
		h.service.AlarmHistory(reportHistoryLimit),
		h.service.Statistics(),
		now,
	)
	data, err := render(rep)
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(start))
		if h.logger != nil {
			h.logger.Printf("alarm report export failed: format=%s err=%v", format, err)
		}
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
	metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=alarms-"+now.Format("20060102-150405")+"."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		respondJSON(w, http.StatusOK, h.service.RulesByDevice(deviceID))
		return
	}
	respondJSON(w, http.StatusOK, h.service.Rules())
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var cfg alarmapp.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule, err := h.service.CreateRule(r.Context(), cfg)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionRuleCreate, "alarm_rule", rule.ID, rule.DeviceID, rule)
	respondJSON(w, http.StatusCreated, rule)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Rule(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	var update alarms.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule, err := h.service.UpdateRule(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionRuleUpdate, "alarm_rule", rule.ID, rule.DeviceID, update)
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteRule(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionRuleDelete, "alarm_rule", id, "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordAudit(r *http.Request, action, resourceType, resourceID, deviceID string, metadata any) {
	if h.audit == nil {
		return
	}
	entry := audit.FromRequest(r, action, resourceType, resourceID, metadata)
	entry.DeviceID = deviceID
	entry.CreatedAt = h.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := h.audit.Log(ctx, entry); err != nil && h.logger != nil {
		h.logger.Printf("audit log failed: action=%s id=%s err=%v", action, resourceID, err)
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrAlarmNotFound), errors.Is(err, alarms.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alarms.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
