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

	acquisition "scada-monitor/internal/acquisition/domain"
	"scada-monitor/internal/audit"
	"scada-monitor/internal/drivers"
)

const defaultDataLimit = 100

// Poller is the subset of the polling engine the API drives.
type Poller interface {
	HealthStatus() map[string]acquisition.DeviceHealth
	BufferedData(deviceID string, limit int) ([]acquisition.Sample, error)
	LatestSample(deviceID string) (acquisition.Sample, bool)
	ClearBuffer(deviceID string) error
	WriteTag(ctx context.Context, deviceID, tag string, value acquisition.Value) error
	StartPoll(deviceID string, tags []string, interval time.Duration) error
	StopPoll(deviceID string) error
	StartAll(ctx context.Context) (int, error)
	StopAll()
	DeviceIDs() []string
}

// DeviceLookup resolves configured devices.
type DeviceLookup interface {
	Device(ctx context.Context, id string) (acquisition.Device, error)
}

// PointReader reads persisted tag values.
type PointReader interface {
	LatestByDevice(ctx context.Context, deviceID string) ([]acquisition.DataPoint, error)
}

// DriverStatus reports PLC driver connection state.
type DriverStatus interface {
	Status() map[string]drivers.Status
	HealthCheckAll(ctx context.Context) map[string]drivers.HealthResult
}

// Handler serves acquisition, device data and driver endpoints.
type Handler struct {
	poller  Poller
	devices DeviceLookup
	drivers DriverStatus
	points  PointReader
	audit   audit.Logger
	logger  *log.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithDeviceLookup enables per-device start.
func WithDeviceLookup(devices DeviceLookup) HandlerOption {
	return func(h *Handler) {
		h.devices = devices
	}
}

// WithDriverStatus enables the driver status endpoint.
func WithDriverStatus(status DriverStatus) HandlerOption {
	return func(h *Handler) {
		h.drivers = status
	}
}

// WithPointReader lets /latest fall back to stored values for devices
// without buffered samples.
func WithPointReader(points PointReader) HandlerOption {
	return func(h *Handler) {
		h.points = points
	}
}

// WithAuditLogger records tag writes.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(poller Poller, opts ...HandlerOption) (*Handler, error) {
	if poller == nil {
		return nil, errors.New("acquisition handler: nil poller")
	}
	h := &Handler{poller: poller}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes mounts the acquisition, device and driver routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/acquisition", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/start", h.startAll)
		r.Post("/stop", h.stopAll)
		r.Post("/devices/{id}/start", h.startDevice)
		r.Post("/devices/{id}/stop", h.stopDevice)
	})
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Get("/data", h.data)
		r.Get("/latest", h.latest)
		r.Delete("/buffer", h.clearBuffer)
		r.Post("/tags/{tag}/write", h.writeTag)
	})
	r.Get("/drivers/status", h.driverStatus)
}

type healthResponse struct {
	Devices        map[string]acquisition.DeviceHealth `json:"devices"`
	PollingDevices int                                 `json:"polling_devices"`
	Healthy        int                                 `json:"healthy"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.poller.HealthStatus()
	resp := healthResponse{Devices: status, PollingDevices: len(status)}
	for _, device := range status {
		if device.Healthy {
			resp.Healthy++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) startAll(w http.ResponseWriter, r *http.Request) {
	started, err := h.poller.StartAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"started": started, "polling": h.poller.DeviceIDs()})
}

func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	h.poller.StopAll()
	respondJSON(w, http.StatusOK, map[string]any{"polling": h.poller.DeviceIDs()})
}

func (h *Handler) startDevice(w http.ResponseWriter, r *http.Request) {
	if h.devices == nil {
		respondError(w, http.StatusServiceUnavailable, "device registry not configured")
		return
	}
	device, err := h.devices.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAcquisitionError(w, err)
		return
	}
	if err := h.poller.StartPoll(device.ID, device.EnabledTags(), device.PollInterval); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"device_id": device.ID, "status": "polling"})
}

func (h *Handler) stopDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.poller.StopPoll(id); err != nil {
		respondAcquisitionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"device_id": id, "status": "stopped"})
}

func (h *Handler) data(w http.ResponseWriter, r *http.Request) {
	limit := defaultDataLimit
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	samples, err := h.poller.BufferedData(chi.URLParam(r, "id"), limit)
	if err != nil {
		respondAcquisitionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

type storedPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	TagName   string            `json:"tag_name"`
	Value     acquisition.Value `json:"value"`
	Quality   int               `json:"quality"`
}

type storedLatestResponse struct {
	DeviceID string        `json:"device_id"`
	Source   string        `json:"source"`
	Points   []storedPoint `json:"points"`
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sample, ok := h.poller.LatestSample(id); ok {
		respondJSON(w, http.StatusOK, sample)
		return
	}
	if h.points == nil {
		respondError(w, http.StatusNotFound, "no data")
		return
	}
	points, err := h.points.LatestByDevice(r.Context(), id)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("latest points query failed: device=%s err=%v", id, err)
		}
		respondError(w, http.StatusInternalServerError, "point query failed")
		return
	}
	if len(points) == 0 {
		respondError(w, http.StatusNotFound, "no data")
		return
	}
	resp := storedLatestResponse{DeviceID: id, Source: "store", Points: make([]storedPoint, 0, len(points))}
	for _, point := range points {
		resp.Points = append(resp.Points, storedPoint{
			Timestamp: point.Timestamp,
			TagName:   point.TagName,
			Value:     point.Value,
			Quality:   int(point.Quality),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) clearBuffer(w http.ResponseWriter, r *http.Request) {
	if err := h.poller.ClearBuffer(chi.URLParam(r, "id")); err != nil {
		respondAcquisitionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeRequest struct {
	Value *acquisition.Value `json:"value"`
}

func (h *Handler) writeTag(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	tag := chi.URLParam(r, "tag")
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		respondError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := h.poller.WriteTag(r.Context(), deviceID, tag, *req.Value); err != nil {
		respondAcquisitionError(w, err)
		return
	}
	if h.audit != nil {
		entry := audit.FromRequest(r, audit.ActionTagWrite, "device_tag", deviceID+":"+tag, map[string]any{"value": req.Value.Any()})
		entry.DeviceID = deviceID
		entry.CreatedAt = time.Now().UTC()
		if err := h.audit.Log(context.WithoutCancel(r.Context()), entry); err != nil && h.logger != nil {
			h.logger.Printf("audit log failed: action=%s device=%s err=%v", audit.ActionTagWrite, deviceID, err)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "tag": tag, "value": req.Value})
}

type driverStatusResponse struct {
	Drivers map[string]drivers.Status       `json:"drivers"`
	Health  map[string]drivers.HealthResult `json:"health"`
}

func (h *Handler) driverStatus(w http.ResponseWriter, r *http.Request) {
	if h.drivers == nil {
		respondError(w, http.StatusServiceUnavailable, "drivers not configured")
		return
	}
	respondJSON(w, http.StatusOK, driverStatusResponse{
		Drivers: h.drivers.Status(),
		Health:  h.drivers.HealthCheckAll(r.Context()),
	})
}

func respondAcquisitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acquisition.ErrDeviceNotFound), errors.Is(err, drivers.ErrDriverNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case acquisition.IsRateLimitError(err):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, acquisition.ErrWrite), errors.Is(err, acquisition.ErrConnection):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
