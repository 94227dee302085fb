package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	alarmapp "scada-monitor/internal/alarms/application"
	"scada-monitor/internal/observability/metrics"
)

const (
	sseClientBuffer   = 16
	sseHeartbeatEvery = 25 * time.Second
)

type sseMessage struct {
	event   string
	payload []byte
}

// SSEBroker fans out alarm lifecycle events to connected stream clients.
// Slow clients miss events rather than blocking the alarm service.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan sseMessage]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan sseMessage]struct{})}
}

// Notify implements alarmapp.AlarmNotifier.
func (b *SSEBroker) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.broadcast(sseMessage{event: event.Type, payload: payload})
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) subscribe() chan sseMessage {
	ch := make(chan sseMessage, sseClientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	metrics.AddFanoutClients(1)
	return ch
}

func (b *SSEBroker) unsubscribe(ch chan sseMessage) {
	b.mu.Lock()
	_, ok := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
		metrics.AddFanoutClients(-1)
	}
}

func (b *SSEBroker) broadcast(msg sseMessage) {
	b.mu.Lock()
	clients := make([]chan sseMessage, 0, len(b.clients))
	for ch := range b.clients {
		clients = append(clients, ch)
	}
	b.mu.Unlock()
	for _, ch := range clients {
		select {
		case ch <- msg:
			metrics.IncFanoutPublish("sse", metrics.ResultSuccess)
		default:
			metrics.IncFanoutPublish("sse", "dropped")
		}
	}
}

// StreamHandler serves the alarm event stream.
type StreamHandler struct {
	broker    *SSEBroker
	heartbeat time.Duration
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker, heartbeat: sseHeartbeatEvery}
}

// ServeHTTP handles GET /api/v1/alarms/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.broker == nil {
		respondError(w, http.StatusServiceUnavailable, "stream not ready")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.subscribe()
	defer h.broker.unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
