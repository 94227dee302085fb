package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scada-monitor/internal/observability/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// ErrHubClosed is returned by Broadcast after Run has returned.
var ErrHubClosed = errors.New("realtime: hub closed")

type outbound struct {
	channel string
	data    []byte
}

// Hub manages websocket clients and their channel subscriptions.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once

	upgrader websocket.Upgrader
	logger   *log.Logger
}

// HubOption configures the hub.
type HubOption func(*Hub)

// WithAllowedOrigin restricts upgrades to one origin; "*" or empty allows any.
func WithAllowedOrigin(origin string) HubOption {
	return func(h *Hub) {
		if origin == "" || origin == "*" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == origin
		}
	}
}

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *log.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub constructs a hub. Call Run to start delivery.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, sendBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run delivers messages until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			metrics.AddFanoutClients(1)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Broadcast implements Broadcaster. Messages are dropped when the hub
// queue is full.
func (h *Hub) Broadcast(_ context.Context, channel string, msg Message) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{channel: channel, data: data}:
		return nil
	default:
		metrics.IncFanoutPublish("websocket", "dropped")
		return nil
	}
}

// ServeHTTP upgrades the request to a websocket and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("websocket upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.logf("websocket connected: client=%s remote=%s", client.id, r.RemoteAddr)
	go client.writePump()
	go client.readPump()
}

// Subscribe adds client to channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[client] = struct{}{}
	client.subscriptions[channel] = struct{}{}
}

// Unsubscribe removes client from channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, channel)
}

// Stats reports connected clients per channel.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels)+1)
	for channel, subs := range h.channels {
		out[channel] = len(subs)
	}
	out["_clients"] = len(h.clients)
	return out
}

func (h *Hub) unsubscribeLocked(client *Client, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.subscriptions, channel)
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[msg.channel] {
		select {
		case client.send <- msg.data:
			metrics.IncFanoutPublish("websocket", metrics.ResultSuccess)
		default:
			metrics.IncFanoutPublish("websocket", "dropped")
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for channel := range client.subscriptions {
		h.unsubscribeLocked(client, channel)
	}
	close(client.send)
	metrics.AddFanoutClients(-1)
	h.logf("websocket disconnected: client=%s", client.id)
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		h.removeClient(client)
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

// Client is one websocket connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.NewString(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logf("websocket read failed: client=%s err=%v", c.id, err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func (c *Client) handleMessage(data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(Message{Type: TypeError, Error: "invalid message format"})
		return
	}
	switch req.Type {
	case TypeSubscribe:
		if !ValidChannel(req.Channel) {
			c.reply(Message{Type: TypeError, Channel: req.Channel, Error: "unknown channel"})
			return
		}
		c.hub.Subscribe(c, req.Channel)
		c.reply(Message{Type: TypeAck, Channel: req.Channel, Data: json.RawMessage(`"subscribed"`)})
	case TypeUnsubscribe:
		c.hub.Unsubscribe(c, req.Channel)
		c.reply(Message{Type: TypeAck, Channel: req.Channel, Data: json.RawMessage(`"unsubscribed"`)})
	case TypePing:
		c.reply(Message{Type: TypePong})
	default:
		c.reply(Message{Type: TypeError, Error: "unknown message type"})
	}
}

// reply queues a direct response. The hub lock guards against a send on a
// channel closed by removeClient.
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
