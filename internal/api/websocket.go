package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/logging"
)

// Message types on the WebSocket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSnapshot    = "snapshot"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	wsSendBufferSize = 256
	snapshotTimeout  = 15 * time.Second

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels. With Devices set, only events of
// those devices are delivered on the channels.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// WSSnapshotPayload names the devices whose current state a snapshot
// returns. An empty list means every device.
type WSSnapshotPayload struct {
	Devices []string `json:"devices"`
}

// SnapshotFunc queries the current characteristic values of the named
// devices. Unknown names are returned separately.
type SnapshotFunc func(ctx context.Context, devices []string) (states map[string]any, unknown []string)

// wsSubscription is the device filter of one channel.
type wsSubscription struct {
	all     bool
	devices map[string]struct{}
}

func (s wsSubscription) matches(device string) bool {
	if s.all || device == "" {
		return true
	}
	_, ok := s.devices[device]
	return ok
}

// Hub tracks WebSocket clients and fans events out to their subscriptions.
//
// Thread Safety: All methods are safe for concurrent use.
type Hub struct {
	logger   *logging.Logger
	snapshot SnapshotFunc

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one upgraded connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.RWMutex
	send   chan []byte
	closed bool
	subs   map[string]wsSubscription
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. snapshot may be nil, in which case snapshot
// requests are answered with an error.
func NewHub(logger *logging.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*WSClient]struct{}),
	}
}

func newWSClient(hub *Hub, conn *websocket.Conn, buffer int) *WSClient {
	return &WSClient{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, buffer),
		subs: make(map[string]wsSubscription),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send queue. Repeated calls
// are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast delivers an event to every client subscribed to channel whose
// device filter admits device. An empty device reaches all subscribers.
// Slow clients lose the event instead of blocking the caller.
func (h *Hub) Broadcast(channel, device string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, device) && !c.enqueue(data) {
			h.logger.Debug("websocket client too slow, event dropped", "channel", channel, "device", device)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the request after consuming its single-use
// ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	if !s.tickets.consume(ticket, time.Now()) {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn, wsSendBufferSize)
	s.hub.Register(c)

	limits := wsLimitsFrom(s.wsCfg)
	go c.writeLoop(limits)
	go c.readLoop(limits)
}

// wsLimits are the effective connection limits.
type wsLimits struct {
	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
}

// readDeadline is how long a connection may stay silent.
func (l wsLimits) readDeadline() time.Time {
	return time.Now().Add(l.pingInterval + l.pongWait)
}

func wsLimitsFrom(cfg config.WebSocketConfig) wsLimits {
	l := wsLimits{
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongWait:       time.Duration(cfg.PongTimeout) * time.Second,
	}
	if l.maxMessageSize <= 0 {
		l.maxMessageSize = defaultWSMaxMessageSize
	}
	if l.pingInterval <= 0 {
		l.pingInterval = defaultWSPingInterval
	}
	if l.pongWait <= 0 {
		l.pongWait = defaultWSPongTimeout
	}
	return l
}

func (c *WSClient) readLoop(l wsLimits) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(l.maxMessageSize)
	//nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetReadDeadline(l.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(l.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings, so any frame counts.
		//nolint:errcheck // a failed deadline surfaces on the next read
		c.conn.SetReadDeadline(l.readDeadline())
		c.handle(data)
	}
}

func (c *WSClient) writeLoop(l wsLimits) {
	ticker := time.NewTicker(l.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				//nolint:errcheck // the peer may already be gone
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // a failed deadline surfaces on the write
		c.conn.SetWriteDeadline(time.Now().Add(l.pongWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if err := decodePayload(msg.Payload, &sub); err != nil || len(sub.Channels) == 0 {
			c.reply(msg.ID, WSTypeError, errorPayload("payload must name at least one channel"))
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "devices": sub.Devices})
		} else {
			c.unsubscribe(sub)
			c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels, "devices": sub.Devices})
		}
		c.hub.logger.Debug("websocket subscriptions changed", "channels", c.channels())
	case WSTypeSnapshot:
		var req WSSnapshotPayload
		if msg.Payload != nil {
			if err := decodePayload(msg.Payload, &req); err != nil {
				c.reply(msg.ID, WSTypeError, errorPayload("invalid snapshot payload"))
				return
			}
		}
		if c.hub.snapshot == nil {
			c.reply(msg.ID, WSTypeError, errorPayload("snapshots are not available"))
			return
		}
		// Snapshots query FHEM and must not stall the read loop.
		go c.sendSnapshot(msg.ID, req.Devices)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

func (c *WSClient) sendSnapshot(id string, devices []string) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	states, unknown := c.hub.snapshot(ctx, devices)
	payload := map[string]any{"devices": states}
	if len(unknown) > 0 {
		payload["unknown"] = unknown
	}
	c.reply(id, WSTypeResponse, payload)
}

// subscribe merges channels into the subscriptions. A subscription without
// devices widens the channel to every device.
func (c *WSClient) subscribe(p WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range p.Channels {
		sub, ok := c.subs[ch]
		if !ok {
			sub = wsSubscription{devices: make(map[string]struct{})}
		}
		if len(p.Devices) == 0 {
			sub.all = true
		}
		for _, d := range p.Devices {
			sub.devices[d] = struct{}{}
		}
		c.subs[ch] = sub
	}
}

// unsubscribe drops channels, or only the named devices from them. A
// channel left without devices is dropped.
func (c *WSClient) unsubscribe(p WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range p.Channels {
		sub, ok := c.subs[ch]
		if !ok {
			continue
		}
		if len(p.Devices) == 0 {
			delete(c.subs, ch)
			continue
		}
		for _, d := range p.Devices {
			delete(sub.devices, d)
		}
		if !sub.all && len(sub.devices) == 0 {
			delete(c.subs, ch)
		}
	}
}

func (c *WSClient) wants(channel, device string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[channel]
	return ok && sub.matches(device)
}

// channels returns the subscribed channel names in sorted order.
func (c *WSClient) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		names = append(names, ch)
	}
	slices.Sort(names)
	return names
}

// enqueue hands data to the write loop without blocking. It reports false
// when the queue is full or closed.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

// decodePayload re-decodes a generically parsed payload into v.
func decodePayload(payload any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
