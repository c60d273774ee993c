// Package websocket maintains the set of connected API clients and
// fans broadcast events out to them.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 32
)

// client is one connected WebSocket peer with its own send queue. A
// dedicated write pump keeps broadcasts from blocking on a slow peer.
type client struct {
	id   string
	conn *ws.Conn
	send chan []byte
}

// Hub tracks connected clients and broadcasts JSON events to all of
// them. A client whose send queue is full or whose connection errors
// is dropped; the rest keep receiving.
type Hub struct {
	logger *zap.Logger

	// mu guards the client map and every send-channel operation, so a
	// queued broadcast can never race the close of a dropped client.
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle owns conn until the peer disconnects. It registers the
// client, starts its write pump and services inbound frames on the
// calling goroutine.
func (h *Hub) Handle(conn *ws.Conn) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.String("client", c.id), zap.Int("total", total))

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast sends v, JSON-encoded, to every connected client and
// reports how many accepted it.
func (h *Hub) Broadcast(v any) int {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("unencodable broadcast payload", zap.Error(err))
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for _, c := range h.clients {
		select {
		case c.send <- payload:
			sent++
		default:
			h.logger.Warn("dropping slow websocket client", zap.String("client", c.id))
			h.dropLocked(c)
		}
	}
	return sent
}

// Close disconnects every client. Call at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.dropLocked(c)
	}
}

// readPump services inbound frames: ping requests get a pong, invalid
// JSON gets an error reply, anything else is logged and ignored.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, map[string]string{"type": "error", "message": "invalid JSON"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.reply(c, map[string]string{"type": "pong"})
		default:
			h.logger.Warn("unknown websocket message type",
				zap.String("client", c.id), zap.String("type", msg.Type))
		}
	}
}

// writePump drains the send queue. Closing the connection on every
// exit path unblocks the companion read pump.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(ws.TextMessage, payload); err != nil {
			h.logger.Warn("websocket write failed", zap.String("client", c.id), zap.Error(err))
			h.drop(c)
			return
		}
	}
	c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
}

func (h *Hub) reply(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, present := h.clients[c.id]; !present {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.dropLocked(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked unregisters the client and closes its send channel, which
// ends the write pump. Safe to call more than once per client.
func (h *Hub) dropLocked(c *client) {
	if _, present := h.clients[c.id]; !present {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.logger.Info("websocket client disconnected",
		zap.String("client", c.id), zap.Int("total", len(h.clients)))
}
