package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aliveevie/fennac-markets/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// SessionChannel carries wallet session changes. Workflow transitions of a
// market are sent on WorkflowChannel(marketID).
const SessionChannel = "session"

func WorkflowChannel(marketID string) string {
	return "workflow:" + marketID
}

// Hub fans out messages to subscribed browser connections.
type Hub struct {
	log        *slog.Logger
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log.With("component", "ws_hub"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Run tracks connections until ctx is cancelled, then closes them all.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Inc()
			h.log.Debug("client connected", "client_id", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", "client_id", c.id, "total", n)
		}
	}
}

// Broadcast sends data to every client subscribed to channel. Clients whose
// buffer is full are disconnected.
func (h *Hub) Broadcast(channel, msgType string, data any) {
	message, err := json.Marshal(WSMessage{Type: msgType, Channel: channel, Data: data})
	if err != nil {
		h.log.Error("couldn't marshal message", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- message:
		default:
			h.log.Warn("client too slow, disconnecting", "client_id", c.id)
			h.dropLocked(c)
		}
	}
}

// reply sends a message to a single client if it is still connected.
func (h *Hub) reply(c *wsClient, msg WSMessage) {
	message, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("couldn't marshal reply", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- message:
	default:
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebsocketClients.Dec()
}

// ServeWS upgrades the request and serves the connection. New connections
// are subscribed to the session channel.
func (h *Hub) ServeWS(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("upgrade failed", "error", err)
			return
		}

		c := &wsClient{
			hub:           h,
			conn:          conn,
			send:          make(chan []byte, sendBufferSize),
			id:            uuid.NewString(),
			subscriptions: map[string]struct{}{SessionChannel: {}},
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]struct{}
}

func (c *wsClient) subscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("invalid message", "client_id", c.id, "error", err)
			continue
		}

		c.subsMu.Lock()
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subscriptions[ch] = struct{}{}
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				delete(c.subscriptions, ch)
			}
		default:
			c.subsMu.Unlock()
			c.hub.log.Debug("unknown op", "client_id", c.id, "op", req.Op)
			continue
		}
		c.subsMu.Unlock()

		c.hub.reply(c, WSMessage{Type: req.Op + "d", Data: req.Channels})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
