package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET HUB
// Pushes notifications to the browsers of the user they concern. The hub is
// a delivery channel of the notification dispatcher.
// ══════════════════════════════════════════════════════════════════════════════

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 32
)

// ErrHubClosed is returned by Deliver after Close.
var ErrHubClosed = errors.New("websocket hub is closed")

// Hub tracks connected clients per user.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[shared.UserID]map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	hub    *Hub
	userID shared.UserID
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// wsMessage is the frame written to clients.
type wsMessage struct {
	Type         string                   `json:"type"`
	Notification progression.Notification `json:"notification"`
}

// NewHub creates a hub. allowedOrigins follows the CORS list; "*" allows
// any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger.With("component", "ws_hub"),
		clients: make(map[shared.UserID]map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Name implements messaging.Channel.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements messaging.Channel. A user without open connections is
// not an error. A client whose buffer is full is disconnected.
func (h *Hub) Deliver(ctx context.Context, n progression.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(wsMessage{Type: "notification", Notification: n})
	if err != nil {
		return err
	}

	// Sends happen under the read lock; channels are only closed under the
	// write lock.
	var slow []*wsClient
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	for c := range h.clients[n.UserID] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client too slow, disconnecting", "user_id", n.UserID.String())
		h.unregister(c)
	}
	return nil
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID shared.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and attaches the connection to userID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID shared.UserID) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &wsClient{hub: h, userID: userID, conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return ErrHubClosed
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("client connected", "user_id", c.userID.String(), "connections", len(set))
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	c.close()
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			c.close()
		}
	}
	h.clients = make(map[shared.UserID]map[*wsClient]struct{})
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// readPump drains the connection so pongs and close frames are processed.
// Clients do not send data.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "user_id", c.userID.String(), "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
