package httpapi

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{}

// Hub pushes session changes to connected driver-app sockets so the app
// sees offer transitions without polling. Dead connections are dropped
// on first write failure or when the read pump sees the peer close.
type Hub struct {
	logger *slog.Logger

	// Current supplies the session view pushed to a socket on connect,
	// so a reconnecting app renders the live offer without waiting for
	// the next transition. Nil is allowed.
	Current func() models.Snapshot

	mu    sync.Mutex
	conns map[*websocket.Conn]*wsClient
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, conns: make(map[*websocket.Conn]*wsClient)}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.conns[conn] = client
	h.mu.Unlock()

	if h.Current != nil {
		snap := h.Current()
		if err := client.send(wsMessage{Kind: "offer", Snapshot: &snap}); err != nil {
			h.drop(conn)
			return
		}
	}
	go h.readLoop(client)
}

// readLoop discards inbound frames; its job is noticing the peer going
// away so the connection is reaped before the next broadcast.
func (h *Hub) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c.conn)
			return
		}
	}
}

type wsMessage struct {
	Kind     string           `json:"kind"` // "offer" or "cooldown_end"
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
}

// Broadcast fans a session snapshot out to every connected socket.
func (h *Hub) Broadcast(snap models.Snapshot) {
	h.send(wsMessage{Kind: "offer", Snapshot: &snap})
}

// BroadcastCooldownEnd relays the once-per-edge cooldown end signal.
func (h *Hub) BroadcastCooldownEnd() {
	h.send(wsMessage{Kind: "cooldown_end"})
}

func (h *Hub) send(msg wsMessage) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			h.logger.Debug("ws send failed, dropping connection", "error", err)
			h.drop(c.conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Close tears down every connection; safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}
