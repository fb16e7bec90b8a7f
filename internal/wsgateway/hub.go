// Package wsgateway is the WebSocket fan-out gateway (spec §4.7):
// connections join a per-tenant room and receive flag-update frames
// whenever the change bus publishes for that tenant. Adapted from the
// teacher's DAGStreamer hub (internal/websocket/dag_streamer.go) —
// register/unregister/broadcast channel shape kept, but rooms are keyed
// by tenant and each connection gets its own bounded send queue instead
// of a single global broadcast channel, so one slow connection in tenant
// A can't starve delivery to tenant B.
package wsgateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/eventbus"
)

const (
	clientSendQueueSize = 32
	pingInterval        = 30 * time.Second
	writeWait           = 10 * time.Second
)

// FlagUpdateMessage is the JSON frame pushed to subscribed connections.
type FlagUpdateMessage struct {
	Type      string    `json:"type"` // "flag-update"
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	conn   *websocket.Conn
	tenant string
	send   chan FlagUpdateMessage
}

// Hub manages WebSocket connections grouped into per-tenant rooms.
type Hub struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]bool
}

// NewHub builds a Hub that relays bus events to subscribed connections.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		bus:   bus,
		rooms: make(map[string]map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the HTTP request and joins the connection to
// tenant's room. It blocks for the lifetime of the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, tenant string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsgateway: upgrade failed", "tenant", tenant, "error", err)
		return
	}

	c := &client{conn: conn, tenant: tenant, send: make(chan FlagUpdateMessage, clientSendQueueSize)}
	h.register(c)
	defer h.unregister(c)

	busSub := h.bus.Subscribe(tenant)
	defer h.bus.Unsubscribe(tenant, busSub)

	done := make(chan struct{})
	go h.readLoop(c, done)
	go h.relayLoop(c, busSub, done)

	h.writeLoop(c, done)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.tenant] == nil {
		h.rooms[c.tenant] = make(map[*client]bool)
	}
	h.rooms[c.tenant][c] = true
	slog.Info("wsgateway: client connected", "tenant", c.tenant, "room_size", len(h.rooms[c.tenant]))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[c.tenant]; ok {
		if _, present := room[c]; present {
			delete(room, c)
			close(c.send)
		}
		if len(room) == 0 {
			delete(h.rooms, c.tenant)
		}
	}
	c.conn.Close()
}

// readLoop drains client-initiated frames (ping/subscribe control
// messages) until the connection errors or closes, at which point it
// signals done so the write and relay loops exit too.
func (h *Hub) readLoop(c *client, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// relayLoop forwards bus events for this client's tenant into its
// per-connection send queue. A full queue drops the event and
// disconnects — a slow consumer must not accumulate unbounded backlog.
func (h *Hub) relayLoop(c *client, busSub chan domain.FlagChanged, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt, ok := <-busSub:
			if !ok {
				return
			}
			msg := FlagUpdateMessage{Type: "flag-update", Key: evt.Key, Timestamp: evt.Timestamp}
			select {
			case c.send <- msg:
			default:
				slog.Warn("wsgateway: client send queue full, disconnecting", "tenant", c.tenant)
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) writeLoop(c *client, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
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

// Stats returns per-tenant connection counts for the health/ops surface.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for tenant, room := range h.rooms {
		out[tenant] = len(room)
	}
	return out
}
