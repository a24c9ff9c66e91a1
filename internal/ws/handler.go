package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded frames
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from other origins on the kiosk network
		return true
	},
}

// Handler handles WebSocket connections for live queue updates
type Handler struct {
	hub *QueueHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *QueueHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the request and streams queue messages until the client leaves
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn().Err(err).Msg("Upgrade error")
		return
	}

	h.hub.logger.Debug().Str("remote", r.RemoteAddr).Msg("New connection")

	c := h.hub.register(conn)
	go h.hub.writePump(c)
	go h.readPump(c)
}

// readPump keeps the read deadline fresh and detects disconnection
func (h *Handler) readPump(c *client) {
	defer h.hub.drop(c)

	c.conn.SetReadLimit(512) // Clients only send control frames
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug().Err(err).Msg("Read error")
			}
			return
		}
	}
}
