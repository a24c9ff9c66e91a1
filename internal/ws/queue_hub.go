package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queueguard/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// sendBuffer is how many messages a client may lag behind before it misses updates
	sendBuffer = 16
)

// client is one dashboard connection. Only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue hands a message to the writer without blocking; false means it was dropped
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// QueueHub pushes queue results to connected dashboards
type QueueHub struct {
	clients   map[*client]bool
	mu        sync.RWMutex
	builder   *MessageBuilder
	lastMsg   []byte
	lastMsgMu sync.RWMutex
	logger    zerolog.Logger
}

// NewQueueHub creates a new hub
func NewQueueHub(builder *MessageBuilder) *QueueHub {
	if builder == nil {
		builder = NewMessageBuilder(MessageOptions{})
	}
	return &QueueHub{
		clients: make(map[*client]bool),
		builder: builder,
		logger:  log.With().Str("component", "ws_hub").Logger(),
	}
}

// register adds a connection and queues the latest state for it
func (h *QueueHub) register(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("total", total).Msg("Client registered")

	h.lastMsgMu.RLock()
	last := h.lastMsg
	h.lastMsgMu.RUnlock()
	if last != nil {
		c.enqueue(last)
	}
	return c
}

// unregister removes a connection
func (h *QueueHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.logger.Debug().Int("total", len(h.clients)).Msg("Client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *QueueHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnQueueResult implements pipeline.QueueResultHandler
func (h *QueueHub) OnQueueResult(result *pipeline.QueueResult) {
	msg := h.builder.Build(result)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Error marshaling queue message")
		return
	}

	h.lastMsgMu.Lock()
	h.lastMsg = data
	h.lastMsgMu.Unlock()

	h.Broadcast(data)
}

// Broadcast queues a text message for every client. A client whose buffer
// is full misses the message; nothing here waits on the network.
func (h *QueueHub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.enqueue(message) {
			h.logger.Debug().Msg("Client is behind, dropping message")
		}
	}
}

// writePump delivers queued messages and keepalive pings until the client goes away
func (h *QueueHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Msg("Error sending to client")
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

func (h *QueueHub) drop(c *client) {
	h.unregister(c)
	c.close()
}

var _ pipeline.QueueResultHandler = (*QueueHub)(nil)
