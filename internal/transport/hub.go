package transport

import (
	"Go2NetWatch/internal/dispatch"
	"Go2NetWatch/internal/logging"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

var (
	// ErrUnknownClient is returned when sending to a client that is not connected.
	ErrUnknownClient = errors.New("unknown client")
	// ErrClientGone is returned when a client disconnects while a message is pending.
	ErrClientGone = errors.New("client disconnected")
)

// Commands receives the subscription commands of connected clients.
type Commands interface {
	HandleCommand(clientID string, cmd dispatch.Command) error
	Unsubscribe(clientID string)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub owns every WebSocket connection. It implements dispatch.Sender: each client has its
// own outbound queue and writer so a slow client only delays itself.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	now func() time.Time
	log *zap.SugaredLogger
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The monitor binds to loopback by default and serves a local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		now:     time.Now,
		log:     logging.L("transport.ws"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send queues env for clientID, waiting at most until ctx is done when the client's
// queue is full.
func (h *Hub) Send(ctx context.Context, clientID string, env dispatch.Envelope) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientGone
	case <-ctx.Done():
		return fmt.Errorf("client %s is not keeping up: %w", clientID, ctx.Err())
	}
}

// Handler upgrades the request to a WebSocket and serves the client until it
// disconnects. Commands read from the socket go to commands.
func (h *Hub) Handler(commands Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			h.log.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, sendQueueSize),
			done: make(chan struct{}),
		}
		h.register(c)
		h.log.Infow("Client connected", "client", c.id, "remote", r.RemoteAddr)

		go h.writePump(c)
		h.readPump(c, commands)

		h.unregister(c)
		commands.Unsubscribe(c.id)
		close(c.done)
		conn.Close()
		h.log.Infow("Client disconnected", "client", c.id)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client, commands Commands) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warnw("Read error", "client", c.id, "error", err)
			}
			return
		}

		var cmd dispatch.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.log.Warnw("Failed to parse command", "client", c.id, "error", err)
			h.reply(c.id, dispatch.ErrorEnvelope("malformed command: "+err.Error(), h.now()))
			continue
		}
		// Rejected commands are answered by the engine itself.
		_ = commands.HandleCommand(c.id, cmd)
	}
}

func (h *Hub) reply(clientID string, env dispatch.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.Send(ctx, clientID, env); err != nil {
		h.log.Warnw("Failed to reply", "client", clientID, "error", err)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warnw("Write error", "client", c.id, "error", err)
				// Unblocks readPump, which tears the client down.
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.conn.Close()
	}
}
