package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type hubClient struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubClient) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(messageType, data)
}

// DetectionHub manages WebSocket connections for real-time detection streaming
type DetectionHub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*hubClient

	seq atomic.Uint64
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub(logger *zap.Logger) *DetectionHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionHub{
		logger:  logger.Named("ws"),
		clients: make(map[*websocket.Conn]*hubClient),
	}
}

// Register adds a connection and returns its client id
func (h *DetectionHub) Register(conn *websocket.Conn) string {
	client := &hubClient{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[conn] = client
	total := len(h.clients)
	h.mu.Unlock()

	hello, _ := json.Marshal(HelloMessage{Type: "hello", ClientID: client.id})
	if err := client.write(websocket.TextMessage, hello, 10*time.Second); err != nil {
		h.logger.Debug("hello failed", zap.Error(err))
	}
	h.logger.Info("client registered", zap.String("client_id", client.id), zap.Int("total", total))
	return client.id
}

// Unregister removes a connection
func (h *DetectionHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		h.logger.Info("client unregistered", zap.String("client_id", client.id))
	}
}

// HasClients returns true if any client is connected
func (h *DetectionHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends message to every client. Clients that fail to receive it
// are dropped.
func (h *DetectionHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message, 10*time.Second); err != nil {
			h.logger.Debug("send failed", zap.String("client_id", c.id), zap.Error(err))
			h.Unregister(c.conn)
			c.conn.Close()
		}
	}
}

// BroadcastText sends free text to every client and returns how many are
// still connected afterwards
func (h *DetectionHub) BroadcastText(text string) int {
	h.Broadcast([]byte(text))
	return h.ClientCount()
}

// Publish wraps a serialized result list and broadcasts it. It satisfies the
// notification sink contract and never fails the caller.
func (h *DetectionHub) Publish(payload string) error {
	seq := h.seq.Add(1)
	if !h.HasClients() {
		return nil
	}

	data, err := json.Marshal(NewDetectionMessage(seq, payload))
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Name identifies the hub among notification sinks
func (h *DetectionHub) Name() string {
	return "websocket"
}

// Close disconnects every client
func (h *DetectionHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	return nil
}
