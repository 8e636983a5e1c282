package stream

import (
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message format: 1 byte type + 8 bytes sequence + 4 bytes length + frame data
const (
	frameHeaderSize = 13
	frameTypeJPEG   = 1
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type socketClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// FrameSocket pushes every published window frame to websocket clients as a
// binary message, for browsers that decode frames themselves.
type FrameSocket struct {
	logger *zap.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*socketClient

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFrameSocket creates a socket broadcaster with no clients
func NewFrameSocket(logger *zap.Logger) *FrameSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameSocket{
		logger:  logger.Named("framesocket"),
		clients: make(map[*websocket.Conn]*socketClient),
		stopCh:  make(chan struct{}),
	}
}

func encodeFrameMessage(seq uint64, frame []byte) []byte {
	msg := make([]byte, frameHeaderSize+len(frame))
	msg[0] = frameTypeJPEG
	binary.BigEndian.PutUint64(msg[1:9], seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(frame)))
	copy(msg[frameHeaderSize:], frame)
	return msg
}

// Broadcast sends frame to all clients. Slow clients miss frames rather than
// holding up the window.
func (s *FrameSocket) Broadcast(seq uint64, frame []byte) {
	if len(frame) == 0 {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	msg := encodeFrameMessage(seq, frame)
	for _, client := range s.clients {
		client.writeMu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		err := client.conn.WriteMessage(websocket.BinaryMessage, msg)
		client.writeMu.Unlock()
		if err != nil {
			// Will be cleaned up by read pump
			s.logger.Debug("write failed", zap.Error(err))
		}
	}
}

// ServeHTTP upgrades the connection and keeps it registered until it closes
func (s *FrameSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &socketClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = client
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", count))
	s.readPump(client)
}

// readPump reads from the websocket to detect disconnection
func (s *FrameSocket) readPump(client *socketClient) {
	conn := client.conn
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-done:
				return
			case <-ticker.C:
				client.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				client.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (s *FrameSocket) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stop closes every client connection
func (s *FrameSocket) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.clientsMu.Lock()
		for conn := range s.clients {
			conn.Close()
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()
	})
}
