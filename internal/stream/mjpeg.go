package stream

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yolocam/internal/pipeline"
)

// WindowConfig tunes the output window
type WindowConfig struct {
	Quality     int
	QueueDepth  int
	MinInterval time.Duration
}

// FrameListener receives every encoded frame (for the websocket video stream)
type FrameListener func(seq uint64, frame []byte)

// WindowStats contains output window counters
type WindowStats struct {
	Accepted     uint64 `json:"accepted"`
	RateLimited  uint64 `json:"rate_limited"`
	Overflowed   uint64 `json:"overflowed"`
	Published    uint64 `json:"published"`
	EncodeErrors uint64 `json:"encode_errors"`
	Clients      int    `json:"clients"`
}

// MJPEGWindow is the output window of the pipeline. Rendered frames are
// rate limited, queued with drop-oldest and encoded off the capture goroutine.
type MJPEGWindow struct {
	cfg    WindowConfig
	now    func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	queue        []*pipeline.Frame
	lastAccepted time.Time
	wake         chan struct{}

	frameMu    sync.RWMutex
	current    []byte
	currentSeq uint64

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	listenerMu sync.RWMutex
	listener   FrameListener

	accepted     atomic.Uint64
	rateLimited  atomic.Uint64
	overflowed   atomic.Uint64
	published    atomic.Uint64
	encodeErrors atomic.Uint64
}

// NewMJPEGWindow creates an output window. Zero config fields take defaults:
// quality 80, depth 3, 33ms between frames.
func NewMJPEGWindow(cfg WindowConfig, logger *zap.Logger) *MJPEGWindow {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 3
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = 33 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MJPEGWindow{
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.Named("window"),
		wake:    make(chan struct{}, 1),
		clients: make(map[chan []byte]struct{}),
	}
}

// SetFrameListener sets a callback that receives all encoded frames
func (w *MJPEGWindow) SetFrameListener(listener FrameListener) {
	w.listenerMu.Lock()
	defer w.listenerMu.Unlock()
	w.listener = listener
}

// SubmitFrame queues a rendered frame. It never blocks the caller.
func (w *MJPEGWindow) SubmitFrame(frame *pipeline.Frame) {
	if frame == nil || frame.Image == nil {
		return
	}

	w.mu.Lock()
	t := w.now()
	if !w.lastAccepted.IsZero() && t.Sub(w.lastAccepted) < w.cfg.MinInterval {
		w.mu.Unlock()
		w.rateLimited.Add(1)
		return
	}
	w.lastAccepted = t
	w.queue = append(w.queue, frame)
	if len(w.queue) > w.cfg.QueueDepth {
		// Drop oldest
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.overflowed.Add(1)
	}
	w.mu.Unlock()
	w.accepted.Add(1)

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *MJPEGWindow) pop() *pipeline.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	f := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return f
}

// Run publishes queued frames until ctx is done
func (w *MJPEGWindow) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.closeClients()
			return nil
		case <-w.wake:
			for f := w.pop(); f != nil; f = w.pop() {
				w.publish(f)
			}
		}
	}
}

// publish encodes frame and broadcasts it to all clients
func (w *MJPEGWindow) publish(frame *pipeline.Frame) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: w.cfg.Quality}); err != nil {
		w.encodeErrors.Add(1)
		w.logger.Debug("encode failed", zap.Error(err))
		return
	}
	data := buf.Bytes()

	w.frameMu.Lock()
	w.current = data
	w.currentSeq = frame.Seq
	w.frameMu.Unlock()
	w.published.Add(1)

	w.clientsMu.RLock()
	for ch := range w.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip frame
		}
	}
	w.clientsMu.RUnlock()

	w.listenerMu.RLock()
	listener := w.listener
	w.listenerMu.RUnlock()
	if listener != nil {
		listener(frame.Seq, data)
	}
}

// CurrentFrame returns the last published JPEG and its sequence number
func (w *MJPEGWindow) CurrentFrame() ([]byte, uint64) {
	w.frameMu.RLock()
	defer w.frameMu.RUnlock()
	return w.current, w.currentSeq
}

func (w *MJPEGWindow) clientCount() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

func (w *MJPEGWindow) closeClients() {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	for ch := range w.clients {
		close(ch)
		delete(w.clients, ch)
	}
}

// Stats returns a snapshot of the window counters
func (w *MJPEGWindow) Stats() WindowStats {
	return WindowStats{
		Accepted:     w.accepted.Load(),
		RateLimited:  w.rateLimited.Load(),
		Overflowed:   w.overflowed.Load(),
		Published:    w.published.Load(),
		EncodeErrors: w.encodeErrors.Load(),
		Clients:      w.clientCount(),
	}
}

// ServeHTTP serves the window as a multipart MJPEG stream
func (w *MJPEGWindow) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, 5)
	w.clientsMu.Lock()
	w.clients[clientCh] = struct{}{}
	w.clientsMu.Unlock()

	defer func() {
		w.clientsMu.Lock()
		delete(w.clients, clientCh)
		w.clientsMu.Unlock()
	}()

	rw.WriteHeader(http.StatusOK)
	flusher.Flush()
	w.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			w.logger.Debug("client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(rw, "--frame\r\n")
			fmt.Fprintf(rw, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(rw, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := rw.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(rw, "\r\n")
			flusher.Flush()
		}
	}
}

// ServeSnapshot serves the last published frame as a single JPEG
func (w *MJPEGWindow) ServeSnapshot(rw http.ResponseWriter, r *http.Request) {
	frame, seq := w.CurrentFrame()
	if frame == nil {
		http.Error(rw, "No frame available", http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "image/jpeg")
	rw.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	rw.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	rw.Write(frame)
}
