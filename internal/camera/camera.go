package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"yolocam/internal/pipeline"
)

// Facing selects which configured device is captured
type Facing int

const (
	FacingBack  Facing = 0
	FacingFront Facing = 1
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// Config describes the capture devices
type Config struct {
	BackDevice  string
	FrontDevice string
	FPS         int
	Width       int
	Height      int
	FFmpegPath  string
}

// Renderer processes a decoded frame in place
type Renderer interface {
	Render(frame *pipeline.Frame)
}

// Stats contains capture counters
type Stats struct {
	Running        bool   `json:"running"`
	Facing         string `json:"facing,omitempty"`
	Device         string `json:"device,omitempty"`
	FramesCaptured uint64 `json:"frames_captured"`
	DecodeErrors   uint64 `json:"decode_errors"`
	LastFrameTime  int64  `json:"last_frame_time"`
}

// Source captures one device at a time, renders every frame and hands it to
// the output window. Frames are processed on the capture goroutine, so a slow
// pipeline throttles the device instead of queueing frames.
type Source struct {
	cfg      Config
	renderer Renderer
	logger   *zap.Logger

	sink atomic.Pointer[sinkBox]

	mu      sync.Mutex
	current *capture

	framesCaptured atomic.Uint64
	decodeErrors   atomic.Uint64
	lastFrame      atomic.Int64
}

type sinkBox struct {
	sink pipeline.FrameSink
}

// capture is one running device loop
type capture struct {
	facing Facing
	device string
	cancel context.CancelFunc
	done   chan struct{}
	ended  atomic.Bool
	seq    atomic.Uint64
}

// NewSource creates an idle capture source
func NewSource(cfg Config, renderer Renderer, logger *zap.Logger) *Source {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, renderer: renderer, logger: logger.Named("camera")}
}

// SetSink sets the output window; nil detaches it
func (s *Source) SetSink(sink pipeline.FrameSink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sinkBox{sink: sink})
}

func (s *Source) device(facing Facing) (string, error) {
	switch facing {
	case FacingBack:
		return s.cfg.BackDevice, nil
	case FacingFront:
		return s.cfg.FrontDevice, nil
	}
	return "", fmt.Errorf("invalid facing %d", facing)
}

// Open starts capturing the device for facing, replacing any running capture
func (s *Source) Open(facing Facing) error {
	device, err := s.device(facing)
	if err != nil {
		return err
	}
	if device == "" {
		return fmt.Errorf("no %s camera configured", facing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	c := &capture{
		facing: facing,
		device: device,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = c

	go func() {
		defer close(c.done)
		defer c.ended.Store(true)
		if isHTTPImageEndpoint(device) {
			s.pollHTTPImages(ctx, c)
			return
		}
		if err := s.runFFmpeg(ctx, c); err != nil && ctx.Err() == nil {
			s.logger.Warn("capture ended", zap.String("device", device), zap.Error(err))
		}
	}()

	s.logger.Info("capture started", zap.Stringer("facing", facing), zap.String("device", device))
	return nil
}

// Close stops the running capture and waits for its loop to exit
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Source) stopLocked() {
	if s.current == nil {
		return
	}
	c := s.current
	s.current = nil
	c.cancel()
	<-c.done
	s.logger.Info("capture stopped", zap.String("device", c.device), zap.Uint64("frames", c.seq.Load()))
}

// Running reports the active facing, if any
func (s *Source) Running() (Facing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ended.Load() {
		return 0, false
	}
	return s.current.facing, true
}

// Stats returns a snapshot of the capture counters
func (s *Source) Stats() Stats {
	st := Stats{
		FramesCaptured: s.framesCaptured.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		LastFrameTime:  s.lastFrame.Load(),
	}
	s.mu.Lock()
	if c := s.current; c != nil && !c.ended.Load() {
		st.Running = true
		st.Facing = c.facing.String()
		st.Device = c.device
	}
	s.mu.Unlock()
	return st
}

func ffmpegArgs(device string, fps, width, height int) []string {
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		return []string{
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", width, height),
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

func (s *Source) runFFmpeg(ctx context.Context, c *capture) error {
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, ffmpegArgs(c.device, s.cfg.FPS, s.cfg.Width, s.cfg.Height)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Debug("ffmpeg", zap.String("line", scanner.Text()))
		}
	}()

	readErr := s.consume(ctx, stdout, c)
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	return waitErr
}

// consume splits an MJPEG byte stream into frames until r ends or ctx is done
func (s *Source) consume(ctx context.Context, r io.Reader, c *capture) error {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.Read(chunk)
		frameBuffer = append(frameBuffer, chunk[:n]...)

		for {
			frame := extractJPEGFrame(&frameBuffer)
			if frame == nil {
				break
			}
			s.handleJPEG(c, frame)
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
	}
}

func (s *Source) pollHTTPImages(ctx context.Context, c *capture) {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(s.cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.device, nil)
			if err != nil {
				s.logger.Warn("invalid snapshot url", zap.Error(err))
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				s.logger.Debug("snapshot fetch failed", zap.Error(err))
				continue
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				s.logger.Debug("snapshot read failed", zap.Error(err))
				continue
			}
			s.handleJPEG(c, data)
		}
	}
}

// handleJPEG decodes one frame, runs it through the renderer and the sink
func (s *Source) handleJPEG(c *capture, data []byte) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Debug("frame decode failed", zap.Error(err))
		return
	}

	now := time.Now()
	frame := &pipeline.Frame{
		Image:     imaging.Clone(img),
		Seq:       c.seq.Add(1),
		Timestamp: now,
	}
	s.framesCaptured.Add(1)
	s.lastFrame.Store(now.Unix())

	if s.renderer != nil {
		s.renderer.Render(frame)
	}
	if box := s.sink.Load(); box != nil {
		box.sink.SubmitFrame(frame)
	}

	if frame.Seq%100 == 0 {
		s.logger.Debug("capture progress", zap.String("device", c.device), zap.Uint64("seq", frame.Seq))
	}
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "snapshot"))
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF that may begin the next marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = buf[len(buf)-1:]
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = buf[start:]
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}
