package pipeline

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FramePipeline runs every camera frame through normalize, detect, annotate,
// notify and FPS instrumentation. Render never panics past its boundary.
type FramePipeline struct {
	workers     *WorkerManager
	bridge      *CallbackBridge
	orientation *Orientation
	now         func() time.Time
	logger      *zap.Logger

	fpsMu sync.Mutex
	fps   FPSTracker

	statsMu sync.RWMutex
	stats   PipelineStats
}

// Option customizes a FramePipeline
type Option func(*FramePipeline)

// WithClock overrides the time source used for FPS instrumentation
func WithClock(now func() time.Time) Option {
	return func(p *FramePipeline) {
		p.now = now
	}
}

// NewFramePipeline wires the pipeline to its worker manager, bridge and orientation
func NewFramePipeline(workers *WorkerManager, bridge *CallbackBridge, orientation *Orientation, logger *zap.Logger, opts ...Option) *FramePipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if orientation == nil {
		orientation = &Orientation{}
	}
	p := &FramePipeline{
		workers:     workers,
		bridge:      bridge,
		orientation: orientation,
		now:         time.Now,
		logger:      logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Orientation returns the rotation setting read by every frame
func (p *FramePipeline) Orientation() *Orientation {
	return p.orientation
}

// Render processes frame in place. Frame.Image may be replaced by the rotation step.
func (p *FramePipeline) Render(frame *Frame) {
	if frame == nil || frame.Image == nil {
		return
	}

	results := p.process(frame)

	p.statsMu.Lock()
	p.stats.FramesRendered++
	p.stats.LastRenderTimestamp = p.now().Unix()
	if len(results) > 0 {
		p.stats.FramesWithResults++
	}
	p.statsMu.Unlock()

	// Outside the worker lock: a slow listener never holds up a model swap
	if len(results) > 0 && p.bridge != nil && p.bridge.HasListener() {
		if p.bridge.Notify(Serialize(results)) {
			p.statsMu.Lock()
			p.stats.NotificationsSent++
			p.statsMu.Unlock()
		}
	}

	p.fpsMu.Lock()
	avg, ok := p.fps.Update(p.now())
	p.fpsMu.Unlock()
	if ok {
		drawFPS(frame.Image, avg)
		p.statsMu.Lock()
		p.stats.AverageFPS = avg
		p.statsMu.Unlock()
	}
}

func (p *FramePipeline) process(frame *Frame) (results []DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("render panic recovered", zap.Any("panic", r), zap.Uint64("seq", frame.Seq))
			p.statsMu.Lock()
			p.stats.RecoveredPanics++
			p.statsMu.Unlock()
			results = nil
			p.placeholder(frame)
		}
	}()

	frame.Image = Normalize(frame.Image, p.orientation.Degrees())
	img := frame.Image

	results, err := WithActiveWorker(p.workers, func(w Worker) ([]DetectionResult, error) {
		found, err := w.Detect(img)
		if err != nil {
			return nil, err
		}
		w.Draw(img, found)
		return found, nil
	})
	if err != nil {
		if !errors.Is(err, ErrNoWorker) {
			p.logger.Warn("detection failed", zap.Error(err), zap.Uint64("seq", frame.Seq))
		}
		p.placeholder(frame)
		return nil
	}
	return results
}

func (p *FramePipeline) placeholder(frame *Frame) {
	defer func() {
		// Drawing the placeholder itself must not take down the stream
		_ = recover()
	}()
	drawUnsupported(frame.Image)
	p.statsMu.Lock()
	p.stats.PlaceholderRenders++
	p.statsMu.Unlock()
}

// Stats returns a copy of the render counters
func (p *FramePipeline) Stats() PipelineStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
