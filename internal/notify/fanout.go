// Package notify fans serialized detection results out to external sinks.
//
// A Fanout is the host-side listener registered on the callback bridge. Each
// sink gets its own buffered channel and goroutine; a sink that falls behind
// loses payloads instead of delaying the render path.
package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"yolocam/internal/pipeline"
)

// ErrFanoutClosed is returned when payloads arrive after Close
var ErrFanoutClosed = errors.New("fanout is closed")

// Sink publishes one serialized result list
type Sink interface {
	Name() string
	Publish(payload string) error
	Close() error
}

// SinkStats tracks metrics for a single sink
type SinkStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

type sinkWorker struct {
	sink Sink
	ch   chan string

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// Fanout distributes payloads to every sink with drop-when-full semantics
type Fanout struct {
	logger *zap.Logger
	buffer int

	mu      sync.RWMutex
	workers []*sinkWorker
	closed  bool
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewFanout creates a fanout whose sinks each buffer up to buffer payloads
func NewFanout(buffer int, logger *zap.Logger) *Fanout {
	if buffer <= 0 {
		buffer = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		logger: logger.Named("notify"),
		buffer: buffer,
	}
}

// Add starts a delivery goroutine for sink
func (f *Fanout) Add(sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFanoutClosed
	}

	w := &sinkWorker{sink: sink, ch: make(chan string, f.buffer)}
	f.workers = append(f.workers, w)
	f.wg.Add(1)
	go f.run(w)

	f.logger.Info("sink added", zap.String("sink", sink.Name()))
	return nil
}

func (f *Fanout) run(w *sinkWorker) {
	defer f.wg.Done()
	for payload := range w.ch {
		if err := w.sink.Publish(payload); err != nil {
			w.errors.Add(1)
			f.logger.Debug("publish failed", zap.String("sink", w.sink.Name()), zap.Error(err))
			continue
		}
		w.sent.Add(1)
	}
}

// OnDetections queues payload for every sink without blocking
func (f *Fanout) OnDetections(payload string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFanoutClosed
	}

	for _, w := range f.workers {
		select {
		case w.ch <- payload:
		default:
			w.dropped.Add(1)
		}
	}
	return nil
}

// Handle returns a listener handle for the callback bridge. Releasing the
// handle closes the fanout.
func (f *Fanout) Handle() *pipeline.ListenerHandle {
	return pipeline.NewListenerHandle(f, func() {
		if err := f.Close(); err != nil {
			f.logger.Warn("close failed", zap.Error(err))
		}
	})
}

// Stats returns per-sink counters keyed by sink name
func (f *Fanout) Stats() map[string]SinkStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[string]SinkStats, len(f.workers))
	for _, w := range f.workers {
		stats[w.sink.Name()] = SinkStats{
			Sent:    w.sent.Load(),
			Dropped: w.dropped.Load(),
			Errors:  w.errors.Load(),
		}
	}
	return stats
}

// Close drains the sink goroutines and closes every sink. Safe to call more
// than once.
func (f *Fanout) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		for _, w := range f.workers {
			close(w.ch)
		}
		f.mu.Unlock()

		f.wg.Wait()
		for _, w := range f.workers {
			if err := w.sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		f.logger.Info("fanout closed")
	})
	return errors.Join(errs...)
}
