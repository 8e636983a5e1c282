package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
)

type fakeBackend struct {
	kind   Backend
	mu     sync.Mutex
	closed bool
}

func (b *fakeBackend) Kind() Backend { return b.kind }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeBackendProvider struct {
	mu      sync.Mutex
	opened  []*fakeBackend
	failFor map[Backend]bool
}

func (p *fakeBackendProvider) Open(_ context.Context, kind Backend) (BackendContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[kind] {
		return nil, errors.New("vulkan driver missing")
	}
	b := &fakeBackend{kind: kind}
	p.opened = append(p.opened, b)
	return b, nil
}

func (p *fakeBackendProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

type fakeWorker struct {
	task    TaskKind
	backend BackendContext

	mu         sync.Mutex
	targetSize int
	closed     bool
	results    []DetectionResult
	err        error
	panicOn    bool
	drawCalls  int
}

func (w *fakeWorker) Task() TaskKind { return w.task }

func (w *fakeWorker) SetTargetSize(size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targetSize = size
}

func (w *fakeWorker) Detect(image.Image) ([]DetectionResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panicOn {
		panic("tensor shape mismatch")
	}
	if w.closed {
		panic("detect on closed worker")
	}
	return w.results, w.err
}

func (w *fakeWorker) Draw(dst draw.Image, results []DetectionResult) {
	w.mu.Lock()
	w.drawCalls++
	w.mu.Unlock()
	for _, r := range results {
		DrawRect(dst, image.Rect(int(r.Rect.X), int(r.Rect.Y), int(r.Rect.X+r.Rect.Width), int(r.Rect.Y+r.Rect.Height)), color.RGBA{255, 0, 0, 255}, 1)
	}
}

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWorker) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.targetSize
}

type fakeFactory struct {
	mu      sync.Mutex
	built   []*fakeWorker
	fail    bool
	results []DetectionResult
}

func (f *fakeFactory) NewWorker(_ context.Context, backend BackendContext, cfg WorkerConfiguration) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("param file not found")
	}
	w := &fakeWorker{task: cfg.Task, backend: backend, results: f.results}
	f.built = append(f.built, w)
	return w, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) last() *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

type countingAttacher struct {
	mu       sync.Mutex
	attached int
	detached int
	fail     bool
}

func (a *countingAttacher) Attach() (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return nil, errors.New("no host runtime")
	}
	a.attached++
	return func() {
		a.mu.Lock()
		a.detached++
		a.mu.Unlock()
	}, nil
}

func newTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 10), uint8(y * 10), uint8(x + y), 255})
		}
	}
	return img
}
