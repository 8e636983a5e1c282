package pipeline

import (
	"context"
	"image"
	"image/draw"
)

// Worker is the unified capability every task variant implements.
// A worker is bound to the BackendContext it was built on.
type Worker interface {
	// Task returns the task this worker was built for
	Task() TaskKind

	// SetTargetSize sets the inference input size (320, 480 or 640)
	SetTargetSize(size int)

	// Detect runs inference on a frame and returns results in detector order
	Detect(img image.Image) ([]DetectionResult, error)

	// Draw renders task-specific annotations for results onto dst
	Draw(dst draw.Image, results []DetectionResult)

	// Close releases worker resources
	Close() error
}

// WorkerFactory builds a worker for a configuration on an open backend
type WorkerFactory interface {
	NewWorker(ctx context.Context, backend BackendContext, cfg WorkerConfiguration) (Worker, error)
}

// BackendContext is an open compute context (CPU or one of the GPU paths)
type BackendContext interface {
	Kind() Backend
	Close() error
}

// BackendProvider opens compute contexts
type BackendProvider interface {
	Open(ctx context.Context, kind Backend) (BackendContext, error)
}

// FrameSink receives rendered frames for display (the output window)
type FrameSink interface {
	SubmitFrame(frame *Frame)
}

// Listener is the host-side target of detection notifications
type Listener interface {
	OnDetections(payload string) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(payload string) error

func (f ListenerFunc) OnDetections(payload string) error {
	return f(payload)
}

// ContextAttacher establishes the execution context needed to call into the host.
// Every successful Attach is followed by exactly one call to the returned detach.
type ContextAttacher interface {
	Attach() (detach func(), err error)
}
