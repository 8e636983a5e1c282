package detection

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"yolocam/internal/pipeline"
)

// WorkerOptions tunes the remote workers
type WorkerOptions struct {
	ConfThreshold float32
	NMSThreshold  float32
	JPEGQuality   int
	LoadTimeout   time.Duration
	InferTimeout  time.Duration
}

// DefaultWorkerOptions returns the thresholds the bundled models were exported with
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		ConfThreshold: 0.25,
		NMSThreshold:  0.45,
		JPEGQuality:   90,
		LoadTimeout:   30 * time.Second,
		InferTimeout:  2 * time.Second,
	}
}

// connHolder is implemented by backend contexts that carry an inference connection
type connHolder interface {
	Conn() grpc.ClientConnInterface
}

// Factory builds the task worker for a configuration
type Factory struct {
	opts   WorkerOptions
	logger *zap.Logger
}

// NewFactory creates a worker factory. Zero option fields take the defaults.
func NewFactory(opts WorkerOptions, logger *zap.Logger) *Factory {
	def := DefaultWorkerOptions()
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = def.ConfThreshold
	}
	if opts.NMSThreshold <= 0 {
		opts.NMSThreshold = def.NMSThreshold
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.InferTimeout <= 0 {
		opts.InferTimeout = def.InferTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{opts: opts, logger: logger.Named("worker")}
}

// NewWorker loads the model of cfg on backend and returns the worker for its task
func (f *Factory) NewWorker(ctx context.Context, backend pipeline.BackendContext, cfg pipeline.WorkerConfiguration) (pipeline.Worker, error) {
	holder, ok := backend.(connHolder)
	if !ok {
		return nil, fmt.Errorf("backend %s has no inference connection", backend.Kind())
	}

	client, err := load(ctx, holder.Conn(), cfg, f.opts)
	if err != nil {
		return nil, err
	}

	base := remoteWorker{
		task:       cfg.Task,
		client:     client,
		targetSize: cfg.Model.Size.TargetSize(),
		logger:     f.logger.With(zap.String("session", client.session)),
	}

	switch cfg.Task {
	case pipeline.TaskDetect:
		return &detectWorker{base}, nil
	case pipeline.TaskSegment:
		return &segmentWorker{base}, nil
	case pipeline.TaskPose:
		return &poseWorker{base}, nil
	case pipeline.TaskClassify:
		return &classifyWorker{base}, nil
	case pipeline.TaskOrientedBox:
		return &orientedWorker{base}, nil
	}

	// Validation normally rejects this before a model is loaded
	_ = client.unload()
	return nil, fmt.Errorf("unsupported task %d", cfg.Task)
}

// remoteWorker carries what every task shares: the model session and the input size.
// The worker manager serializes all calls.
type remoteWorker struct {
	task       pipeline.TaskKind
	client     *remoteClient
	targetSize int
	logger     *zap.Logger
}

func (w *remoteWorker) Task() pipeline.TaskKind { return w.task }

func (w *remoteWorker) SetTargetSize(size int) {
	w.targetSize = size
}

func (w *remoteWorker) Detect(img image.Image) ([]pipeline.DetectionResult, error) {
	return w.client.infer(img, w.targetSize)
}

func (w *remoteWorker) Close() error {
	if err := w.client.unload(); err != nil {
		w.logger.Warn("unload failed", zap.Error(err))
		return err
	}
	return nil
}
