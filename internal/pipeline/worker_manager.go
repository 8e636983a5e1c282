package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerManager owns the single active worker and its backend context.
// Configure and WithActiveWorker serialize on one mutex, so a frame never
// observes a worker that is being destroyed or rebuilt.
type WorkerManager struct {
	factory  WorkerFactory
	backends BackendProvider
	logger   *zap.Logger

	mu      sync.Mutex
	worker  Worker
	backend BackendContext
	applied *WorkerConfiguration
	closed  bool
	stats   WorkerStats
}

// NewWorkerManager creates a manager with no worker loaded
func NewWorkerManager(factory WorkerFactory, backends BackendProvider, logger *zap.Logger) *WorkerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerManager{
		factory:  factory,
		backends: backends,
		logger:   logger.Named("worker"),
	}
}

// Configure applies cfg. An identical configuration keeps the current worker;
// a different task, network tier or backend rebuilds it. The backend context is
// reopened only when the backend changes.
func (m *WorkerManager) Configure(ctx context.Context, cfg WorkerConfiguration) error {
	_, err := m.Apply(ctx, cfg)
	return err
}

// Apply is Configure that also reports what the call did to the worker and
// the backend context. The outcome is taken under the manager lock.
func (m *WorkerManager) Apply(ctx context.Context, cfg WorkerConfiguration) (Outcome, error) {
	if err := cfg.Validate(); err != nil {
		m.mu.Lock()
		m.stats.ConfigureCalls++
		m.stats.FailedConfigure++
		m.mu.Unlock()
		return Outcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.ConfigureCalls++
	if m.closed {
		m.stats.FailedConfigure++
		return Outcome{}, ErrClosed
	}

	out, err := m.apply(ctx, cfg)
	if err != nil {
		m.stats.FailedConfigure++
		m.logger.Warn("configure failed", zap.Stringer("config", cfg), zap.Error(err))
		return out, err
	}
	return out, nil
}

// apply must be called with m.mu held
func (m *WorkerManager) apply(ctx context.Context, cfg WorkerConfiguration) (Outcome, error) {
	var out Outcome
	rebuild := m.worker == nil || m.applied == nil || m.applied.requiresRebuild(cfg)
	reopen := m.backend == nil || m.backend.Kind() != cfg.Backend

	if rebuild {
		m.destroyWorker()
	}

	if reopen {
		// Workers are bound to the context they were built on
		m.destroyWorker()
		m.destroyBackend()

		backend, err := m.backends.Open(ctx, cfg.Backend)
		if err != nil {
			m.applied = nil
			return out, &BackendInitError{Backend: cfg.Backend, Err: err}
		}
		m.backend = backend
		m.stats.BackendReopens++
		out.BackendReopened = true
		m.logger.Info("backend opened", zap.Stringer("backend", cfg.Backend))
	}

	if m.worker == nil {
		worker, err := m.factory.NewWorker(ctx, m.backend, cfg)
		if err != nil {
			m.applied = nil
			return out, fmt.Errorf("failed to build %s worker: %w", cfg.Task, err)
		}
		m.worker = worker
		m.stats.Rebuilds++
		out.Rebuilt = true
		m.logger.Info("worker built", zap.Stringer("config", cfg))
	}

	out.TargetSize = cfg.Model.Size.TargetSize()
	m.worker.SetTargetSize(out.TargetSize)
	applied := cfg
	m.applied = &applied
	return out, nil
}

func (m *WorkerManager) destroyWorker() {
	if m.worker == nil {
		return
	}
	if err := m.worker.Close(); err != nil {
		m.logger.Warn("worker close failed", zap.Error(err))
	}
	m.worker = nil
}

func (m *WorkerManager) destroyBackend() {
	if m.backend == nil {
		return
	}
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("backend close failed", zap.Error(err))
	}
	m.backend = nil
}

// WithActiveWorker runs fn with exclusive access to the active worker.
// The worker must not be retained after fn returns.
func WithActiveWorker[T any](m *WorkerManager, fn func(Worker) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.worker == nil {
		return zero, ErrNoWorker
	}
	return fn(m.worker)
}

// Active returns the applied configuration, if a worker is loaded
func (m *WorkerManager) Active() (WorkerConfiguration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.worker == nil || m.applied == nil {
		return WorkerConfiguration{}, false
	}
	return *m.applied, true
}

// Stats returns a copy of the lifecycle counters
func (m *WorkerManager) Stats() WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close destroys the worker and the backend context. Safe to call more than once.
func (m *WorkerManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.destroyWorker()
	m.destroyBackend()
	m.applied = nil
	m.logger.Info("worker manager closed")
	return nil
}
