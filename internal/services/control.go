package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yolocam/internal/camera"
	"yolocam/internal/config"
	"yolocam/internal/database"
	"yolocam/internal/notify"
	"yolocam/internal/pipeline"
	"yolocam/internal/script"
	"yolocam/internal/stream"
)

const maxRecentReloads = 50

// Store persists settings and reload history
type Store interface {
	SaveWorkerConfig(cfg pipeline.WorkerConfiguration) error
	LoadWorkerConfig() (pipeline.WorkerConfiguration, bool, error)
	SaveOrientation(degrees int) error
	LoadOrientation() (int, bool, error)
	SaveReloadEvent(event *database.ReloadEventRecord) error
	ListReloadEvents(limit int) ([]*database.ReloadEventRecord, error)
	DeleteOldReloadEvents(before time.Time) (int64, error)
	SaveScript(src string) error
	LoadScript() (string, error)
}

// CameraSource is the capture side controlled by the host
type CameraSource interface {
	Open(facing camera.Facing) error
	Close() error
	Running() (camera.Facing, bool)
	Stats() camera.Stats
	SetSink(sink pipeline.FrameSink)
}

// WorkerStatus describes the active worker
type WorkerStatus struct {
	Task       string `json:"task"`
	TaskID     int    `json:"task_id"`
	Model      string `json:"model"`
	ModelID    int    `json:"model_id"`
	Backend    string `json:"backend"`
	BackendID  int    `json:"backend_id"`
	TargetSize int    `json:"target_size"`
}

// Status is the snapshot served by /api/status
type Status struct {
	Worker      *WorkerStatus               `json:"worker"`
	Orientation int                         `json:"orientation"`
	Camera      camera.Stats                `json:"camera"`
	Pipeline    pipeline.PipelineStats      `json:"pipeline"`
	Workers     pipeline.WorkerStats        `json:"workers"`
	Listener    ListenerStatus              `json:"listener"`
	Window      *stream.WindowStats         `json:"window,omitempty"`
	Sinks       map[string]notify.SinkStats `json:"sinks,omitempty"`
	Clients     map[string]int              `json:"clients,omitempty"`
	Script      *script.Status              `json:"script,omitempty"`
	Uptime      string                      `json:"uptime"`
}

// ListenerStatus reports callback bridge delivery counts
type ListenerStatus struct {
	Registered bool   `json:"registered"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Control is the host-facing surface of the pipeline: worker configuration,
// camera control, output window, orientation, listener and lifecycle.
type Control struct {
	workers     *pipeline.WorkerManager
	frames      *pipeline.FramePipeline
	bridge      *pipeline.CallbackBridge
	orientation *pipeline.Orientation
	camera      CameraSource
	store       Store
	defaults    config.DefaultsConfig
	logger      *zap.Logger
	startTime   time.Time
	now         func() time.Time

	retention   time.Duration
	scripts     ScriptHost
	broadcaster Broadcaster
	window      WindowStatsSource
	sinks       SinkStatsSource
	clients     map[string]ClientCounter

	scriptMu  sync.Mutex
	scriptSrc string

	ctxMu sync.RWMutex
	ctx   context.Context

	reloadsMu sync.Mutex
	reloads   []*database.ReloadEventRecord

	loadOnce   sync.Once
	loadErr    error
	unloadOnce sync.Once
	unloadErr  error
}

// NewControl wires the control surface. store may be nil, in which case
// settings are not persisted and reload history is kept in memory only.
func NewControl(workers *pipeline.WorkerManager, frames *pipeline.FramePipeline, bridge *pipeline.CallbackBridge,
	cam CameraSource, store Store, defaults config.DefaultsConfig, logger *zap.Logger, opts ...Option) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Control{
		workers:     workers,
		frames:      frames,
		bridge:      bridge,
		orientation: frames.Orientation(),
		camera:      cam,
		store:       store,
		defaults:    defaults,
		logger:      logger.Named("control"),
		startTime:   time.Now(),
		now:         time.Now,
		ctx:         context.Background(),
		clients:     make(map[string]ClientCounter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Control) baseContext() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

// OnLoad restores persisted settings and loads the initial worker. It runs
// at most once; later calls return the first result.
func (c *Control) OnLoad(ctx context.Context) error {
	c.loadOnce.Do(func() {
		c.ctxMu.Lock()
		c.ctx = ctx
		c.ctxMu.Unlock()
		c.loadErr = c.restore()
		c.pruneReloads()
	})
	return c.loadErr
}

func (c *Control) restore() error {
	degrees := c.defaults.Orientation
	cfg, err := pipeline.NewWorkerConfiguration(c.defaults.Task, c.defaults.Model, c.defaults.Backend)
	if err != nil {
		return fmt.Errorf("default worker config: %w", err)
	}

	if c.store != nil {
		if stored, ok, err := c.store.LoadOrientation(); err != nil {
			c.logger.Warn("stored orientation ignored", zap.Error(err))
		} else if ok {
			degrees = stored
		}
		if stored, ok, err := c.store.LoadWorkerConfig(); err != nil {
			c.logger.Warn("stored worker config ignored", zap.Error(err))
		} else if ok {
			cfg = stored
		}
	}

	if !c.orientation.Set(degrees) {
		c.logger.Warn("orientation ignored", zap.Int("degrees", degrees))
	}

	// A worker that cannot be built leaves the pipeline drawing the placeholder
	if _, err := c.ConfigureWorker(int(cfg.Task), cfg.Model.ID(), int(cfg.Backend)); err != nil {
		c.logger.Warn("initial worker not loaded", zap.Error(err))
	}
	c.logger.Info("control loaded", zap.Stringer("config", cfg), zap.Int("orientation", c.orientation.Degrees()))
	return nil
}

// OnUnload stops the camera, releases the listener and tears down the
// worker. A second call is a no-op.
func (c *Control) OnUnload() error {
	c.unloadOnce.Do(func() {
		var errs []error
		if c.camera != nil {
			if err := c.camera.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close camera: %w", err))
			}
		}
		c.bridge.Close()
		if err := c.workers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close workers: %w", err))
		}
		c.unloadErr = errors.Join(errs...)
		c.logger.Info("control unloaded")
	})
	return c.unloadErr
}

// Configure selects the worker by task (0..4), model (0..8) and backend (0..2).
// Returns false when the selectors are invalid or the worker could not be built.
func (c *Control) Configure(task, model, backend int) bool {
	_, err := c.ConfigureWorker(task, model, backend)
	return err == nil
}

// ConfigureWorker is Configure with the reload event and error exposed
func (c *Control) ConfigureWorker(task, model, backend int) (*database.ReloadEventRecord, error) {
	event := &database.ReloadEventRecord{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		Task:      task,
		Model:     model,
		Backend:   backend,
	}

	cfg, err := pipeline.NewWorkerConfiguration(task, model, backend)
	if err == nil {
		var out pipeline.Outcome
		out, err = c.workers.Apply(c.baseContext(), cfg)
		event.Rebuilt = out.Rebuilt
	}

	if err != nil {
		event.Error = err.Error()
		c.logger.Warn("configure rejected",
			zap.Int("task", task), zap.Int("model", model), zap.Int("backend", backend), zap.Error(err))
	} else {
		c.logger.Info("worker configured", zap.Stringer("config", cfg), zap.Bool("rebuilt", event.Rebuilt))
		if c.store != nil {
			if serr := c.store.SaveWorkerConfig(cfg); serr != nil {
				c.logger.Warn("failed to persist worker config", zap.Error(serr))
			}
		}
	}

	c.recordReload(event)
	return event, err
}

// pruneReloads drops persisted reload events older than the retention
func (c *Control) pruneReloads() {
	if c.store == nil || c.retention <= 0 {
		return
	}
	before := c.now().Add(-c.retention)
	n, err := c.store.DeleteOldReloadEvents(before)
	if err != nil {
		c.logger.Warn("failed to prune reload events", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("pruned reload events", zap.Int64("deleted", n), zap.Time("before", before))
	}
}

func (c *Control) recordReload(event *database.ReloadEventRecord) {
	c.reloadsMu.Lock()
	c.reloads = append(c.reloads, event)
	if len(c.reloads) > maxRecentReloads {
		c.reloads = c.reloads[len(c.reloads)-maxRecentReloads:]
	}
	c.reloadsMu.Unlock()

	if c.store != nil {
		if err := c.store.SaveReloadEvent(event); err != nil {
			c.logger.Warn("failed to persist reload event", zap.Error(err))
		}
	}
}

// RecentReloads returns up to limit reload events, newest first
func (c *Control) RecentReloads(limit int) ([]*database.ReloadEventRecord, error) {
	if limit <= 0 || limit > maxRecentReloads {
		limit = maxRecentReloads
	}
	if c.store != nil {
		return c.store.ListReloadEvents(limit)
	}

	c.reloadsMu.Lock()
	defer c.reloadsMu.Unlock()
	n := len(c.reloads)
	if limit > n {
		limit = n
	}
	events := make([]*database.ReloadEventRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		events = append(events, c.reloads[i])
	}
	return events, nil
}

// OpenCamera starts capture for facing (0 back, 1 front)
func (c *Control) OpenCamera(facing int) bool {
	if c.camera == nil || (facing != int(camera.FacingBack) && facing != int(camera.FacingFront)) {
		return false
	}
	if err := c.camera.Open(camera.Facing(facing)); err != nil {
		c.logger.Warn("open camera failed", zap.Int("facing", facing), zap.Error(err))
		return false
	}
	return true
}

// CloseCamera stops capture
func (c *Control) CloseCamera() bool {
	if c.camera == nil {
		return false
	}
	if err := c.camera.Close(); err != nil {
		c.logger.Warn("close camera failed", zap.Error(err))
		return false
	}
	return true
}

// SetOutputWindow sets where rendered frames are displayed; nil detaches it
func (c *Control) SetOutputWindow(w pipeline.FrameSink) {
	if c.camera != nil {
		c.camera.SetSink(w)
	}
}

// SetDisplayOrientation normalizes degrees into [0,360) and applies it when
// it is a right angle. Returns whether the value was applied.
func (c *Control) SetDisplayOrientation(degrees int) bool {
	if !c.orientation.Set(degrees) {
		c.logger.Debug("orientation ignored", zap.Int("degrees", degrees))
		return false
	}
	if c.store != nil {
		if err := c.store.SaveOrientation(c.orientation.Degrees()); err != nil {
			c.logger.Warn("failed to persist orientation", zap.Error(err))
		}
	}
	return true
}

// RegisterListener replaces the notification target; nil clears it
func (c *Control) RegisterListener(h *pipeline.ListenerHandle) {
	c.bridge.RegisterListener(h)
}

// Status returns a snapshot of the whole pipeline
func (c *Control) Status() Status {
	st := Status{
		Orientation: c.orientation.Degrees(),
		Pipeline:    c.frames.Stats(),
		Workers:     c.workers.Stats(),
		Uptime:      time.Since(c.startTime).Round(time.Second).String(),
	}
	if cfg, ok := c.workers.Active(); ok {
		st.Worker = &WorkerStatus{
			Task:       cfg.Task.String(),
			TaskID:     int(cfg.Task),
			Model:      cfg.Model.ModelName(),
			ModelID:    cfg.Model.ID(),
			Backend:    cfg.Backend.String(),
			BackendID:  int(cfg.Backend),
			TargetSize: cfg.Model.Size.TargetSize(),
		}
	}
	if c.camera != nil {
		st.Camera = c.camera.Stats()
	}
	st.Listener.Registered = c.bridge.HasListener()
	st.Listener.Delivered, st.Listener.Failed = c.bridge.Counts()
	if c.window != nil {
		ws := c.window.Stats()
		st.Window = &ws
	}
	if c.sinks != nil {
		st.Sinks = c.sinks.Stats()
	}
	if len(c.clients) > 0 {
		st.Clients = make(map[string]int, len(c.clients))
		for name, counter := range c.clients {
			st.Clients[name] = counter.ClientCount()
		}
	}
	if c.scripts != nil {
		ss := c.scripts.Status()
		st.Script = &ss
	}
	return st
}
