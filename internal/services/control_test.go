package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yolocam/internal/camera"
	"yolocam/internal/config"
	"yolocam/internal/database"
	"yolocam/internal/notify"
	"yolocam/internal/pipeline"
	"yolocam/internal/script"
	"yolocam/internal/stream"
	"yolocam/internal/ws"
)

type stubBackend struct{ kind pipeline.Backend }

func (b *stubBackend) Kind() pipeline.Backend { return b.kind }
func (b *stubBackend) Close() error           { return nil }

type stubBackends struct {
	failFor map[pipeline.Backend]bool
}

func (p *stubBackends) Open(_ context.Context, kind pipeline.Backend) (pipeline.BackendContext, error) {
	if p.failFor[kind] {
		return nil, errors.New("device lost")
	}
	return &stubBackend{kind: kind}, nil
}

type stubWorker struct {
	task    pipeline.TaskKind
	results []pipeline.DetectionResult
	closed  bool
}

func (w *stubWorker) Task() pipeline.TaskKind { return w.task }
func (w *stubWorker) SetTargetSize(int)       {}

func (w *stubWorker) Close() error {
	w.closed = true
	return nil
}

func (w *stubWorker) Detect(image.Image) ([]pipeline.DetectionResult, error) {
	return w.results, nil
}

func (w *stubWorker) Draw(draw.Image, []pipeline.DetectionResult) {}

type stubFactory struct {
	mu      sync.Mutex
	workers []*stubWorker
	results []pipeline.DetectionResult
}

func (f *stubFactory) NewWorker(_ context.Context, _ pipeline.BackendContext, cfg pipeline.WorkerConfiguration) (pipeline.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &stubWorker{task: cfg.Task, results: f.results}
	f.workers = append(f.workers, w)
	return w, nil
}

type stubCamera struct {
	mu      sync.Mutex
	opened  []camera.Facing
	running bool
	facing  camera.Facing
	sink    pipeline.FrameSink
	closes  int
	openErr error
}

func (c *stubCamera) Open(facing camera.Facing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = append(c.opened, facing)
	c.running, c.facing = true, facing
	return nil
}

func (c *stubCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.running = false
	return nil
}

func (c *stubCamera) Running() (camera.Facing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing, c.running
}

func (c *stubCamera) Stats() camera.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return camera.Stats{Running: c.running, Facing: c.facing.String()}
}

func (c *stubCamera) SetSink(sink pipeline.FrameSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

type stubWindow struct{ frames int }

func (w *stubWindow) SubmitFrame(*pipeline.Frame) { w.frames++ }

type controlFixture struct {
	control  *Control
	factory  *stubFactory
	backends *stubBackends
	camera   *stubCamera
	frames   *pipeline.FramePipeline
}

func newControlFixture(t *testing.T, store Store, defaults config.DefaultsConfig, opts ...Option) *controlFixture {
	t.Helper()
	factory := &stubFactory{}
	backends := &stubBackends{failFor: map[pipeline.Backend]bool{}}
	workers := pipeline.NewWorkerManager(factory, backends, zap.NewNop())
	bridge := pipeline.NewCallbackBridge(nil, zap.NewNop())
	frames := pipeline.NewFramePipeline(workers, bridge, &pipeline.Orientation{}, zap.NewNop())
	cam := &stubCamera{}
	control := NewControl(workers, frames, bridge, cam, store, defaults, zap.NewNop(), opts...)
	t.Cleanup(func() { control.OnUnload() })
	return &controlFixture{control: control, factory: factory, backends: backends, camera: cam, frames: frames}
}

func newStore(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConfigureValidatesSelectors(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})

	assert.False(t, f.control.Configure(5, 0, 0))
	assert.False(t, f.control.Configure(0, 9, 0))
	assert.False(t, f.control.Configure(0, 0, 3))
	assert.False(t, f.control.Configure(-1, 0, 0))
	assert.Empty(t, f.factory.workers)

	assert.True(t, f.control.Configure(4, 8, 2))
	cfg, ok := f.control.workers.Active()
	require.True(t, ok)
	assert.Equal(t, pipeline.TaskOrientedBox, cfg.Task)
	assert.Equal(t, 8, cfg.Model.ID())
	assert.Equal(t, pipeline.BackendGPUVendor, cfg.Backend)
}

func TestConfigureRecordsReloads(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})

	require.True(t, f.control.Configure(0, 0, 0))
	require.True(t, f.control.Configure(0, 3, 0)) // size only
	require.False(t, f.control.Configure(7, 0, 0))

	events, err := f.control.RecentReloads(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 7, events[0].Task)
	assert.Contains(t, events[0].Error, "invalid task selector")
	assert.False(t, events[1].Rebuilt, "a size change keeps the worker")
	assert.Empty(t, events[1].Error)
	assert.True(t, events[2].Rebuilt)
	assert.Len(t, f.factory.workers, 1)
}

func TestConfigureBackendFailureLeavesNoWorker(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})
	require.True(t, f.control.Configure(0, 0, 0))

	f.backends.failFor[pipeline.BackendGPU] = true
	_, err := f.control.ConfigureWorker(0, 0, 1)
	var backendErr *pipeline.BackendInitError
	require.ErrorAs(t, err, &backendErr)
	_, ok := f.control.workers.Active()
	assert.False(t, ok)
	assert.True(t, f.factory.workers[0].closed)
}

func TestOnLoadRestoresPersistedSettings(t *testing.T) {
	store := newStore(t)
	cfg, err := pipeline.NewWorkerConfiguration(1, 5, 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkerConfig(cfg))
	require.NoError(t, store.SaveOrientation(270))

	f := newControlFixture(t, store, config.DefaultsConfig{Task: 0, Orientation: 90})
	require.NoError(t, f.control.OnLoad(context.Background()))
	require.NoError(t, f.control.OnLoad(context.Background()))

	active, ok := f.control.workers.Active()
	require.True(t, ok)
	assert.Equal(t, cfg, active)
	assert.Equal(t, 270, f.control.Status().Orientation)
	assert.Len(t, f.factory.workers, 1, "second OnLoad is a no-op")
}

func TestOnLoadUsesDefaults(t *testing.T) {
	f := newControlFixture(t, newStore(t), config.DefaultsConfig{Task: 2, Model: 4, Backend: 1, Orientation: 450})
	require.NoError(t, f.control.OnLoad(context.Background()))

	st := f.control.Status()
	require.NotNil(t, st.Worker)
	assert.Equal(t, "pose", st.Worker.Task)
	assert.Equal(t, 480, st.Worker.TargetSize)
	assert.Equal(t, "gpu", st.Worker.Backend)
	assert.Equal(t, 90, st.Orientation)
}

func TestOnLoadRejectsInvalidDefaults(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{Task: 9})
	assert.Error(t, f.control.OnLoad(context.Background()))
}

func TestSettingsArePersisted(t *testing.T) {
	store := newStore(t)
	f := newControlFixture(t, store, config.DefaultsConfig{})

	require.True(t, f.control.Configure(3, 2, 0))
	assert.True(t, f.control.SetDisplayOrientation(-90))
	assert.False(t, f.control.SetDisplayOrientation(45))

	cfg, ok, err := store.LoadWorkerConfig()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pipeline.TaskClassify, cfg.Task)

	degrees, ok, err := store.LoadOrientation()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 270, degrees)

	events, err := store.ListReloadEvents(0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCameraControl(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})

	assert.False(t, f.control.OpenCamera(2))
	assert.True(t, f.control.OpenCamera(1))
	assert.Equal(t, []camera.Facing{camera.FacingFront}, f.camera.opened)
	assert.Equal(t, "front", f.control.Status().Camera.Facing)

	f.camera.openErr = errors.New("busy")
	assert.False(t, f.control.OpenCamera(0))

	assert.True(t, f.control.CloseCamera())
	assert.False(t, f.control.Status().Camera.Running)

	window := &stubWindow{}
	f.control.SetOutputWindow(window)
	assert.Same(t, window, f.camera.sink)
	f.control.SetOutputWindow(nil)
	assert.Nil(t, f.camera.sink)
}

func TestRegisterListenerAndUnload(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})
	f.factory.results = []pipeline.DetectionResult{{Label: 2, Score: 0.5, Rect: pipeline.Rect{X: 1, Y: 1, Width: 4, Height: 4}}}
	require.True(t, f.control.Configure(0, 0, 0))

	var payloads []string
	released := 0
	f.control.RegisterListener(pipeline.NewListenerHandle(pipeline.ListenerFunc(func(p string) error {
		payloads = append(payloads, p)
		return nil
	}), func() { released++ }))

	f.frames.Render(&pipeline.Frame{Image: image.NewNRGBA(image.Rect(0, 0, 32, 32)), Seq: 1})
	require.Len(t, payloads, 1)
	assert.Equal(t, `[{"label":2,"x":1.0,"y":1.0,"w":4.0,"h":4.0,"score":0.5000}]`, payloads[0])
	assert.True(t, f.control.Status().Listener.Registered)

	require.NoError(t, f.control.OnUnload())
	require.NoError(t, f.control.OnUnload())
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, f.camera.closes)
	assert.True(t, f.factory.workers[0].closed)
	assert.False(t, f.control.Configure(0, 0, 0), "configure after unload fails")
}

func TestConcurrentConfigureReportsOwnRebuild(t *testing.T) {
	f := newControlFixture(t, nil, config.DefaultsConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			f.control.Configure(task%5, task%9, 0)
		}(i)
	}
	wg.Wait()

	events, err := f.control.RecentReloads(0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	rebuilt := 0
	for _, e := range events {
		if e.Rebuilt {
			rebuilt++
		}
	}
	assert.Equal(t, len(f.factory.workers), rebuilt, "every rebuild is attributed to exactly one event")
}

func TestOnLoadPrunesOldReloads(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	seed := func(t *testing.T) *database.Database {
		store := newStore(t)
		for i, age := range []time.Duration{30 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour} {
			require.NoError(t, store.SaveReloadEvent(&database.ReloadEventRecord{
				ID:        fmt.Sprintf("old-%d", i),
				Timestamp: now.Add(-age),
			}))
		}
		return store
	}
	clock := WithClock(func() time.Time { return now })

	store := seed(t)
	f := newControlFixture(t, store, config.DefaultsConfig{}, WithReloadRetention(7*24*time.Hour), clock)
	require.NoError(t, f.control.OnLoad(context.Background()))

	events, err := store.ListReloadEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotContains(t, []string{events[0].ID, events[1].ID}, "old-0")
	assert.Equal(t, "old-2", events[1].ID)

	// Zero retention keeps the full history
	store = seed(t)
	f = newControlFixture(t, store, config.DefaultsConfig{}, WithReloadRetention(0), clock)
	require.NoError(t, f.control.OnLoad(context.Background()))
	events, err = store.ListReloadEvents(0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestStatusReportsStreamsAndSinks(t *testing.T) {
	window := stream.NewMJPEGWindow(stream.WindowConfig{}, zap.NewNop())
	host := script.NewExecutor(zap.NewNop())
	fanout := notify.NewFanout(4, zap.NewNop())
	require.NoError(t, fanout.Add(host))
	t.Cleanup(func() { fanout.Close() })
	hub := ws.NewDetectionHub(zap.NewNop())

	f := newControlFixture(t, nil, config.DefaultsConfig{},
		WithWindowStats(window),
		WithSinkStats(fanout),
		WithClientCounter("detections", hub),
		WithScripts(host),
	)

	window.SubmitFrame(&pipeline.Frame{Image: image.NewNRGBA(image.Rect(0, 0, 8, 8)), Seq: 1})
	require.NoError(t, fanout.OnDetections("[]"))
	require.Eventually(t, func() bool { return fanout.Stats()["script"].Sent == 1 }, time.Second, 5*time.Millisecond)

	st := f.control.Status()
	require.NotNil(t, st.Window)
	assert.Equal(t, uint64(1), st.Window.Accepted)
	assert.Equal(t, notify.SinkStats{Sent: 1}, st.Sinks["script"])
	assert.Equal(t, map[string]int{"detections": 0}, st.Clients)
	require.NotNil(t, st.Script)
	assert.False(t, st.Script.Running)

	bare := newControlFixture(t, nil, config.DefaultsConfig{}).control.Status()
	assert.Nil(t, bare.Window)
	assert.Nil(t, bare.Sinks)
	assert.Nil(t, bare.Clients)
	assert.Nil(t, bare.Script)
}
