package pipeline

import (
	"fmt"
	"image"
	"time"
)

// TaskKind selects which family of worker runs on each frame
type TaskKind int

const (
	TaskDetect TaskKind = iota
	TaskSegment
	TaskPose
	TaskClassify
	TaskOrientedBox
)

var taskNames = [...]string{"detect", "segment", "pose", "classify", "obb"}

func (t TaskKind) String() string {
	if !t.Valid() {
		return fmt.Sprintf("task(%d)", int(t))
	}
	return taskNames[t]
}

// Valid reports whether t is one of the five supported tasks
func (t TaskKind) Valid() bool {
	return t >= TaskDetect && t <= TaskOrientedBox
}

// ModelSuffix is appended to the model base name to locate task-specific weights
// (yolo11n.ncnn for detect, yolo11n_seg for segment, ...)
func (t TaskKind) ModelSuffix() string {
	switch t {
	case TaskSegment:
		return "_seg"
	case TaskPose:
		return "_pose"
	case TaskClassify:
		return "_cls"
	case TaskOrientedBox:
		return "_obb"
	default:
		return ""
	}
}

// SizeTier is the input resolution class of a model variant
type SizeTier int

const (
	SizeSmall SizeTier = iota
	SizeMedium
	SizeLarge
)

// TargetSize returns the inference input size for the tier
func (s SizeTier) TargetSize() int {
	switch s {
	case SizeMedium:
		return 480
	case SizeLarge:
		return 640
	default:
		return 320
	}
}

// ModelTier is the network width sub-variant (n, s, m)
type ModelTier int

const (
	TierNano ModelTier = iota
	TierSmall
	TierMedium
)

var tierNames = [...]string{"n", "s", "m"}

func (t ModelTier) String() string {
	if t < TierNano || t > TierMedium {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ModelVariant keeps size tier and network tier as separate fields.
// The host still addresses variants with a single id in 0..8
// where id/3 is the size tier and id%3 the network tier.
type ModelVariant struct {
	Size SizeTier
	Tier ModelTier
}

// ModelVariantFromID decodes the external model id
func ModelVariantFromID(id int) (ModelVariant, error) {
	if id < 0 || id > 8 {
		return ModelVariant{}, &ConfigError{Field: "model", Value: id}
	}
	return ModelVariant{Size: SizeTier(id / 3), Tier: ModelTier(id % 3)}, nil
}

// ID encodes the variant back into the external model id
func (v ModelVariant) ID() int {
	return int(v.Size)*3 + int(v.Tier)
}

// ModelName is the weights base name without task suffix, e.g. "yolo11s"
func (v ModelVariant) ModelName() string {
	return "yolo11" + v.Tier.String()
}

// Backend is the compute context a worker runs on
type Backend int

const (
	BackendCPU Backend = iota
	BackendGPU
	BackendGPUVendor
)

var backendNames = [...]string{"cpu", "gpu", "gpu-vendor"}

func (b Backend) String() string {
	if !b.Valid() {
		return fmt.Sprintf("backend(%d)", int(b))
	}
	return backendNames[b]
}

// Valid reports whether b is a known backend
func (b Backend) Valid() bool {
	return b >= BackendCPU && b <= BackendGPUVendor
}

// WorkerConfiguration is the full description of the active worker
type WorkerConfiguration struct {
	Task    TaskKind     `json:"task"`
	Model   ModelVariant `json:"model"`
	Backend Backend      `json:"backend"`
}

// NewWorkerConfiguration validates the external selectors and builds a configuration.
// All three values are checked before anything is returned.
func NewWorkerConfiguration(task, model, backend int) (WorkerConfiguration, error) {
	if task < 0 || task > 4 {
		return WorkerConfiguration{}, &ConfigError{Field: "task", Value: task}
	}
	variant, err := ModelVariantFromID(model)
	if err != nil {
		return WorkerConfiguration{}, err
	}
	if backend < 0 || backend > 2 {
		return WorkerConfiguration{}, &ConfigError{Field: "backend", Value: backend}
	}
	return WorkerConfiguration{
		Task:    TaskKind(task),
		Model:   variant,
		Backend: Backend(backend),
	}, nil
}

// Validate checks a configuration built without NewWorkerConfiguration
func (c WorkerConfiguration) Validate() error {
	if !c.Task.Valid() {
		return &ConfigError{Field: "task", Value: int(c.Task)}
	}
	if c.Model.Size < SizeSmall || c.Model.Size > SizeLarge ||
		c.Model.Tier < TierNano || c.Model.Tier > TierMedium {
		return &ConfigError{Field: "model", Value: c.Model.ID()}
	}
	if !c.Backend.Valid() {
		return &ConfigError{Field: "backend", Value: int(c.Backend)}
	}
	return nil
}

// requiresRebuild reports whether moving from c to next needs a fresh worker.
// The size tier only changes the input size and never forces a rebuild.
func (c WorkerConfiguration) requiresRebuild(next WorkerConfiguration) bool {
	return c.Task != next.Task || c.Model.Tier != next.Model.Tier || c.Backend != next.Backend
}

// ParamPath returns the weights file names the worker loads
func (c WorkerConfiguration) ParamPath() (param string, bin string) {
	base := c.Model.ModelName() + c.Task.ModelSuffix()
	return base + ".ncnn.param", base + ".ncnn.bin"
}

func (c WorkerConfiguration) String() string {
	return fmt.Sprintf("%s/%s@%d/%s", c.Task, c.Model.Tier, c.Model.Size.TargetSize(), c.Backend)
}

// Rect is a bounding box in frame pixel coordinates
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"w"`
	Height float32 `json:"h"`
}

// Keypoint is a single pose landmark
type Keypoint struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Score float32 `json:"score"`
}

// DetectionResult is one detected object instance.
// Angle, Keypoints and Mask are only filled by the task that produces them.
type DetectionResult struct {
	Label     int          `json:"label"`
	Score     float32      `json:"score"`
	Rect      Rect         `json:"rect"`
	Angle     float32      `json:"angle,omitempty"`     // Oriented boxes, radians
	Keypoints []Keypoint   `json:"keypoints,omitempty"` // Pose
	Mask      *image.Alpha `json:"-"`                   // Segmentation, in frame coordinates
}

// Frame is one mutable camera image processed end-to-end by the pipeline.
// Rotation may replace Image with a transposed buffer.
type Frame struct {
	Image     *image.NRGBA
	Seq       uint64
	Timestamp time.Time
}

// Bounds returns the current frame rectangle
func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// PipelineStats contains render counters
type PipelineStats struct {
	FramesRendered      uint64  `json:"frames_rendered"`
	FramesWithResults   uint64  `json:"frames_with_results"`
	PlaceholderRenders  uint64  `json:"placeholder_renders"`
	RecoveredPanics     uint64  `json:"recovered_panics"`
	NotificationsSent   uint64  `json:"notifications_sent"` // Delivered to the listener
	AverageFPS          float64 `json:"average_fps"`
	LastRenderTimestamp int64   `json:"last_render_timestamp"`
}

// Outcome reports what one configure call did
type Outcome struct {
	Rebuilt         bool `json:"rebuilt"`
	BackendReopened bool `json:"backend_reopened"`
	TargetSize      int  `json:"target_size"`
}

// WorkerStats contains worker lifecycle counters
type WorkerStats struct {
	Rebuilds        uint64 `json:"rebuilds"`
	BackendReopens  uint64 `json:"backend_reopens"`
	ConfigureCalls  uint64 `json:"configure_calls"`
	FailedConfigure uint64 `json:"failed_configure"`
}
