package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yolocam/internal/pipeline"
)

const (
	methodLoad   = "/yolocam.inference.v1.Inference/Load"
	methodInfer  = "/yolocam.inference.v1.Inference/Infer"
	methodUnload = "/yolocam.inference.v1.Inference/Unload"
)

// remoteClient talks to one loaded model session on the inference service
type remoteClient struct {
	conn    grpc.ClientConnInterface
	session string
	opts    WorkerOptions
}

// load asks the service to load the network files of cfg and returns the session id
func load(ctx context.Context, conn grpc.ClientConnInterface, cfg pipeline.WorkerConfiguration, opts WorkerOptions) (*remoteClient, error) {
	param, bin := cfg.ParamPath()
	req, err := structpb.NewStruct(map[string]any{
		"model":   cfg.Model.ModelName() + cfg.Task.ModelSuffix(),
		"param":   param,
		"bin":     bin,
		"task":    cfg.Task.String(),
		"backend": cfg.Backend.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build load request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.LoadTimeout)
	defer cancel()

	var session wrapperspb.StringValue
	if err := conn.Invoke(ctx, methodLoad, req, &session); err != nil {
		return nil, fmt.Errorf("load %s: %w", param, err)
	}
	if session.GetValue() == "" {
		return nil, fmt.Errorf("load %s: empty session", param)
	}
	return &remoteClient{conn: conn, session: session.GetValue(), opts: opts}, nil
}

// infer letterboxes img to targetSize, runs the model and maps results back
// into img coordinates
func (c *remoteClient) infer(img image.Image, targetSize int) ([]pipeline.DetectionResult, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	scale := float64(targetSize) / float64(max(b.Dx(), b.Dy()))
	rw := max(1, int(math.Round(float64(b.Dx())*scale)))
	rh := max(1, int(math.Round(float64(b.Dy())*scale)))
	resized := imaging.Resize(img, rw, rh, imaging.Linear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: c.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"session":        c.session,
		"jpeg":           base64.StdEncoding.EncodeToString(buf.Bytes()),
		"width":          rw,
		"height":         rh,
		"target_size":    targetSize,
		"conf_threshold": float64(c.opts.ConfThreshold),
		"nms_threshold":  float64(c.opts.NMSThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build infer request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.InferTimeout)
	defer cancel()

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodInfer, req, &resp); err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return decodeResults(&resp, float32(scale), b)
}

func (c *remoteClient) unload() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Invoke(ctx, methodUnload, wrapperspb.String(c.session), &emptypb.Empty{})
}

// decodeResults converts the service response from model input coordinates
// into frame coordinates clipped to bounds
func decodeResults(resp *structpb.Struct, scale float32, bounds image.Rectangle) ([]pipeline.DetectionResult, error) {
	list := resp.GetFields()["detections"].GetListValue().GetValues()
	results := make([]pipeline.DetectionResult, 0, len(list))

	for i, v := range list {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		f := obj.GetFields()

		r := pipeline.DetectionResult{
			Label: int(f["label"].GetNumberValue()),
			Score: float32(f["score"].GetNumberValue()),
			Rect: pipeline.Rect{
				X:      float32(f["x"].GetNumberValue()) / scale,
				Y:      float32(f["y"].GetNumberValue()) / scale,
				Width:  float32(f["w"].GetNumberValue()) / scale,
				Height: float32(f["h"].GetNumberValue()) / scale,
			},
			Angle: float32(f["angle"].GetNumberValue()),
		}
		if r.Angle == 0 {
			// Axis aligned boxes are clipped; rotated ones may legitimately overhang
			r.Rect = clipRect(r.Rect, bounds)
		}

		for _, kp := range f["keypoints"].GetListValue().GetValues() {
			xyz := kp.GetListValue().GetValues()
			if len(xyz) < 3 {
				continue
			}
			r.Keypoints = append(r.Keypoints, pipeline.Keypoint{
				X:     float32(xyz[0].GetNumberValue()) / scale,
				Y:     float32(xyz[1].GetNumberValue()) / scale,
				Score: float32(xyz[2].GetNumberValue()),
			})
		}

		if enc := f["mask"].GetStringValue(); enc != "" {
			mask, err := decodeMask(enc, int(f["mask_w"].GetNumberValue()), int(f["mask_h"].GetNumberValue()), r.Rect)
			if err != nil {
				return nil, fmt.Errorf("detection %d: %w", i, err)
			}
			r.Mask = mask
		}

		results = append(results, r)
	}
	return results, nil
}

// decodeMask scales a box-local mask to the frame-space box
func decodeMask(enc string, w, h int, box pipeline.Rect) (*image.Alpha, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid mask encoding: %w", err)
	}
	if w <= 0 || h <= 0 || len(raw) != w*h {
		return nil, fmt.Errorf("mask size %dx%d does not match %d bytes", w, h, len(raw))
	}

	bw, bh := int(math.Round(float64(box.Width))), int(math.Round(float64(box.Height)))
	if bw <= 0 || bh <= 0 {
		return nil, nil
	}

	src := &image.Gray{Pix: raw, Stride: w, Rect: image.Rect(0, 0, w, h)}
	scaled := imaging.Resize(src, bw, bh, imaging.NearestNeighbor)

	x0, y0 := int(math.Round(float64(box.X))), int(math.Round(float64(box.Y)))
	mask := image.NewAlpha(image.Rect(x0, y0, x0+bw, y0+bh))
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			mask.Pix[y*mask.Stride+x] = scaled.Pix[y*scaled.Stride+x*4]
		}
	}
	return mask, nil
}

func clipRect(r pipeline.Rect, b image.Rectangle) pipeline.Rect {
	x0 := clamp(r.X, float32(b.Min.X), float32(b.Max.X))
	y0 := clamp(r.Y, float32(b.Min.Y), float32(b.Max.Y))
	x1 := clamp(r.X+r.Width, float32(b.Min.X), float32(b.Max.X))
	y1 := clamp(r.Y+r.Height, float32(b.Min.Y), float32(b.Max.Y))
	return pipeline.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
