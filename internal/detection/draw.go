package detection

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"yolocam/internal/pipeline"
)

// cocoSkeleton joins the 17 COCO keypoints into limbs
var cocoSkeleton = [][2]int{
	{15, 13}, {13, 11}, {16, 14}, {14, 12}, {11, 12},
	{5, 11}, {6, 12}, {5, 6}, {5, 7}, {6, 8}, {7, 9},
	{8, 10}, {1, 2}, {0, 1}, {0, 2}, {1, 3}, {2, 4},
	{3, 5}, {4, 6},
}

const (
	boxThickness     = 2
	keypointMinScore = 0.2
	classifyTopK     = 5
)

var colorText = color.RGBA{255, 255, 255, 255}

type detectWorker struct{ remoteWorker }

func (w *detectWorker) Draw(dst draw.Image, results []pipeline.DetectionResult) {
	for _, r := range results {
		drawBoxWithLabel(dst, w.task, r)
	}
}

type segmentWorker struct{ remoteWorker }

func (w *segmentWorker) Draw(dst draw.Image, results []pipeline.DetectionResult) {
	for _, r := range results {
		if r.Mask != nil {
			c := labelColor(r.Label)
			c.A = 128
			draw.DrawMask(dst, r.Mask.Bounds(), image.NewUniform(c), image.Point{}, r.Mask, r.Mask.Bounds().Min, draw.Over)
		}
	}
	for _, r := range results {
		drawBoxWithLabel(dst, w.task, r)
	}
}

type poseWorker struct{ remoteWorker }

func (w *poseWorker) Draw(dst draw.Image, results []pipeline.DetectionResult) {
	for _, r := range results {
		drawBoxWithLabel(dst, w.task, r)

		for i, limb := range cocoSkeleton {
			if limb[0] >= len(r.Keypoints) || limb[1] >= len(r.Keypoints) {
				continue
			}
			a, b := r.Keypoints[limb[0]], r.Keypoints[limb[1]]
			if a.Score < keypointMinScore || b.Score < keypointMinScore {
				continue
			}
			strokeLine(dst, a.X, a.Y, b.X, b.Y, 2, palette[i%len(palette)])
		}

		for _, kp := range r.Keypoints {
			if kp.Score < keypointMinScore {
				continue
			}
			x, y := int(kp.X), int(kp.Y)
			draw.Draw(dst, image.Rect(x-2, y-2, x+3, y+3).Intersect(dst.Bounds()),
				image.NewUniform(color.RGBA{0, 255, 0, 255}), image.Point{}, draw.Src)
		}
	}
}

type classifyWorker struct{ remoteWorker }

// Draw lists the top classes in the top-left corner
func (w *classifyWorker) Draw(dst draw.Image, results []pipeline.DetectionResult) {
	b := dst.Bounds()
	y := b.Min.Y
	for i, r := range results {
		if i == classifyTopK {
			break
		}
		text := fmt.Sprintf("%4.1f%% %s", r.Score*100, LabelName(w.task, r.Label))
		pipeline.DrawTextBox(dst, b.Min.X, y, text, colorText, color.RGBA{0, 0, 0, 255})
		y += 15
	}
}

type orientedWorker struct{ remoteWorker }

func (w *orientedWorker) Draw(dst draw.Image, results []pipeline.DetectionResult) {
	for _, r := range results {
		c := labelColor(r.Label)
		pts := rotatedCorners(r.Rect, r.Angle)
		for i := range pts {
			j := (i + 1) % len(pts)
			strokeLine(dst, pts[i][0], pts[i][1], pts[j][0], pts[j][1], boxThickness, c)
		}
		drawLabel(dst, w.task, r, int(pts[0][0]), int(pts[0][1]), c)
	}
}

func drawBoxWithLabel(dst draw.Image, task pipeline.TaskKind, r pipeline.DetectionResult) {
	c := labelColor(r.Label)
	box := image.Rect(int(r.Rect.X), int(r.Rect.Y), int(r.Rect.X+r.Rect.Width), int(r.Rect.Y+r.Rect.Height))
	pipeline.DrawRect(dst, box, c, boxThickness)
	drawLabel(dst, task, r, box.Min.X, box.Min.Y, c)
}

// drawLabel places "name score%" above (x, y), or inside the box when there is no room
func drawLabel(dst draw.Image, task pipeline.TaskKind, r pipeline.DetectionResult, x, y int, bg color.Color) {
	text := fmt.Sprintf("%s %.1f%%", LabelName(task, r.Label), r.Score*100)
	b := dst.Bounds()
	ty := y - 13
	if ty < b.Min.Y {
		ty = y + boxThickness
	}
	x = max(x, b.Min.X)
	pipeline.DrawTextBox(dst, x, ty, text, colorText, bg)
}

// rotatedCorners returns the corners of r rotated by angle radians around its center
func rotatedCorners(r pipeline.Rect, angle float32) [4][2]float32 {
	cx := float64(r.X + r.Width/2)
	cy := float64(r.Y + r.Height/2)
	hw, hh := float64(r.Width/2), float64(r.Height/2)
	sin, cos := math.Sincos(float64(angle))

	var pts [4][2]float32
	for i, d := range [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}} {
		pts[i][0] = float32(cx + d[0]*cos - d[1]*sin)
		pts[i][1] = float32(cy + d[0]*sin + d[1]*cos)
	}
	return pts
}

// strokeLine rasterizes a segment of the given width as a filled quad
func strokeLine(dst draw.Image, x0, y0, x1, y1 float32, width float32, c color.Color) {
	dx, dy := float64(x1-x0), float64(y1-y0)
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	// Unit normal scaled to half the width
	nx := float32(-dy / length * float64(width) / 2)
	ny := float32(dx / length * float64(width) / 2)

	quad := [4][2]float32{
		{x0 + nx, y0 + ny}, {x1 + nx, y1 + ny}, {x1 - nx, y1 - ny}, {x0 - nx, y0 - ny},
	}

	// Rasterize only the segment's bounding box
	minX, minY := quad[0][0], quad[0][1]
	maxX, maxY := minX, minY
	for _, p := range quad[1:] {
		minX, maxX = min(minX, p[0]), max(maxX, p[0])
		minY, maxY = min(minY, p[1]), max(maxY, p[1])
	}
	area := image.Rect(int(math.Floor(float64(minX))), int(math.Floor(float64(minY))),
		int(math.Ceil(float64(maxX))), int(math.Ceil(float64(maxY)))).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}

	ox, oy := float32(area.Min.X), float32(area.Min.Y)
	z := vector.NewRasterizer(area.Dx(), area.Dy())
	z.MoveTo(quad[0][0]-ox, quad[0][1]-oy)
	for _, p := range quad[1:] {
		z.LineTo(p[0]-ox, p[1]-oy)
	}
	z.ClosePath()
	z.Draw(dst, area, image.NewUniform(c), image.Point{})
}
