package pipeline

import (
	"image"
	"sync/atomic"

	"github.com/disintegration/imaging"
)

// Orientation is the process-wide display rotation applied to incoming frames.
// Only 0, 90, 180 and 270 are ever stored.
type Orientation struct {
	degrees atomic.Int32
}

// Set normalizes degrees into [0,360) and stores it when it is a right angle.
// Any other value is ignored. Returns whether the value was applied.
func (o *Orientation) Set(degrees int) bool {
	d := degrees % 360
	if d < 0 {
		d += 360
	}
	switch d {
	case 0, 90, 180, 270:
		o.degrees.Store(int32(d))
		return true
	}
	return false
}

// Degrees returns the current rotation
func (o *Orientation) Degrees() int {
	return int(o.degrees.Load())
}

// Normalize applies the display rotation to img.
// 90 rotates clockwise (transpose, horizontal flip), 270 counter-clockwise
// (transpose, vertical flip). 0 and 180 return img unchanged; 180 is not compensated.
func Normalize(img *image.NRGBA, degrees int) *image.NRGBA {
	switch degrees {
	case 90:
		return imaging.FlipH(imaging.Transpose(img))
	case 270:
		return imaging.FlipV(imaging.Transpose(img))
	default:
		return img
	}
}
