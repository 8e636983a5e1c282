package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrientationSet(t *testing.T) {
	tests := []struct {
		in      int
		applied bool
		want    int
	}{
		{0, true, 0},
		{90, true, 90},
		{180, true, 180},
		{270, true, 270},
		{360, true, 0},
		{450, true, 90},
		{-90, true, 270},
		{-450, true, 270},
		{45, false, 270},
		{91, false, 270},
	}

	var o Orientation
	for _, tt := range tests {
		assert.Equal(t, tt.applied, o.Set(tt.in), "Set(%d)", tt.in)
		assert.Equal(t, tt.want, o.Degrees(), "after Set(%d)", tt.in)
	}
}

func TestNormalizeIdentityAngles(t *testing.T) {
	img := newTestImage(4, 3)
	assert.Same(t, img, Normalize(img, 0))
	// 180 is a documented gap: the frame is not compensated
	assert.Same(t, img, Normalize(img, 180))
}

func TestNormalizeQuarterTurns(t *testing.T) {
	img := newTestImage(4, 3)

	cw := Normalize(img, 90)
	require.Equal(t, 3, cw.Bounds().Dx())
	require.Equal(t, 4, cw.Bounds().Dy())
	// Clockwise: the bottom-left source pixel lands top-left
	assert.Equal(t, img.NRGBAAt(0, 2), cw.NRGBAAt(0, 0))
	assert.Equal(t, img.NRGBAAt(0, 0), cw.NRGBAAt(2, 0))

	ccw := Normalize(img, 270)
	require.Equal(t, 3, ccw.Bounds().Dx())
	// Counter-clockwise: the top-right source pixel lands top-left
	assert.Equal(t, img.NRGBAAt(3, 0), ccw.NRGBAAt(0, 0))
	assert.Equal(t, img.NRGBAAt(0, 0), ccw.NRGBAAt(0, 3))
}

func TestNormalizeRoundTrip(t *testing.T) {
	img := newTestImage(5, 2)

	back := Normalize(Normalize(img, 90), 270)
	assert.Equal(t, img.Bounds(), back.Bounds())
	assert.Equal(t, img.Pix, back.Pix)

	back = Normalize(Normalize(img, 270), 90)
	assert.Equal(t, img.Pix, back.Pix)
}
