package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorWhite = color.RGBA{255, 255, 255, 255}
	colorBlack = color.RGBA{0, 0, 0, 255}
)

var overlayFace = basicfont.Face7x13

// textSize returns the pixel size of label rendered with the overlay face
func textSize(label string) (int, int) {
	d := &font.Drawer{Face: overlayFace}
	w := d.MeasureString(label).Ceil()
	m := overlayFace.Metrics()
	return w, (m.Ascent + m.Descent).Ceil()
}

// DrawTextBox draws label in fg on a filled bg box with its top-left corner at (x, y)
func DrawTextBox(img draw.Image, x, y int, label string, fg, bg color.Color) {
	w, h := textSize(label)
	box := image.Rect(x, y, x+w, y+h).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: overlayFace,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y) + overlayFace.Metrics().Ascent},
	}
	d.DrawString(label)
}

// DrawRect draws a rectangle outline clipped to the image
func DrawRect(img draw.Image, r image.Rectangle, c color.Color, thickness int) {
	b := img.Bounds()
	u := image.NewUniform(c)
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1),
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t),
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y),
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(b), u, image.Point{}, draw.Src)
		}
	}
}

// drawUnsupported draws the centered placeholder shown when no worker can run
func drawUnsupported(img draw.Image) {
	const text = "unsupported"
	w, h := textSize(text)
	b := img.Bounds()
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + (b.Dy()-h)/2
	DrawTextBox(img, x, y, text, colorBlack, colorWhite)
}

// drawFPS draws the moving average in the top-right corner
func drawFPS(img draw.Image, fps float64) {
	text := fmt.Sprintf("FPS=%.2f", fps)
	w, _ := textSize(text)
	b := img.Bounds()
	DrawTextBox(img, b.Max.X-w, b.Min.Y, text, colorBlack, colorWhite)
}
