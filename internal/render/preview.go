// Package render draws the per-image preview shown next to a verification.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
)

// PreviewSize is the bounding box previews are scaled into.
const PreviewSize = 420

var (
	boxColor   = color.RGBA{R: 0x06, G: 0xb6, B: 0xd4, A: 0xff}
	labelColor = color.RGBA{A: 0xff}
)

// Preview scales img into a PreviewSize box and, when det is non-nil, outlines
// the face and labels it with the detector and its confidence.
func Preview(img *imageio.Image, det *detection.Detection) *image.RGBA {
	thumb, ratio := img.Thumbnail(PreviewSize)
	canvas := image.NewRGBA(image.Rect(0, 0, thumb.Width, thumb.Height))
	draw.Draw(canvas, canvas.Bounds(), thumb.Bitmap, thumb.Bitmap.Bounds().Min, draw.Src)

	if det == nil {
		return canvas
	}

	box := image.Rect(
		int(math.Round(det.Box.X*ratio)),
		int(math.Round(det.Box.Y*ratio)),
		int(math.Round((det.Box.X+det.Box.Width)*ratio)),
		int(math.Round((det.Box.Y+det.Box.Height)*ratio)),
	).Intersect(canvas.Bounds())
	strokeRect(canvas, box, 2, boxColor)

	label := fmt.Sprintf("%s conf: %.3f", det.Strategy, det.Confidence)
	drawLabel(canvas, label, box.Min.X, max(12, box.Min.Y-4))
	return canvas
}

// EncodePNG renders a preview to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func strokeRect(dst *image.RGBA, r image.Rectangle, width int, c color.Color) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.RGBA, text string, x, baseline int) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(text)
}
