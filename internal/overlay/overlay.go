// Package overlay draws landmark markers on a transparent layer sized like
// the video frame.
package overlay

import (
	"image"
	"image/color"
	"math"

	"github.com/ayusman/handwave/internal/landmark"
)

// Marker style.
const (
	MarkerRadius = 4
)

// MarkerColor is #00FF55.
var MarkerColor = color.RGBA{R: 0x00, G: 0xFF, B: 0x55, A: 0xFF}

// Canvas is a drawing surface the size of the video frame.
type Canvas interface {
	Size() image.Point
	Clear()
	FillCircle(center image.Point, radius int, c color.RGBA)
}

// Renderer draws landmark sets on a Canvas.
type Renderer struct {
	canvas Canvas
	radius int
	color  color.RGBA
}

func NewRenderer(canvas Canvas) *Renderer {
	return &Renderer{canvas: canvas, radius: MarkerRadius, color: MarkerColor}
}

// Render clears the canvas and draws one marker per landmark of every hand.
// Coordinates are normalized, so (x, y) lands on (round(x*W), round(y*H)).
// The frame is already mirrored and so is the overlay; no flip here.
func (r *Renderer) Render(hands landmark.Set) {
	r.canvas.Clear()
	size := r.canvas.Size()
	for _, h := range hands {
		for _, p := range h.Points {
			r.canvas.FillCircle(Project(p, size), r.radius, r.color)
		}
	}
}

// Project maps a normalized landmark to canvas pixels.
func Project(p landmark.Point3D, size image.Point) image.Point {
	return image.Pt(
		int(math.Round(p.X*float64(size.X))),
		int(math.Round(p.Y*float64(size.Y))),
	)
}
