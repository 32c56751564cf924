package overlay

import (
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// MatCanvas is a transparent BGRA layer backed by a gocv Mat.
type MatCanvas struct {
	mu  sync.Mutex
	mat gocv.Mat
}

func NewMatCanvas(width, height int) *MatCanvas {
	m := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC4)
	m.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return &MatCanvas{mat: m}
}

func (c *MatCanvas) Size() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return image.Pt(c.mat.Cols(), c.mat.Rows())
}

// Clear makes every pixel fully transparent.
func (c *MatCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.SetTo(gocv.NewScalar(0, 0, 0, 0))
}

func (c *MatCanvas) FillCircle(center image.Point, radius int, col color.RGBA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// gocv maps color.RGBA onto the BGRA channel order itself; thickness -1 fills
	gocv.CircleWithParams(&c.mat, center, radius, col, -1, gocv.Line8, 0)
}

// At returns the color at p in RGBA order.
func (c *MatCanvas) At(p image.Point) color.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.mat.GetVecbAt(p.Y, p.X)
	return color.RGBA{R: v[2], G: v[1], B: v[0], A: v[3]}
}

// PNG encodes the layer with its alpha channel.
func (c *MatCanvas) PNG() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, c.mat)
	if err != nil {
		return nil, errors.Wrap(err, "encode overlay")
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (c *MatCanvas) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mat.Close()
}
