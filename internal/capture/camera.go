// Package capture reads webcam frames through OpenCV and feeds them to a
// per-frame callback at a capped rate.
package capture

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Default capture settings.
const (
	DefaultFPS    = 10
	DefaultWidth  = 640
	DefaultHeight = 480

	MinFPS = 1
	MaxFPS = 60
)

// ErrCameraNotOpen is returned when reading from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// PermissionError reports that the camera could not be acquired, either
// because access was refused or because no device answered. It is fatal to
// the pipeline and is never retried automatically.
type PermissionError struct {
	DeviceID int
	Err      error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("camera %d unavailable: %v", e.DeviceID, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Camera is the frame provider used by Source.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

type cameraImpl struct {
	deviceID int
	width    int
	height   int
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
	fps      int
}

// NewCamera returns a gocv backed Camera for the given device, asking the
// driver for width x height frames.
func NewCamera(deviceID, width, height int) Camera {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &cameraImpl{
		deviceID: deviceID,
		width:    width,
		height:   height,
		fps:      DefaultFPS,
	}
}

// Open acquires the device. Any failure is reported as *PermissionError.
func (c *cameraImpl) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(c.deviceID)
	if err != nil {
		return &PermissionError{DeviceID: c.deviceID, Err: err}
	}
	if !capture.IsOpened() {
		capture.Close()
		return &PermissionError{DeviceID: c.deviceID, Err: errors.New("device did not open")}
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	capture.Set(gocv.VideoCaptureFPS, float64(c.fps))

	c.capture = capture
	c.running = true

	return nil
}

func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return errors.Wrap(err, "close camera")
}

// ReadFrame reads a single frame. The caller owns the returned Mat.
func (c *cameraImpl) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, errors.New("failed to read frame from camera")
	}

	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}

	return &mat, nil
}

// SetFPS ignores values outside [MinFPS, MaxFPS].
func (c *cameraImpl) SetFPS(fps int) {
	if fps < MinFPS || fps > MaxFPS {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fps = fps

	if c.capture != nil {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (c *cameraImpl) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fps
}

func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// ClampFPS bounds fps to [MinFPS, MaxFPS], mapping zero or negative values
// to DefaultFPS.
func ClampFPS(fps int) int {
	switch {
	case fps <= 0:
		return DefaultFPS
	case fps < MinFPS:
		return MinFPS
	case fps > MaxFPS:
		return MaxFPS
	}
	return fps
}
