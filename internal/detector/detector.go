// Package detector finds hand landmarks in video frames.
package detector

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/ayusman/handwave/internal/landmark"
	"github.com/ayusman/handwave/internal/lazy"
)

// Detector is a ready hand landmark model.
type Detector interface {
	// Detect returns every hand found in frame. An empty set is a valid
	// result, not an error.
	Detect(frame *gocv.Mat) (landmark.Set, error)

	// Close releases any resources held by the detector.
	Close() error
}

// RunningMode is how the landmark model treats its input.
type RunningMode string

const (
	// RunningModeImage treats every frame independently.
	RunningModeImage RunningMode = "IMAGE"
	// RunningModeVideo lets the model track hands across frames.
	RunningModeVideo RunningMode = "VIDEO"
)

// Config holds configuration options for hand detection.
type Config struct {
	// MaxHands is the maximum number of hands to detect (default: 2).
	MaxHands int

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// MinTrackingConf is the minimum tracking confidence threshold (0.0-1.0).
	MinTrackingConf float64

	RunningMode RunningMode
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MaxHands:        2,
		MinConfidence:   0.5,
		MinTrackingConf: 0.5,
		RunningMode:     RunningModeImage,
	}
}

// RuntimeError is a failure of a single detection call. The detector stays
// usable; the caller skips the frame.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("hand detection failed: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Factory constructs a Detector. It may download model files and start
// helper processes, so it is only run through an Adapter.
type Factory func(ctx context.Context) (Detector, error)

// Adapter builds its Detector on first use, once, and shares it.
type Adapter struct {
	handle *lazy.Value[Detector]
}

func NewAdapter(factory Factory) *Adapter {
	return &Adapter{
		handle: lazy.New[Detector](factory, func(d Detector) { d.Close() }),
	}
}

// EnsureInitialized returns the shared Detector, constructing it if this is
// the first call. Concurrent callers wait on the same construction. A
// construction failure is returned to every caller until Reset.
func (a *Adapter) EnsureInitialized(ctx context.Context) (Detector, error) {
	return a.handle.Get(ctx)
}

// Detect runs the detector on frame. Initialization failures are returned
// as they are; failures of the detection call itself are *RuntimeError.
func (a *Adapter) Detect(ctx context.Context, frame *gocv.Mat) (landmark.Set, error) {
	d, done, err := a.handle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	if frame == nil || frame.Empty() {
		return nil, &RuntimeError{Err: fmt.Errorf("empty frame")}
	}
	hands, err := d.Detect(frame)
	if err != nil {
		return nil, &RuntimeError{Err: err}
	}
	return hands, nil
}

// Ready reports whether a Detector has been built successfully.
func (a *Adapter) Ready() bool {
	_, ok := a.handle.Peek()
	return ok
}

// Err returns the sticky construction error, if any.
func (a *Adapter) Err() error {
	return a.handle.Err()
}

// Reset drops the current Detector, if any, so the next call rebuilds it.
// The dropped Detector is closed once in-flight Detect calls return.
func (a *Adapter) Reset() {
	a.handle.Reset()
}

// Close releases the Detector.
func (a *Adapter) Close() error {
	a.handle.Reset()
	return nil
}
