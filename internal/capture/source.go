package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/handwave/internal/logger"
)

// Policy decides what happens to a tick that arrives while an earlier
// callback is still running.
type Policy int

const (
	// PolicyDropWhileBusy skips the tick entirely. No frame is read.
	PolicyDropWhileBusy Policy = iota
	// PolicyOverlap dispatches anyway. Consumers must discard results older
	// than the latest one they have shown, using Frame.Seq.
	PolicyOverlap
)

func (p Policy) String() string {
	switch p {
	case PolicyDropWhileBusy:
		return "drop"
	case PolicyOverlap:
		return "overlap"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps "drop" and "overlap" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop":
		return PolicyDropWhileBusy, nil
	case "overlap":
		return PolicyOverlap, nil
	}
	return 0, errors.Errorf("unknown dispatch policy %q", s)
}

// Frame is one resized and (optionally) mirrored capture. Mat belongs to the
// callback for its duration and is closed by the Source afterwards.
type Frame struct {
	Mat       *gocv.Mat
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Mirrored  bool
}

// FrameFunc handles one frame. It must not keep Mat after returning.
type FrameFunc func(ctx context.Context, f *Frame)

// Options configure a Source.
type Options struct {
	Width  int
	Height int
	FPS    int
	Mirror bool
	Policy Policy

	// IdleFPS > 0 enables motion gating: after IdleTimeout without motion
	// the loop slows to IdleFPS until motion is seen again.
	IdleFPS         int
	IdleTimeout     time.Duration
	MotionThreshold float64
}

// DefaultOptions match the capture defaults of the viewer.
func DefaultOptions() Options {
	return Options{
		Width:           DefaultWidth,
		Height:          DefaultHeight,
		FPS:             DefaultFPS,
		Mirror:          true,
		Policy:          PolicyDropWhileBusy,
		IdleTimeout:     2 * time.Second,
		MotionThreshold: 1.0,
	}
}

// Stats counts loop outcomes since the Source was created.
type Stats struct {
	Dispatched uint64
	Dropped    uint64
	Failed     uint64
}

// Source pulls frames from a Camera at a capped rate and hands each one to a
// callback without waiting for it.
type Source struct {
	cam  Camera
	opts Options

	seq        atomic.Uint64
	inFlight   atomic.Int32
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64

	wg sync.WaitGroup
}

func NewSource(cam Camera, opts Options) *Source {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	opts.FPS = ClampFPS(opts.FPS)
	if opts.IdleFPS > opts.FPS {
		opts.IdleFPS = opts.FPS
	}
	return &Source{cam: cam, opts: opts}
}

func (s *Source) Options() Options { return s.opts }

func (s *Source) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Dropped:    s.dropped.Load(),
		Failed:     s.failed.Load(),
	}
}

// Run opens the camera and drives fn until ctx is cancelled. A camera that
// cannot be opened is returned as *PermissionError before any frame is
// dispatched. On cancellation Run waits for in-flight callbacks, closes the
// camera and returns nil.
func (s *Source) Run(ctx context.Context, fn FrameFunc) error {
	log := logger.Component(ctx, "capture")

	if err := s.cam.Open(); err != nil {
		var pe *PermissionError
		if !errors.As(err, &pe) {
			pe = &PermissionError{DeviceID: -1, Err: err}
		}
		log.WithError(pe).Error("camera unavailable")
		return pe
	}
	s.cam.SetFPS(s.opts.FPS)

	defer func() {
		s.wg.Wait()
		if err := s.cam.Close(); err != nil {
			log.WithError(err).Warn("closing camera")
		}
		st := s.Stats()
		log.WithFields(logrus.Fields{
			"dispatched": st.Dispatched,
			"dropped":    st.Dropped,
			"failed":     st.Failed,
		}).Info("capture stopped")
	}()

	var gate *idleGate
	if s.opts.IdleFPS > 0 {
		gate = newIdleGate(s.opts.MotionThreshold, s.opts.FPS, s.opts.IdleFPS, s.opts.IdleTimeout)
		defer gate.close()
	}

	log.WithFields(logrus.Fields{
		"fps":    s.opts.FPS,
		"size":   fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height),
		"mirror": s.opts.Mirror,
		"policy": s.opts.Policy,
	}).Info("capture started")

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if s.opts.Policy == PolicyDropWhileBusy && s.inFlight.Load() > 0 {
				s.dropped.Add(1)
				continue
			}

			raw, err := s.cam.ReadFrame()
			if err != nil {
				s.failed.Add(1)
				log.WithError(err).Warn("reading frame")
				continue
			}
			mat := s.prepare(raw)

			if gate != nil {
				if fps, changed := gate.observe(&mat, now); changed {
					s.cam.SetFPS(fps)
					ticker.Reset(time.Second / time.Duration(fps))
					log.WithField("fps", fps).Debug("capture rate changed")
				}
			}

			s.dispatch(ctx, fn, &Frame{
				Mat:       &mat,
				Seq:       s.seq.Add(1),
				Timestamp: now,
				Width:     s.opts.Width,
				Height:    s.opts.Height,
				Mirrored:  s.opts.Mirror,
			})
		}
	}
}

func (s *Source) dispatch(ctx context.Context, fn FrameFunc, f *Frame) {
	s.dispatched.Add(1)
	s.inFlight.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		defer f.Mat.Close()
		fn(ctx, f)
	}()
}

// prepare resizes raw into the fixed output size and mirrors it if asked.
// raw is closed.
func (s *Source) prepare(raw *gocv.Mat) gocv.Mat {
	defer raw.Close()

	sized := gocv.NewMat()
	if raw.Cols() == s.opts.Width && raw.Rows() == s.opts.Height {
		raw.CopyTo(&sized)
	} else {
		gocv.Resize(*raw, &sized, image.Pt(s.opts.Width, s.opts.Height), 0, 0, gocv.InterpolationLinear)
	}
	if !s.opts.Mirror {
		return sized
	}

	mirrored := gocv.NewMat()
	gocv.Flip(sized, &mirrored, 1)
	sized.Close()
	return mirrored
}
