package capture

import (
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Motion detection constants.
const (
	// GaussianBlurSize is the blur kernel applied before differencing.
	GaussianBlurSize = 21
	// DiffThreshold is the per-pixel intensity change counted as motion.
	DiffThreshold = 25
)

// MotionDetector compares consecutive frames by blurred grayscale
// differencing. The threshold is the percentage of changed pixels above
// which a frame counts as moving.
type MotionDetector struct {
	threshold   float64
	prevGray    gocv.Mat
	initialized bool
	mu          sync.Mutex
}

func NewMotionDetector(threshold float64) *MotionDetector {
	return &MotionDetector{
		threshold: threshold,
		prevGray:  gocv.NewMat(),
	}
}

// Detect reports whether frame differs from the previous one by more than
// the threshold, and the measured change percentage. The first frame only
// seeds the baseline.
func (m *MotionDetector) Detect(frame *gocv.Mat) (bool, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	switch frame.Channels() {
	case 4:
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRAToGray)
	case 3:
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	default:
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(GaussianBlurSize, GaussianBlurSize), 0, 0, gocv.BorderDefault)

	if !m.initialized || blurred.Rows() != m.prevGray.Rows() || blurred.Cols() != m.prevGray.Cols() {
		blurred.CopyTo(&m.prevGray)
		m.initialized = true
		return false, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, m.prevGray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, DiffThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(thresh)) / float64(thresh.Rows()*thresh.Cols()) * 100.0
	blurred.CopyTo(&m.prevGray)

	return changed > m.threshold, changed
}

// Reset drops the baseline frame.
func (m *MotionDetector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
}

func (m *MotionDetector) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevGray.Close()
	m.prevGray = gocv.NewMat()
	m.initialized = false
}

// idleGate decides the loop rate from recent motion. Without motion for
// timeout the loop runs at idleFPS, otherwise at activeFPS.
type idleGate struct {
	motion     *MotionDetector
	activeFPS  int
	idleFPS    int
	timeout    time.Duration
	lastMotion time.Time
	idle       bool
}

func newIdleGate(threshold float64, activeFPS, idleFPS int, timeout time.Duration) *idleGate {
	return &idleGate{
		motion:     NewMotionDetector(threshold),
		activeFPS:  activeFPS,
		idleFPS:    idleFPS,
		timeout:    timeout,
		lastMotion: time.Now(),
	}
}

// observe feeds one frame and returns the fps the loop should run at and
// whether that changed.
func (g *idleGate) observe(frame *gocv.Mat, now time.Time) (int, bool) {
	moving, _ := g.motion.Detect(frame)
	if moving {
		g.lastMotion = now
	}

	wasIdle := g.idle
	g.idle = now.Sub(g.lastMotion) > g.timeout
	if g.idle {
		return g.idleFPS, !wasIdle
	}
	return g.activeFPS, wasIdle
}

func (g *idleGate) close() {
	g.motion.Close()
}
