package app

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/handwave/internal/assets"
	"github.com/ayusman/handwave/internal/capture"
	"github.com/ayusman/handwave/internal/detector"
)

// fakeLayer records renders without touching OpenCV.
type fakeLayer struct {
	mu      sync.Mutex
	clears  int
	circles int
}

func (l *fakeLayer) Size() image.Point { return image.Pt(640, 480) }
func (l *fakeLayer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clears++
}
func (l *fakeLayer) FillCircle(image.Point, int, color.RGBA) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.circles++
}
func (l *fakeLayer) PNG() ([]byte, error) { return []byte("png"), nil }

func (l *fakeLayer) renders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears
}

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Camera: capture.NewMockCamera(nil, false)})
	assert.Error(t, err)

	a, err := New(Config{
		Camera:   capture.NewMockCamera(nil, false),
		Detector: detector.NewAdapter(detector.NewMockDetector().Factory()),
		Layer:    &fakeLayer{},
		Log:      testLog(t),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Session())
	assert.Equal(t, StatusLoading, a.Status())
	assert.True(t, a.IsEnabled())
	a.SetEnabled(false)
	assert.False(t, a.Display().Snapshot().Enabled, "pause is visible to every surface")
	a.SetEnabled(true)

	snap := a.Display().Snapshot()
	assert.Equal(t, a.Session(), snap.Session)
	assert.Equal(t, 640, snap.Width)
	assert.Equal(t, 480, snap.Height)
}

func TestApp_PermissionDenied(t *testing.T) {
	cam := capture.NewMockCamera(nil, true)
	cam.FailOpen(errors.New("NotAllowedError: Permission denied"))
	mock := detector.NewMockDetector()
	layer := &fakeLayer{}

	a, err := New(Config{
		Camera:   cam,
		Capture:  capture.DefaultOptions(),
		Detector: detector.NewAdapter(mock.Factory()),
		Layer:    layer,
		Log:      testLog(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status() == StatusDenied }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StatusDenied, a.Status(), "no automatic retry")
	assert.Equal(t, 1, cam.Opens())
	assert.Zero(t, mock.Calls(), "no frame reaches the detector")
	assert.Zero(t, layer.renders(), "nothing is drawn")

	snap := a.Display().Snapshot()
	assert.Equal(t, StatusDenied, snap.Status)
	assert.Contains(t, snap.Error, "NotAllowedError")
	assert.False(t, snap.HasPrediction())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StatusStopped, a.Status())
}

func TestApp_ReloadRetriesDeniedCamera(t *testing.T) {
	cam := capture.NewMockCamera(nil, true)
	cam.FailOpen(errors.New("NotAllowedError"))

	a, err := New(Config{
		Camera:   cam,
		Capture:  capture.Options{FPS: 60},
		Detector: detector.NewAdapter(detector.NewMockDetector().Factory()),
		Layer:    &fakeLayer{},
		Log:      testLog(t),
	})
	require.NoError(t, err)
	assert.Error(t, a.Reload(context.Background()), "reload before Run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status() == StatusDenied }, 2*time.Second, 5*time.Millisecond)

	cam.FailOpen(nil)
	require.NoError(t, a.Reload(context.Background()))

	require.Eventually(t, func() bool { return a.Status() == StatusReady }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, cam.IsOpen, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, cam.Opens())
	assert.Empty(t, a.Display().Snapshot().Error)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, cam.IsOpen())
}

func TestApp_ClassifierFailureDegrades(t *testing.T) {
	dir := t.TempDir()
	clf := newFixedClassifier(t, dir, nil, []float32{0.2, 0.8})

	a, err := New(Config{
		Camera:     capture.NewMockCamera(nil, true),
		Capture:    capture.Options{FPS: 60},
		Detector:   detector.NewAdapter(detector.NewMockDetector().Factory()),
		Classifier: clf,
		Layer:      &fakeLayer{},
		Log:        testLog(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status() == StatusDegraded }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, a.Display().Snapshot().Error, "labels.json")
	assert.False(t, a.Ready())

	writeLabels(t, dir, "no", "yes")
	require.NoError(t, a.Reload(context.Background()))
	require.Eventually(t, func() bool { return a.Status() == StatusReady }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, a.Ready, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestApp_DetectorFailureDegrades(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	mock := detector.NewMockDetector()
	factory := func(ctx context.Context) (detector.Detector, error) {
		if broken.Load() {
			return nil, &assets.LoadError{URL: "hand_landmarker.task", Err: errors.New("404 Not Found")}
		}
		return mock.Factory()(ctx)
	}

	a, err := New(Config{
		Camera:     capture.NewMockCamera(nil, true),
		Capture:    capture.Options{FPS: 60},
		Detector:   detector.NewAdapter(factory),
		Classifier: newFixedClassifier(t, t.TempDir(), []string{"A", "B"}, []float32{0.2, 0.8}),
		Layer:      &fakeLayer{},
		Log:        testLog(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status() == StatusDegraded }, 2*time.Second, 5*time.Millisecond)
	// the classifier loading fine afterwards must not hide the failure
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusDegraded, a.Status())
	snap := a.Display().Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Contains(t, snap.Error, "hand_landmarker.task")
	assert.False(t, a.Ready())

	broken.Store(false)
	require.NoError(t, a.Reload(context.Background()))
	require.Eventually(t, func() bool { return a.Status() == StatusReady }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, a.Display().Snapshot().Error)
	assert.True(t, a.Ready())

	cancel()
	require.NoError(t, <-done)
}

func TestApp_ReloadWithHealthyCameraQueuesNoRetry(t *testing.T) {
	cam := capture.NewMockCamera(nil, true)
	a, err := New(Config{
		Camera:   cam,
		Capture:  capture.Options{FPS: 60},
		Detector: detector.NewAdapter(detector.NewMockDetector().Factory()),
		Layer:    &fakeLayer{},
		Log:      testLog(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status() == StatusReady }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, cam.IsOpen, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Reload(context.Background()))
	require.Eventually(t, func() bool { return a.Status() == StatusReady }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, len(a.reloadCh), "no camera retry is pending")
	assert.Equal(t, 1, cam.Opens())

	cancel()
	require.NoError(t, <-done)
}
