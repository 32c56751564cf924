// Package app wires the capture loop, hand detector, overlay renderer and
// letter classifier together and keeps the user visible state.
package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/handwave/internal/capture"
	"github.com/ayusman/handwave/internal/classifier"
	"github.com/ayusman/handwave/internal/detector"
	"github.com/ayusman/handwave/internal/lazy"
	"github.com/ayusman/handwave/internal/logger"
	"github.com/ayusman/handwave/internal/overlay"
)

// Layer is an overlay canvas that can be encoded for the viewer.
type Layer interface {
	overlay.Canvas
	PNG() ([]byte, error)
}

// Config holds the collaborators of an App.
type Config struct {
	Camera  capture.Camera
	Capture capture.Options

	Detector *detector.Adapter
	// Classifier is optional. Without it the app only detects and draws.
	Classifier *classifier.Classifier
	Layer      Layer

	Log *logrus.Entry
}

// App is the composition root. It holds no logic beyond sequencing.
type App struct {
	config     Config
	session    string
	log        *logrus.Entry
	source     *capture.Source
	detector   *detector.Adapter
	classifier *classifier.Classifier
	renderer   *overlay.Renderer
	layer      Layer
	drawMu     sync.Mutex
	display    *Display
	status     *statusMachine

	enabled  atomic.Bool
	loadGen  atomic.Uint64
	reloadCh chan struct{}
	loaders  sync.WaitGroup

	mu     sync.RWMutex
	runCtx context.Context
}

func New(config Config) (*App, error) {
	if config.Camera == nil {
		return nil, errors.New("app: no camera")
	}
	if config.Detector == nil {
		return nil, errors.New("app: no detector")
	}
	if config.Layer == nil {
		return nil, errors.New("app: no overlay layer")
	}

	session := uuid.NewString()
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("session", session)

	src := capture.NewSource(config.Camera, config.Capture)
	opts := src.Options()

	a := &App{
		config:     config,
		session:    session,
		log:        log,
		source:     src,
		detector:   config.Detector,
		classifier: config.Classifier,
		renderer:   overlay.NewRenderer(config.Layer),
		layer:      config.Layer,
		display:    NewDisplay(session, opts.Width, opts.Height),
		reloadCh:   make(chan struct{}, 1),
	}
	a.status = newStatusMachine(log.WithField("component", "status"), func(_, to string) {
		if to == StatusLoading || to == StatusReady {
			a.display.SetStatus(to, "")
			return
		}
		a.display.SetStatus(to, a.display.Snapshot().Error)
	})
	a.enabled.Store(true)
	return a, nil
}

// Run drives the pipeline until ctx is cancelled. A denied camera leaves the
// app in the denied status until Reload asks for another attempt.
func (a *App) Run(ctx context.Context) error {
	ctx = logger.WithLogEntry(ctx, a.log)
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.log.Info("pipeline starting")
	a.startLoading(ctx)

	defer a.shutdown()

	for {
		err := a.source.Run(ctx, a.handleFrame)

		var pe *capture.PermissionError
		switch {
		case errors.As(err, &pe):
			a.display.SetStatus(a.display.Snapshot().Status, pe.Error())
			a.status.fire(EventCameraDenied)
		case err != nil:
			return err
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.reloadCh:
			a.log.Info("retrying camera")
		}
	}
}

func (a *App) shutdown() {
	a.loaders.Wait()
	a.status.fire(EventStop)
	if err := a.detector.Close(); err != nil {
		a.log.WithError(err).Warn("closing detector")
	}
	if a.classifier != nil {
		a.classifier.Close()
	}
	st := a.source.Stats()
	a.log.WithFields(logrus.Fields{
		"dispatched": st.Dispatched,
		"dropped":    st.Dropped,
		"stale":      a.display.Stale(),
	}).Info("pipeline stopped")
}

// startLoading warms the detector and loads the classifier in the
// background. The status becomes ready once both are loaded and degraded,
// with the error shown, as soon as either fails. Results of a load
// superseded by Reload are ignored.
func (a *App) startLoading(ctx context.Context) {
	gen := a.loadGen.Add(1)

	var (
		mu      sync.Mutex
		pending = 2
		failed  []string
	)
	finish := func(failEvent string, err error) {
		if gen != a.loadGen.Load() || isCancel(err) {
			return
		}
		mu.Lock()
		pending--
		if err != nil {
			failed = append(failed, err.Error())
		}
		left, msg := pending, strings.Join(failed, "; ")
		mu.Unlock()

		switch {
		case err != nil:
			a.display.SetStatus(a.display.Snapshot().Status, msg)
			a.status.fire(failEvent)
		case left == 0 && msg == "":
			a.status.fire(EventModelsLoaded)
		}
	}

	a.loaders.Add(2)
	go func() {
		defer a.loaders.Done()
		_, err := a.detector.EnsureInitialized(ctx)
		if err != nil && !isCancel(err) {
			a.log.WithError(err).Error("hand detector failed to load")
		}
		finish(EventDetectorFailed, err)
	}()

	go func() {
		defer a.loaders.Done()
		if a.classifier == nil {
			finish(EventClassifierFailed, nil)
			return
		}
		finish(EventClassifierFailed, a.classifier.Load(ctx))
	}()
}

func isCancel(err error) bool {
	return errors.Is(err, lazy.ErrReset) || errors.Is(err, context.Canceled)
}

// Reload drops the detector and classifier handles, including a sticky
// load failure, and loads them again. A denied camera is tried again.
func (a *App) Reload(ctx context.Context) error {
	a.mu.RLock()
	runCtx := a.runCtx
	a.mu.RUnlock()
	if runCtx == nil {
		return errors.New("app is not running")
	}
	if runCtx.Err() != nil {
		return errors.Wrap(runCtx.Err(), "app stopped")
	}

	a.log.Info("reload requested")
	denied := a.status.current() == StatusDenied
	a.detector.Reset()
	if a.classifier != nil {
		a.classifier.Reset()
	}
	a.display.ClearPrediction()
	a.status.fire(EventReload)
	a.startLoading(runCtx)

	// only a denied camera is waiting for a retry
	if denied {
		select {
		case a.reloadCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetEnabled pauses or resumes frame processing. Capture keeps running.
func (a *App) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	a.display.SetEnabled(enabled)
}

// IsEnabled returns whether frames are being processed.
func (a *App) IsEnabled() bool {
	return a.enabled.Load()
}

func (a *App) Session() string     { return a.session }
func (a *App) Display() *Display    { return a.display }
func (a *App) Status() string       { return a.status.current() }
func (a *App) Stats() capture.Stats { return a.source.Stats() }

// Ready reports whether both models are loaded.
func (a *App) Ready() bool {
	if !a.detector.Ready() {
		return false
	}
	return a.classifier == nil || a.classifier.Ready()
}
