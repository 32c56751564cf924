package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/handwave/internal/capture"
	"github.com/ayusman/handwave/internal/classifier"
	"github.com/ayusman/handwave/internal/features"
	"github.com/ayusman/handwave/internal/landmark"
)

// handleFrame runs one frame through the pipeline:
// 1. Store the mirrored frame for the viewer
// 2. Detect hands
// 3. Redraw the overlay from the detected hands
// 4. Encode the first hand and classify it when the model is loaded
// 5. Publish, unless a newer frame was published meanwhile
//
// Per-frame failures are logged and the frame is skipped.
func (a *App) handleFrame(ctx context.Context, f *capture.Frame) {
	if !a.IsEnabled() {
		return
	}
	log := a.log.WithField("seq", f.Seq)

	if jpeg, err := encodeJPEG(f.Mat); err != nil {
		log.WithError(err).Warn("encoding video frame")
	} else {
		a.display.PublishVideo(f.Seq, jpeg)
	}

	hands, err := a.detector.Detect(ctx, f.Mat)
	if err != nil {
		if !isCancel(err) {
			log.WithError(err).Warn("hand detection failed, frame skipped")
		}
		return
	}

	png, err := a.draw(hands)
	if err != nil {
		log.WithError(err).Warn("drawing overlay")
	}

	u := Update{Seq: f.Seq, Hands: hands, Overlay: png}
	u.Prediction = a.classify(ctx, log, hands)

	if a.display.Publish(u) {
		log.WithFields(logrus.Fields{
			"hands": len(hands),
			"label": a.display.Snapshot().Label,
		}).Debug("frame published")
	}
}

// draw renders hands onto the shared layer and encodes it.
func (a *App) draw(hands landmark.Set) ([]byte, error) {
	a.drawMu.Lock()
	defer a.drawMu.Unlock()
	a.renderer.Render(hands)
	return a.layer.PNG()
}

// classify returns nil when there is nothing to classify, no model is
// loaded yet, or the prediction failed.
func (a *App) classify(ctx context.Context, log *logrus.Entry, hands landmark.Set) *classifier.Result {
	if a.classifier == nil || !a.classifier.Ready() {
		return nil
	}
	v, ok := features.Encode(hands)
	if !ok {
		return nil
	}
	res, err := a.classifier.Predict(ctx, v)
	if err != nil {
		if !isCancel(err) {
			log.WithError(err).Warn("classification failed")
		}
		return nil
	}
	return &res
}

func encodeJPEG(m *gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *m)
	if err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
