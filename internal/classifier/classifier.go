// Package classifier maps a landmark feature vector to a letter using a
// pre-trained dense network.
package classifier

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/handwave/internal/assets"
	"github.com/ayusman/handwave/internal/features"
	"github.com/ayusman/handwave/internal/lazy"
	"github.com/ayusman/handwave/internal/logger"
)

// Model formats.
const (
	FormatTFJS = "tfjs"
	FormatONNX = "onnx"
)

// Model is a loaded network taking one feature row and returning one score
// per class.
type Model interface {
	Predict(features []float32) ([]float32, error)
	Close() error
}

// Result is the top class of one prediction.
type Result struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Index      int     `json:"index"`
}

// RuntimeError is a failure of a single prediction. The loaded model stays
// usable.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Options locate the model and its label table.
type Options struct {
	ModelURL  string
	LabelsURL string
	// Format is FormatTFJS or FormatONNX. Empty picks by file extension.
	Format string
	ONNX   ONNXOptions
}

// Loader opens a model of one format.
type Loader func(ctx context.Context, fetcher *assets.Fetcher, ref string) (Model, error)

type bundle struct {
	model  Model
	labels Labels
}

// Classifier loads its model and labels on first use and shares them.
type Classifier struct {
	fetcher *assets.Fetcher
	opts    Options
	loader  Loader
	handle  *lazy.Value[*bundle]
}

func New(fetcher *assets.Fetcher, opts Options) (*Classifier, error) {
	format := opts.Format
	if format == "" {
		format = formatOf(opts.ModelURL)
	}

	var loader Loader
	switch format {
	case FormatTFJS:
		loader = LoadTFJS
	case FormatONNX:
		onnx := opts.ONNX
		loader = func(ctx context.Context, f *assets.Fetcher, ref string) (Model, error) {
			return LoadONNX(ctx, f, ref, onnx)
		}
	default:
		return nil, errors.Errorf("unknown model format %q", format)
	}
	return NewWithLoader(fetcher, opts, loader), nil
}

// NewWithLoader uses loader for the model file regardless of its format.
func NewWithLoader(fetcher *assets.Fetcher, opts Options, loader Loader) *Classifier {
	c := &Classifier{fetcher: fetcher, opts: opts, loader: loader}
	c.handle = lazy.New(c.load, func(b *bundle) {
		if err := b.model.Close(); err != nil {
			logrus.WithError(err).Warn("closing classifier model")
		}
	})
	return c
}

func formatOf(ref string) string {
	u := ref
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if strings.EqualFold(path.Ext(u), ".onnx") {
		return FormatONNX
	}
	return FormatTFJS
}

func (c *Classifier) load(ctx context.Context) (*bundle, error) {
	log := logger.Component(ctx, "classifier")

	var (
		model  Model
		labels Labels
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := c.fetcher.Fetch(gctx, c.opts.LabelsURL)
		if err != nil {
			return err
		}
		labels, err = ParseLabels(body)
		if err != nil {
			return &assets.LoadError{URL: c.opts.LabelsURL, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		model, err = c.loader(gctx, c.fetcher, c.opts.ModelURL)
		return err
	})
	err := g.Wait()
	if err != nil {
		if model != nil {
			model.Close()
		}
		var le *assets.LoadError
		if !errors.As(err, &le) {
			err = &assets.LoadError{URL: c.opts.ModelURL, Err: err}
		}
		log.WithError(err).Error("classifier load failed")
		return nil, err
	}

	if sized, ok := model.(interface{ Outputs() int }); ok && sized.Outputs() != len(labels) {
		model.Close()
		err := &assets.LoadError{
			URL: c.opts.LabelsURL,
			Err: errors.Errorf("%d labels for %d model outputs", len(labels), sized.Outputs()),
		}
		log.WithError(err).Error("classifier load failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"model":  c.opts.ModelURL,
		"labels": len(labels),
	}).Info("classifier loaded")
	return &bundle{model: model, labels: labels}, nil
}

// Load fetches the model and labels, once. Concurrent callers share the
// pending load. A failure is an *assets.LoadError and is returned again on
// every call until Reset.
func (c *Classifier) Load(ctx context.Context) error {
	_, err := c.handle.Get(ctx)
	return err
}

// Predict classifies one feature vector, loading the model first if needed.
// A Reset while Predict runs closes the model only after Predict returns.
func (c *Classifier) Predict(ctx context.Context, v features.Vector) (Result, error) {
	b, done, err := c.handle.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer done()

	scores, err := b.model.Predict(v.Slice())
	if err != nil {
		return Result{}, &RuntimeError{Err: err}
	}

	i, p := Argmax(scores)
	if i < 0 {
		return Result{}, &RuntimeError{Err: errors.New("model returned no scores")}
	}
	label, ok := b.labels.Lookup(i)
	if !ok {
		return Result{}, &RuntimeError{Err: errors.Errorf("class %d outside label table of %d", i, len(b.labels))}
	}
	return Result{Label: label, Confidence: p, Index: i}, nil
}

// Ready reports whether a loaded model is available, without blocking.
func (c *Classifier) Ready() bool {
	_, ok := c.handle.Peek()
	return ok
}

// Err returns the sticky load error, if any.
func (c *Classifier) Err() error {
	return c.handle.Err()
}

// Labels returns the label table of the loaded model.
func (c *Classifier) Labels() Labels {
	b, ok := c.handle.Peek()
	if !ok {
		return nil
	}
	return b.labels
}

// Reset drops the loaded model or the sticky error so the next call loads
// again.
func (c *Classifier) Reset() {
	c.handle.Reset()
}

func (c *Classifier) Close() error {
	c.handle.Reset()
	return nil
}
