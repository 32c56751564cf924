package classifier

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/ayusman/handwave/internal/assets"
)

// ONNXOptions select the graph inputs and the runtime library.
type ONNXOptions struct {
	// InputName and OutputName default to the first graph input and output.
	InputName  string
	OutputName string
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath string
}

var ortMu sync.Mutex

// ErrModelClosed is returned by Predict on a closed model.
var ErrModelClosed = errors.New("model closed")

// initONNXRuntime sets up the process wide runtime environment once.
func initONNXRuntime(lib string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	return errors.Wrap(ort.InitializeEnvironment(), "initialize onnxruntime")
}

// onnxModel wraps a dynamic session taking a [1, N] float32 input and
// producing a [1, C] float32 output.
type onnxModel struct {
	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
	inputs  int64
	outputs int64
}

// LoadONNX fetches an .onnx graph and opens a session on it.
func LoadONNX(ctx context.Context, fetcher *assets.Fetcher, ref string, opts ONNXOptions) (Model, error) {
	body, err := fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := initONNXRuntime(opts.LibraryPath); err != nil {
		return nil, &assets.LoadError{URL: ref, Err: err}
	}

	ins, outs, err := ort.GetInputOutputInfoWithONNXData(body)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: errors.Wrap(err, "read graph io")}
	}
	in, err := pickIO(ins, opts.InputName)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: errors.Wrap(err, "input")}
	}
	out, err := pickIO(outs, opts.OutputName)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: errors.Wrap(err, "output")}
	}

	m := &onnxModel{
		inputs:  lastDim(in.Dimensions),
		outputs: lastDim(out.Dimensions),
	}
	if m.outputs <= 0 {
		return nil, &assets.LoadError{URL: ref, Err: errors.Errorf("output %s has no fixed class dimension: %v", out.Name, out.Dimensions)}
	}

	m.session, err = ort.NewDynamicAdvancedSessionWithONNXData(body, []string{in.Name}, []string{out.Name}, nil)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: errors.Wrap(err, "create session")}
	}
	return m, nil
}

func pickIO(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, errors.New("graph declares none")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, errors.Errorf("graph has no %q", name)
}

func lastDim(s ort.Shape) int64 {
	if len(s) == 0 {
		return -1
	}
	return s[len(s)-1]
}

// Predict allocates the input and output tensors for this call only and
// destroys both before returning.
func (m *onnxModel) Predict(features []float32) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrModelClosed
	}
	if m.inputs > 0 && int64(len(features)) != m.inputs {
		return nil, errors.Errorf("input has %d features, model expects %d", len(features), m.inputs)
	}

	in, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), append([]float32(nil), features...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, m.outputs))
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, errors.Wrap(err, "run session")
	}

	return append([]float32(nil), out.GetData()...), nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

func (m *onnxModel) Outputs() int { return int(m.outputs) }
