package classifier

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/ayusman/handwave/internal/assets"
)

// TF.js layers-model documents, reduced to what a stack of Dense layers
// needs.

type tfjsModelJSON struct {
	Format          string             `json:"format"`
	ModelTopology   json.RawMessage    `json:"modelTopology"`
	WeightsManifest []tfjsWeightsGroup `json:"weightsManifest"`
}

type tfjsTopology struct {
	ClassName   string          `json:"class_name"`
	Config      json.RawMessage `json:"config"`
	ModelConfig *tfjsTopology   `json:"model_config"`
}

type tfjsLayer struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name       string `json:"name"`
		Units      int    `json:"units"`
		Activation string `json:"activation"`
		UseBias    *bool  `json:"use_bias"`
	} `json:"config"`
}

type tfjsWeightsGroup struct {
	Paths   []string         `json:"paths"`
	Weights []tfjsWeightSpec `json:"weights"`
}

type tfjsWeightSpec struct {
	Name         string          `json:"name"`
	Shape        []int           `json:"shape"`
	Dtype        string          `json:"dtype"`
	Quantization json.RawMessage `json:"quantization,omitempty"`
}

// denseLayer computes act(x·kernel + bias).
type denseLayer struct {
	name   string
	in     int
	out    int
	kernel *tensor.Dense
	bias   []float32
	act    func([]float32)
}

// tfjsModel evaluates a sequential stack of Dense layers.
type tfjsModel struct {
	layers []denseLayer
}

// LoadTFJS fetches a layers-model model.json and its weight shards.
// Shards are resolved relative to the model.json location.
func LoadTFJS(ctx context.Context, fetcher *assets.Fetcher, ref string) (Model, error) {
	var doc tfjsModelJSON
	if err := fetcher.FetchJSON(ctx, ref, &doc); err != nil {
		return nil, err
	}

	layers, err := parseTopology(doc.ModelTopology)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: err}
	}

	weights := make(map[string][]float32)
	shapes := make(map[string][]int)
	for _, group := range doc.WeightsManifest {
		var buf []byte
		for _, p := range group.Paths {
			shard, err := fetcher.Join(ref, p)
			if err != nil {
				return nil, &assets.LoadError{URL: p, Err: err}
			}
			body, err := fetcher.Fetch(ctx, shard)
			if err != nil {
				return nil, err
			}
			buf = append(buf, body...)
		}
		if err := decodeWeights(group.Weights, buf, weights, shapes); err != nil {
			return nil, &assets.LoadError{URL: ref, Err: err}
		}
	}

	m, err := buildDense(layers, weights, shapes)
	if err != nil {
		return nil, &assets.LoadError{URL: ref, Err: err}
	}
	return m, nil
}

func parseTopology(raw json.RawMessage) ([]tfjsLayer, error) {
	if len(raw) == 0 {
		return nil, errors.New("model.json has no modelTopology")
	}
	var top tfjsTopology
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errors.Wrap(err, "decode modelTopology")
	}
	if top.ModelConfig != nil {
		top = *top.ModelConfig
	}

	// Sequential configs are either {"layers":[...]} or a bare list.
	var layers []tfjsLayer
	var wrapped struct {
		Layers []tfjsLayer `json:"layers"`
	}
	if err := json.Unmarshal(top.Config, &wrapped); err == nil && wrapped.Layers != nil {
		layers = wrapped.Layers
	} else if err := json.Unmarshal(top.Config, &layers); err != nil {
		return nil, errors.Wrap(err, "decode layers")
	}
	if len(layers) == 0 {
		return nil, errors.New("model has no layers")
	}
	return layers, nil
}

func decodeWeights(specs []tfjsWeightSpec, buf []byte, weights map[string][]float32, shapes map[string][]int) error {
	off := 0
	for _, s := range specs {
		if s.Dtype != "" && s.Dtype != "float32" {
			return errors.Errorf("weight %s: unsupported dtype %s", s.Name, s.Dtype)
		}
		if len(s.Quantization) > 0 && string(s.Quantization) != "null" {
			return errors.Errorf("weight %s: quantized weights are not supported", s.Name)
		}
		n := 1
		for _, d := range s.Shape {
			n *= d
		}
		end := off + 4*n
		if end > len(buf) {
			return errors.Errorf("weight %s: shards hold %d bytes, need %d", s.Name, len(buf), end)
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math32.Float32frombits(binary.LittleEndian.Uint32(buf[off+4*i:]))
		}
		weights[s.Name] = vals
		shapes[s.Name] = s.Shape
		off = end
	}
	return nil
}

// lookupWeight finds "<layer>/<kind>", allowing a model scope prefix.
func lookupWeight(weights map[string][]float32, layer, kind string) (string, bool) {
	want := layer + "/" + kind
	if _, ok := weights[want]; ok {
		return want, true
	}
	for name := range weights {
		if strings.HasSuffix(name, "/"+want) {
			return name, true
		}
	}
	return "", false
}

func buildDense(layers []tfjsLayer, weights map[string][]float32, shapes map[string][]int) (*tfjsModel, error) {
	m := &tfjsModel{}
	prevOut := -1
	for _, l := range layers {
		switch l.ClassName {
		case "Dense":
		case "Dropout", "InputLayer", "Flatten":
			continue
		default:
			return nil, errors.Errorf("layer %s: unsupported class %s", l.Config.Name, l.ClassName)
		}

		act, err := activation(l.Config.Activation)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", l.Config.Name)
		}

		kname, ok := lookupWeight(weights, l.Config.Name, "kernel")
		if !ok {
			return nil, errors.Errorf("layer %s: kernel not in weights manifest", l.Config.Name)
		}
		shape := shapes[kname]
		if len(shape) != 2 {
			return nil, errors.Errorf("layer %s: kernel shape %v is not 2-D", l.Config.Name, shape)
		}
		in, out := shape[0], shape[1]
		if l.Config.Units != 0 && l.Config.Units != out {
			return nil, errors.Errorf("layer %s: %d units but kernel has %d outputs", l.Config.Name, l.Config.Units, out)
		}
		if prevOut >= 0 && prevOut != in {
			return nil, errors.Errorf("layer %s: expects %d inputs, previous layer gives %d", l.Config.Name, in, prevOut)
		}

		bias := make([]float32, out)
		if l.Config.UseBias == nil || *l.Config.UseBias {
			bname, ok := lookupWeight(weights, l.Config.Name, "bias")
			if !ok {
				return nil, errors.Errorf("layer %s: bias not in weights manifest", l.Config.Name)
			}
			if len(weights[bname]) != out {
				return nil, errors.Errorf("layer %s: bias has %d values, want %d", l.Config.Name, len(weights[bname]), out)
			}
			copy(bias, weights[bname])
		}

		m.layers = append(m.layers, denseLayer{
			name:   l.Config.Name,
			in:     in,
			out:    out,
			kernel: tensor.New(tensor.WithShape(in, out), tensor.WithBacking(weights[kname])),
			bias:   bias,
			act:    act,
		})
		prevOut = out
	}
	if len(m.layers) == 0 {
		return nil, errors.New("model has no Dense layers")
	}
	return m, nil
}

func (m *tfjsModel) Inputs() int  { return m.layers[0].in }
func (m *tfjsModel) Outputs() int { return m.layers[len(m.layers)-1].out }

// Predict runs one row through every layer. Intermediate tensors go back to
// the tensor pool on every return path.
func (m *tfjsModel) Predict(in []float32) ([]float32, error) {
	if len(in) != m.Inputs() {
		return nil, errors.Errorf("input has %d features, model expects %d", len(in), m.Inputs())
	}

	var scope []*tensor.Dense
	defer func() {
		for _, t := range scope {
			tensor.ReturnTensor(t)
		}
	}()

	x := tensor.New(tensor.WithShape(1, len(in)), tensor.WithBacking(append([]float32(nil), in...)))
	scope = append(scope, x)
	for _, l := range m.layers {
		y, err := x.MatMul(l.kernel)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", l.name)
		}
		scope = append(scope, y)

		row, ok := y.Data().([]float32)
		if !ok || len(row) != l.out {
			return nil, errors.Errorf("layer %s: unexpected output %v", l.name, y.Shape())
		}
		for j := range row {
			row[j] += l.bias[j]
		}
		l.act(row)
		x = y
	}

	return append([]float32(nil), x.Data().([]float32)...), nil
}

func (m *tfjsModel) Close() error { return nil }

func activation(name string) (func([]float32), error) {
	switch name {
	case "", "linear":
		return func([]float32) {}, nil
	case "relu":
		return func(v []float32) {
			for i := range v {
				if v[i] < 0 {
					v[i] = 0
				}
			}
		}, nil
	case "sigmoid":
		return func(v []float32) {
			for i := range v {
				v[i] = 1 / (1 + math32.Exp(-v[i]))
			}
		}, nil
	case "tanh":
		return func(v []float32) {
			for i := range v {
				v[i] = math32.Tanh(v[i])
			}
		}, nil
	case "softmax":
		return softmax, nil
	}
	return nil, errors.Errorf("unsupported activation %q", name)
}

func softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	var sum float32
	for i := range v {
		v[i] = math32.Exp(v[i] - max)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
