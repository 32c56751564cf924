package classifier

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

type testLayer struct {
	name   string
	act    string
	kernel [][]float32 // [in][out]
	bias   []float32
}

// writeTFJS stores a sequential Dense model as model.json plus one shard
// under dir, the way the TF.js converter lays it out.
func writeTFJS(t *testing.T, dir string, layers []testLayer, labels []string) {
	t.Helper()

	var cfgLayers []map[string]interface{}
	var specs []map[string]interface{}
	var shard []byte
	put := func(vals []float32) {
		for _, v := range vals {
			shard = binary.LittleEndian.AppendUint32(shard, math32.Float32bits(v))
		}
	}

	cfgLayers = append(cfgLayers, map[string]interface{}{
		"class_name": "InputLayer",
		"config":     map[string]interface{}{"name": "input_1"},
	})
	for i, l := range layers {
		in, out := len(l.kernel), len(l.kernel[0])
		cfgLayers = append(cfgLayers, map[string]interface{}{
			"class_name": "Dense",
			"config":     map[string]interface{}{"name": l.name, "units": out, "activation": l.act},
		})
		if i == 0 {
			cfgLayers = append(cfgLayers, map[string]interface{}{
				"class_name": "Dropout",
				"config":     map[string]interface{}{"name": "dropout", "rate": 0.2},
			})
		}
		specs = append(specs,
			map[string]interface{}{"name": "sequential/" + l.name + "/kernel", "shape": []int{in, out}, "dtype": "float32"},
			map[string]interface{}{"name": "sequential/" + l.name + "/bias", "shape": []int{out}, "dtype": "float32"},
		)
		for _, row := range l.kernel {
			put(row)
		}
		put(l.bias)
	}

	doc := map[string]interface{}{
		"format": "layers-model",
		"modelTopology": map[string]interface{}{
			"class_name": "Sequential",
			"config":     map[string]interface{}{"name": "sequential", "layers": cfgLayers},
		},
		"weightsManifest": []map[string]interface{}{
			{"paths": []string{"group1-shard1of1.bin"}, "weights": specs},
		},
	}

	body, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "model"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model", "model.json"), body, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model", "group1-shard1of1.bin"), shard, 0644))

	if labels != nil {
		lb, err := json.Marshal(labels)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "model", "labels.json"), lb, 0644))
	}
}

func zeros(in, out int) [][]float32 {
	k := make([][]float32, in)
	for i := range k {
		k[i] = make([]float32, out)
	}
	return k
}

// constantModel ignores its input and always scores bias.
func constantModel(bias ...float32) []testLayer {
	return []testLayer{{name: "dense", act: "linear", kernel: zeros(42, len(bias)), bias: bias}}
}
