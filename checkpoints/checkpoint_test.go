package checkpoints

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vjepa/layers"
)

func testBundle() *Checkpoint {
	return &Checkpoint{
		Model: []WeightTensor{
			{Name: "predictor.0.weight", Shape: []int{2, 3}, Data: []float32{0.1, -0.2, 0.3, 1e-7, float32(math.Pi), -42.5}},
			{Name: "predictor.0.bias", Shape: []int{3}, Data: []float32{0, 1.0 / 3, -1.0 / 7}},
		},
		Optimizer: &OptimizerState{
			Type: "SGD",
			Parameters: map[string]interface{}{
				"learning_rate": float32(0.01),
				"momentum":      float32(0.9),
				"step_count":    uint64(120),
			},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, StateType: "momentum"},
			},
		},
		Scheduler:    &SchedulerState{Type: "step", StepCount: 5, BaseLR: 0.01, CurrentLR: 0.001},
		Epoch:        5,
		BestAccuracy: 0.8,
		Metadata:     NewMetadata("", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".msgpack"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint_epoch_5"+ext)
			want := testBundle()
			require.NoError(t, Save(path, want))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, FormatVersion, got.Version)
			assert.Equal(t, want.Model, got.Model)
			assert.Equal(t, want.Optimizer.StateData, got.Optimizer.StateData)
			assert.Equal(t, want.Optimizer.Type, got.Optimizer.Type)
			assert.Equal(t, *want.Scheduler, *got.Scheduler)
			assert.Equal(t, 5, got.Epoch)
			assert.Equal(t, 0.8, got.BestAccuracy)
			assert.Equal(t, want.Metadata.RunID, got.Metadata.RunID)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
		})
	}
}

func bits(values []float32) []uint32 {
	out := make([]uint32, len(values))
	for i, v := range values {
		out[i] = math.Float32bits(v)
	}
	return out
}

func TestNonFiniteValuesRoundTrip(t *testing.T) {
	nan, inf := float32(math.NaN()), float32(math.Inf(1))
	weights := []float32{1, nan, inf, -inf, -0.25, 3e38}
	momentum := []float32{nan, 2, -inf, 4, inf, 6}

	for _, ext := range []string{".json", ".msgpack"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			bundle := testBundle()
			bundle.Model[0].Data = weights
			bundle.Optimizer.StateData[0].Data = momentum

			path := filepath.Join(dir, "checkpoint_epoch_5"+ext)
			require.NoError(t, Save(path, bundle))
			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, bits(weights), bits(got.Model[0].Data))
			assert.Equal(t, bits(momentum), bits(got.Optimizer.StateData[0].Data))
			assert.Equal(t, bundle.Model[1].Data, got.Model[1].Data)

			wpath := filepath.Join(dir, "model"+ext)
			require.NoError(t, SaveWeights(wpath, &WeightsFile{Model: bundle.Model}))
			w, err := LoadWeights(wpath)
			require.NoError(t, err)
			assert.Equal(t, bits(weights), bits(w.Model[0].Data))
		})
	}
}

func TestJSONNonFiniteEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	w := &WeightsFile{Model: []WeightTensor{{Name: "x", Shape: []int{4}, Data: []float32{0.5, float32(math.NaN()), float32(math.Inf(-1)), float32(math.Inf(1))}}}}
	require.NoError(t, SaveWeights(path, w))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"NaN"`)
	assert.Contains(t, string(raw), `"-Inf"`)

	bad := []byte(`{"version":1,"model":[{"name":"x","shape":[1],"data":["oops"]}],"metadata":{}}`)
	require.NoError(t, os.WriteFile(path, bad, 0o644))
	_, err = LoadWeights(path)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_2024-01-01-00-00-00")
	require.NoError(t, SaveWeights(path, &WeightsFile{Model: testBundle().Model}))
	require.NoError(t, SaveWeights(path, &WeightsFile{Model: testBundle().Model}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model_2024-01-01-00-00-00", entries[0].Name())
}

func TestLoadWeightsAcceptsBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, Save(path, testBundle()))

	w, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, testBundle().Model, w.Model)
}

func TestLoadRejectsWeightsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, SaveWeights(path, &WeightsFile{Model: testBundle().Model}))

	_, err := Load(path)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, ErrNotResumable)
	assert.Equal(t, path, loadErr.Path)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	_, err = LoadWeights(corrupt)
	assert.ErrorAs(t, err, &loadErr)

	corruptMsgpack := filepath.Join(dir, "corrupt.msgpack")
	require.NoError(t, os.WriteFile(corruptMsgpack, []byte{0xc1, 0x00}, 0o644))
	_, err = LoadWeights(corruptMsgpack)
	assert.ErrorAs(t, err, &loadErr)

	wrongVersion := filepath.Join(dir, "v9.json")
	require.NoError(t, os.WriteFile(wrongVersion, []byte(`{"version": 9, "model": []}`), 0o644))
	_, err = LoadWeights(wrongVersion)
	assert.ErrorAs(t, err, &loadErr)

	badShape := filepath.Join(dir, "shape.json")
	require.NoError(t, os.WriteFile(badShape, []byte(`{"version": 1, "model": [{"name": "w", "shape": [2, 2], "data": [1, 2, 3]}]}`), 0o644))
	_, err = LoadWeights(badShape)
	assert.ErrorAs(t, err, &loadErr)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"version": 1, "model": []}`), 0o644))
	_, err = LoadWeights(empty)
	assert.ErrorAs(t, err, &loadErr)
}

func TestFormatSelection(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFromPath("model_2024-01-01-00-00-00"))
	assert.Equal(t, FormatJSON, FormatFromPath("a/b.json"))
	assert.Equal(t, FormatMsgpack, FormatFromPath("a/b.MSGPACK"))
	assert.Equal(t, FormatONNX, FormatFromPath("b.onnx"))

	f, err := ParseFormat("msgpack")
	require.NoError(t, err)
	assert.Equal(t, ".msgpack", f.Extension())
	_, err = ParseFormat("pickle")
	assert.Error(t, err)

	assert.Error(t, Save(filepath.Join(t.TempDir(), "x.onnx"), testBundle()))
}

func TestONNXRoundTrip(t *testing.T) {
	f := layers.NewFactory()
	spec, err := layers.NewModelBuilder([]int{1, 2}).
		AddLayer(f.CreateDenseSpec(2, 3, true, "predictor.0")).
		AddLayer(f.CreateReLUSpec("predictor.1")).
		Compile()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "predictor.onnx")
	w := &WeightsFile{Model: testBundle().Model, Metadata: NewMetadata("run-1", time.Now())}
	require.NoError(t, ExportONNX(path, w, spec))

	got, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, w.Model, got.Model)
	assert.Equal(t, Framework, got.Metadata.Framework)
	assert.Equal(t, "run-1", got.Metadata.RunID)

	// weights only, no graph
	plain := filepath.Join(t.TempDir(), "weights.onnx")
	require.NoError(t, SaveWeights(plain, &WeightsFile{Model: w.Model}))
	got, err = LoadWeights(plain)
	require.NoError(t, err)
	assert.Equal(t, w.Model, got.Model)
}

func TestONNXExportMissingInitializer(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 4}).AddLayer(layers.NewFactory().CreateDenseSpec(4, 2, true, "head")).Compile()
	require.NoError(t, err)
	err = ExportONNX(filepath.Join(t.TempDir(), "m.onnx"), &WeightsFile{Model: testBundle().Model}, spec)
	assert.Error(t, err)
}

func TestImportONNXCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.onnx")
	require.NoError(t, os.WriteFile(path, []byte{0x0a, 0xff}, 0o644))
	_, err := ImportONNX(path)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}
