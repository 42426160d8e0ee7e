package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/tensor"
)

// param returns a trainable [2] tensor {1, 2} with gradient {0.5, -1}.
func param(t *testing.T) *tensor.Tensor {
	t.Helper()
	p := tensor.MustNew([]int{2}, []float32{1, 2})
	p.SetRequiresGrad(true)
	p.SetGrad(tensor.MustNew([]int{2}, []float32{0.5, -1}))
	return p
}

func TestNewSelectsOptimizer(t *testing.T) {
	tests := []struct {
		typ  string
		want interface{}
	}{
		{"", &SGDOptimizerState{}},
		{"SGD", &SGDOptimizerState{}},
		{"adam", &AdamOptimizerState{}},
		{"rmsprop", &RMSPropOptimizerState{}},
		{"adagrad", &AdaGradOptimizerState{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			opt, err := New(Config{Type: tt.typ, LearningRate: 0.01}, []*tensor.Tensor{param(t)})
			require.NoError(t, err)
			assert.IsType(t, tt.want, opt)
			assert.InDelta(t, 0.01, opt.GetLearningRate(), 1e-9)
		})
	}

	_, err := New(Config{Type: "lion"}, []*tensor.Tensor{param(t)})
	assert.Error(t, err)
}

func TestValidateParams(t *testing.T) {
	_, err := NewSGDOptimizer(DefaultSGDConfig(), nil)
	assert.Error(t, err)

	frozen := tensor.MustNew([]int{1}, []float32{1})
	_, err = NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{frozen})
	assert.Error(t, err)

	_, err = NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{nil})
	assert.Error(t, err)
}

func TestSGDConfigValidation(t *testing.T) {
	ps := []*tensor.Tensor{param(t)}
	cases := map[string]SGDConfig{
		"negative lr":        {LearningRate: -1},
		"negative momentum":  {LearningRate: 0.1, Momentum: -0.1},
		"momentum above one": {LearningRate: 0.1, Momentum: 1.5},
		"negative decay":     {LearningRate: 0.1, WeightDecay: -1},
		"nesterov no moment": {LearningRate: 0.1, Nesterov: true},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSGDOptimizer(cfg, ps)
			assert.Error(t, err)
		})
	}
}

func TestSGDStep(t *testing.T) {
	p := param(t)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, []*tensor.Tensor{p})
	require.NoError(t, err)

	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Data, 1e-6)
	assert.Equal(t, uint64(1), sgd.GetStepCount())
}

func TestSGDMomentum(t *testing.T) {
	p := param(t)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*tensor.Tensor{p})
	require.NoError(t, err)

	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Data, 1e-6)

	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.855, 2.29}, p.Data, 1e-5)
}

func TestSGDSkipsParametersWithoutGrad(t *testing.T) {
	p := param(t)
	p.SetGrad(nil)
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{p})
	require.NoError(t, err)

	require.NoError(t, sgd.Step())
	assert.Equal(t, []float32{1, 2}, p.Data)
	assert.Nil(t, sgd.MomentumBuffers[0])
}

func TestZeroGrad(t *testing.T) {
	p := param(t)
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{p})
	require.NoError(t, err)

	sgd.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Grad().Data)
}

// Adaptive optimizers move each weight by lr·sign(g) on their first step.
func TestAdaptiveFirstStep(t *testing.T) {
	tests := []struct {
		name string
		make func(ps []*tensor.Tensor) (Optimizer, error)
	}{
		{"adam", func(ps []*tensor.Tensor) (Optimizer, error) {
			c := DefaultAdamConfig()
			c.LearningRate = 0.1
			return NewAdamOptimizer(c, ps)
		}},
		{"adagrad", func(ps []*tensor.Tensor) (Optimizer, error) {
			c := DefaultAdaGradConfig()
			c.LearningRate = 0.1
			return NewAdaGradOptimizer(c, ps)
		}},
		{"rmsprop", func(ps []*tensor.Tensor) (Optimizer, error) {
			c := DefaultRMSPropConfig()
			c.LearningRate = 0.01
			return NewRMSPropOptimizer(c, ps)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := param(t)
			opt, err := tt.make([]*tensor.Tensor{p})
			require.NoError(t, err)
			require.NoError(t, opt.Step())
			assert.InDeltaSlice(t, []float32{0.9, 2.1}, p.Data, 1e-4)
			assert.Equal(t, uint64(1), opt.GetStepCount())
		})
	}
}

func TestAdamConfigValidation(t *testing.T) {
	ps := []*tensor.Tensor{param(t)}
	bad := []AdamConfig{
		{LearningRate: -0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 1.2, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	}
	for _, cfg := range bad {
		_, err := NewAdamOptimizer(cfg, ps)
		assert.Error(t, err)
	}
}

func TestUpdateLearningRate(t *testing.T) {
	opt, err := New(Config{Type: "adam", LearningRate: 0.1}, []*tensor.Tensor{param(t)})
	require.NoError(t, err)
	opt.UpdateLearningRate(0.01)
	assert.InDelta(t, 0.01, opt.GetLearningRate(), 1e-9)
}

type codec struct {
	name      string
	marshal   func(v interface{}) ([]byte, error)
	unmarshal func(data []byte, v interface{}) error
}

var codecs = []codec{
	{"json", json.Marshal, json.Unmarshal},
	{"msgpack", msgpack.Marshal, msgpack.Unmarshal},
}

// Two optimizers that start from the same state must take identical steps.
func TestStateRoundTrip(t *testing.T) {
	configs := []Config{
		{Type: "sgd", LearningRate: 0.1, Momentum: 0.9, WeightDecay: 0.01},
		{Type: "adam", LearningRate: 0.05},
		{Type: "rmsprop", LearningRate: 0.01, Momentum: 0.5},
		{Type: "adagrad", LearningRate: 0.1},
	}
	for _, cfg := range configs {
		for _, c := range codecs {
			t.Run(cfg.Type+"/"+c.name, func(t *testing.T) {
				p := param(t)
				opt, err := New(cfg, []*tensor.Tensor{p})
				require.NoError(t, err)
				require.NoError(t, opt.Step())
				require.NoError(t, opt.Step())

				state, err := opt.GetState()
				require.NoError(t, err)
				data, err := c.marshal(state)
				require.NoError(t, err)
				var decoded OptimizerState
				require.NoError(t, c.unmarshal(data, &decoded))

				q := tensor.MustNew([]int{2}, append([]float32(nil), p.Data...))
				q.SetRequiresGrad(true)
				q.SetGrad(tensor.MustNew([]int{2}, []float32{0.5, -1}))
				fresh, err := New(Config{Type: cfg.Type, LearningRate: 1}, []*tensor.Tensor{q})
				require.NoError(t, err)
				require.NoError(t, fresh.LoadState(&decoded))

				assert.Equal(t, opt.GetStepCount(), fresh.GetStepCount())
				assert.InDelta(t, opt.GetLearningRate(), fresh.GetLearningRate(), 1e-9)

				require.NoError(t, opt.Step())
				require.NoError(t, fresh.Step())
				assert.InDeltaSlice(t, p.Data, q.Data, 1e-6)
			})
		}
	}
}

func TestLoadStateRejectsMismatch(t *testing.T) {
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{param(t)})
	require.NoError(t, err)

	assert.Error(t, sgd.LoadState(nil))
	assert.Error(t, sgd.LoadState(&OptimizerState{Type: "Adam"}))

	bad := &OptimizerState{
		Type: "SGD",
		StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_0", Shape: []int{3}, Data: []float32{1, 2, 3}, StateType: "momentum"},
		},
	}
	assert.Error(t, sgd.LoadState(bad))

	outOfRange := &OptimizerState{
		Type: "SGD",
		StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_4", Shape: []int{2}, Data: []float32{1, 2}, StateType: "momentum"},
		},
	}
	assert.Error(t, sgd.LoadState(outOfRange))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("momentum_0"))
	assert.Equal(t, 12, extractBufferIndex("squared_grad_avg_12"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
}

func TestExtractParams(t *testing.T) {
	m := map[string]interface{}{
		"f64":  float64(0.5),
		"f32":  float32(0.25),
		"i8":   int8(3),
		"u64":  uint64(7),
		"neg":  int64(-1),
		"bool": true,
		"str":  "nope",
	}
	assert.Equal(t, float32(0.5), extractFloat32Param(m, "f64", 0))
	assert.Equal(t, float32(0.25), extractFloat32Param(m, "f32", 0))
	assert.Equal(t, float32(3), extractFloat32Param(m, "i8", 0))
	assert.Equal(t, float32(9), extractFloat32Param(m, "str", 9))
	assert.Equal(t, float32(9), extractFloat32Param(m, "missing", 9))

	assert.Equal(t, uint64(7), extractUint64Param(m, "u64", 0))
	assert.Equal(t, uint64(3), extractUint64Param(m, "i8", 0))
	assert.Equal(t, uint64(5), extractUint64Param(m, "neg", 5))

	assert.True(t, extractBoolParam(m, "bool", false))
	assert.True(t, extractBoolParam(m, "str", true))
}
