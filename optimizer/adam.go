package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vjepa/tensor"
)

// AdamOptimizerState implements Adam with bias correction and L2 weight decay.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func NewAdamOptimizer(config AdamConfig, ps []*tensor.Tensor) (*AdamOptimizerState, error) {
	if err := validateParams(ps); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(ps)),
		VarianceBuffers: make([][]float32, len(ps)),
		params:          ps,
	}
	for i, p := range ps {
		adam.MomentumBuffers[i] = make([]float32, p.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float32(float64(adam.LearningRate) / bc1)
	sqrtBC2 := float32(math.Sqrt(bc2))

	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient of parameter %d has %d elements, expected %d", i, grad.NumElems, p.NumElems)
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, g := range grad.Data {
			g += adam.WeightDecay * p.Data[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			denom := float32(math.Sqrt(float64(v[j])))/sqrtBC2 + adam.Epsilon
			p.Data[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	shapes := adam.shapes()
	stateData := extractBuffers(adam.MomentumBuffers, shapes, "momentum")
	stateData = append(stateData, extractBuffers(adam.VarianceBuffers, shapes, "variance")...)
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	sizes := sizesOf(adam.shapes())
	m := make([][]float32, len(adam.params))
	v := make([][]float32, len(adam.params))
	if err := restoreBuffers(m, sizes, state.StateData, "momentum"); err != nil {
		return err
	}
	if err := restoreBuffers(v, sizes, state.StateData, "variance"); err != nil {
		return err
	}
	for i := range m {
		if m[i] == nil {
			m[i] = make([]float32, sizes[i])
		}
		if v[i] == nil {
			v[i] = make([]float32, sizes[i])
		}
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)
	adam.MomentumBuffers = m
	adam.VarianceBuffers = v
	return nil
}
