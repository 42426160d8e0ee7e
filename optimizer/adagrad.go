package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vjepa/tensor"
)

// AdaGradOptimizerState implements AdaGrad
type AdaGradOptimizerState struct {
	LearningRate float32
	Epsilon      float32
	WeightDecay  float32

	// Sum of squared gradients per parameter
	SquaredGradSum [][]float32

	StepCount uint64

	params
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

func NewAdaGradOptimizer(config AdaGradConfig, ps []*tensor.Tensor) (*AdaGradOptimizerState, error) {
	if err := validateParams(ps); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	a := &AdaGradOptimizerState{
		LearningRate:   config.LearningRate,
		Epsilon:        config.Epsilon,
		WeightDecay:    config.WeightDecay,
		SquaredGradSum: make([][]float32, len(ps)),
		params:         ps,
	}
	for i, p := range ps {
		a.SquaredGradSum[i] = make([]float32, p.NumElems)
	}
	return a, nil
}

func (a *AdaGradOptimizerState) Step() error {
	for i, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient of parameter %d has %d elements, expected %d", i, grad.NumElems, p.NumElems)
		}
		sum := a.SquaredGradSum[i]
		for j, g := range grad.Data {
			g += a.WeightDecay * p.Data[j]
			sum[j] += g * g
			p.Data[j] -= a.LearningRate * g / (float32(math.Sqrt(float64(sum[j]))) + a.Epsilon)
		}
	}
	a.StepCount++
	return nil
}

func (a *AdaGradOptimizerState) UpdateLearningRate(newLR float32) { a.LearningRate = newLR }
func (a *AdaGradOptimizerState) GetLearningRate() float32        { return a.LearningRate }
func (a *AdaGradOptimizerState) GetStepCount() uint64            { return a.StepCount }

func (a *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": a.LearningRate,
			"epsilon":       a.Epsilon,
			"weight_decay":  a.WeightDecay,
			"step_count":    a.StepCount,
		},
		StateData: extractBuffers(a.SquaredGradSum, a.shapes(), "squared_grad_sum"),
	}, nil
}

func (a *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	sizes := sizesOf(a.shapes())
	sums := make([][]float32, len(a.params))
	if err := restoreBuffers(sums, sizes, state.StateData, "squared_grad_sum"); err != nil {
		return err
	}
	for i := range sums {
		if sums[i] == nil {
			sums[i] = make([]float32, sizes[i])
		}
	}

	a.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.LearningRate)
	a.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.Epsilon)
	a.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.WeightDecay)
	a.StepCount = extractUint64Param(state.Parameters, "step_count", a.StepCount)
	a.SquaredGradSum = sums
	return nil
}
