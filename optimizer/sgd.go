package optimizer

import (
	"fmt"

	"github.com/tsawler/go-vjepa/tensor"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay.
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers, allocated lazily on a parameter's first step
	MomentumBuffers [][]float32

	StepCount uint64

	params
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns the default used for video training: momentum 0.9.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, ps []*tensor.Tensor) (*SGDOptimizerState, error) {
	if err := validateParams(ps); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a momentum > 0")
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make([][]float32, len(ps)),
		params:          ps,
	}, nil
}

// Step performs a single SGD optimization step:
//
//	g = grad + wd·w
//	buf = μ·buf + g        (buf = g on the first step)
//	w -= lr·(g + μ·buf)    with Nesterov, else w -= lr·buf
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient of parameter %d has %d elements, expected %d", i, grad.NumElems, p.NumElems)
		}

		if sgd.Momentum == 0 {
			for j, g := range grad.Data {
				g += sgd.WeightDecay * p.Data[j]
				p.Data[j] -= sgd.LearningRate * g
			}
			continue
		}

		buf := sgd.MomentumBuffers[i]
		first := buf == nil
		if first {
			buf = make([]float32, p.NumElems)
			sgd.MomentumBuffers[i] = buf
		}
		for j, g := range grad.Data {
			g += sgd.WeightDecay * p.Data[j]
			if first {
				buf[j] = g
			} else {
				buf[j] = sgd.Momentum*buf[j] + g
			}
			update := buf[j]
			if sgd.Nesterov {
				update = g + sgd.Momentum*buf[j]
			}
			p.Data[j] -= sgd.LearningRate * update
		}
	}
	sgd.StepCount++
	return nil
}

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: extractBuffers(sgd.MomentumBuffers, sgd.shapes(), "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	buffers := make([][]float32, len(sgd.params))
	if err := restoreBuffers(buffers, sizesOf(sgd.shapes()), state.StateData, "momentum"); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	sgd.MomentumBuffers = buffers
	return nil
}
