package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vjepa/tensor"
)

// RMSPropOptimizerState implements RMSProp with optional momentum and centering
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32 // Smoothing constant for the squared gradient average
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool

	SquaredGradAvg  [][]float32
	MomentumBuffers [][]float32 // only when Momentum > 0
	GradientAvg     [][]float32 // only when Centered

	StepCount uint64

	params
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

func NewRMSPropOptimizer(config RMSPropConfig, ps []*tensor.Tensor) (*RMSPropOptimizerState, error) {
	if err := validateParams(ps); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.Momentum < 0 || config.WeightDecay < 0 {
		return nil, fmt.Errorf("momentum and weight decay cannot be negative")
	}

	r := &RMSPropOptimizerState{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     config.Momentum,
		Centered:     config.Centered,
		params:       ps,
	}
	r.allocate()
	return r, nil
}

func (r *RMSPropOptimizerState) allocate() {
	n := len(r.params)
	r.SquaredGradAvg = make([][]float32, n)
	r.MomentumBuffers = nil
	r.GradientAvg = nil
	if r.Momentum > 0 {
		r.MomentumBuffers = make([][]float32, n)
	}
	if r.Centered {
		r.GradientAvg = make([][]float32, n)
	}
	for i, p := range r.params {
		r.SquaredGradAvg[i] = make([]float32, p.NumElems)
		if r.MomentumBuffers != nil {
			r.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
		if r.GradientAvg != nil {
			r.GradientAvg[i] = make([]float32, p.NumElems)
		}
	}
}

// Step performs a single RMSProp optimization step
func (r *RMSPropOptimizerState) Step() error {
	for i, p := range r.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient of parameter %d has %d elements, expected %d", i, grad.NumElems, p.NumElems)
		}
		sq := r.SquaredGradAvg[i]
		for j, g := range grad.Data {
			g += r.WeightDecay * p.Data[j]
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*g*g
			avg := sq[j]
			if r.Centered {
				ga := r.GradientAvg[i]
				ga[j] = r.Alpha*ga[j] + (1-r.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + r.Epsilon
			if r.Momentum > 0 {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + g/denom
				p.Data[j] -= r.LearningRate * buf[j]
			} else {
				p.Data[j] -= r.LearningRate * g / denom
			}
		}
	}
	r.StepCount++
	return nil
}

func (r *RMSPropOptimizerState) UpdateLearningRate(newLR float32) { r.LearningRate = newLR }
func (r *RMSPropOptimizerState) GetLearningRate() float32        { return r.LearningRate }
func (r *RMSPropOptimizerState) GetStepCount() uint64            { return r.StepCount }

func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	shapes := r.shapes()
	stateData := extractBuffers(r.SquaredGradAvg, shapes, "squared_grad_avg")
	stateData = append(stateData, extractBuffers(r.MomentumBuffers, shapes, "momentum")...)
	stateData = append(stateData, extractBuffers(r.GradientAvg, shapes, "gradient_avg")...)
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": r.LearningRate,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"centered":      r.Centered,
			"step_count":    r.StepCount,
		},
		StateData: stateData,
	}, nil
}

func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	r.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = extractFloat32Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloat32Param(state.Parameters, "momentum", r.Momentum)
	r.Centered = extractBoolParam(state.Parameters, "centered", r.Centered)
	r.StepCount = extractUint64Param(state.Parameters, "step_count", r.StepCount)
	r.allocate()

	sizes := sizesOf(r.shapes())
	if err := restoreBuffers(r.SquaredGradAvg, sizes, state.StateData, "squared_grad_avg"); err != nil {
		return err
	}
	if r.MomentumBuffers != nil {
		if err := restoreBuffers(r.MomentumBuffers, sizes, state.StateData, "momentum"); err != nil {
			return err
		}
	}
	if r.GradientAvg != nil {
		if err := restoreBuffers(r.GradientAvg, sizes, state.StateData, "gradient_avg"); err != nil {
			return err
		}
	}
	return nil
}
