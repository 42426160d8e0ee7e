package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/tensor"
)

// Optimizer defines the common interface for all optimizers. Parameters are
// bound at construction; Step reads their accumulated gradients.
type Optimizer interface {
	// Step performs a single optimization step. Parameters without a
	// gradient are left untouched.
	Step() error

	// ZeroGrad clears the gradients of every bound parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate used by the next step
	GetLearningRate() float32
}

// OptimizerState is the serialisable optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterises an optimizer.
type Config struct {
	Type         string // "sgd", "adam", "rmsprop", "adagrad"
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
}

// New builds the optimizer named by cfg.Type over params.
func New(cfg Config, params []*tensor.Tensor) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "sgd":
		c := DefaultSGDConfig()
		c.LearningRate, c.Momentum, c.WeightDecay = cfg.LearningRate, cfg.Momentum, cfg.WeightDecay
		return NewSGDOptimizer(c, params)
	case "adam":
		c := DefaultAdamConfig()
		c.LearningRate, c.WeightDecay = cfg.LearningRate, cfg.WeightDecay
		return NewAdamOptimizer(c, params)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		c.LearningRate, c.Momentum, c.WeightDecay = cfg.LearningRate, cfg.Momentum, cfg.WeightDecay
		return NewRMSPropOptimizer(c, params)
	case "adagrad":
		c := DefaultAdaGradConfig()
		c.LearningRate, c.WeightDecay = cfg.LearningRate, cfg.WeightDecay
		return NewAdaGradOptimizer(c, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Type)
	}
}

// params holds the parameter list shared by every optimizer.
type params []*tensor.Tensor

func (p params) ZeroGrad() {
	tensor.ZeroGrad(p)
}

func (p params) shapes() [][]int {
	shapes := make([][]int, len(p))
	for i, t := range p {
		shapes[i] = t.Shape
	}
	return shapes
}

func validateParams(ps []*tensor.Tensor) error {
	if len(ps) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range ps {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if !p.RequiresGrad() {
			return fmt.Errorf("parameter %d does not require grad", i)
		}
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
