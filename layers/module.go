package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vjepa/tensor"
)

// Module interface defines methods that all network blocks must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	// NamedParameters returns the parameters keyed by dotted path under prefix.
	NamedParameters(prefix string) []NamedParameter
	// Specs describes the block as layer configuration, used for summaries
	// and graph export.
	Specs(prefix string) []LayerSpec
	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode
	IsTraining() bool // Returns true if in training mode
}

// NamedParameter pairs a parameter tensor with its stable, dotted name.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor // [inputSize, outputSize]
	bias     *tensor.Tensor // [outputSize]
	training bool
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights drawn
// from rng and a zero bias.
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	weight, err := tensor.XavierUniform(inputSize, outputSize, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight, training: true}
	if bias {
		b, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		b.SetRequiresGrad(true)
		linear.bias = b
	}
	return linear, nil
}

func (l *Linear) InputSize() int  { return l.weight.Shape[0] }
func (l *Linear) OutputSize() int { return l.weight.Shape[1] }

// Forward performs the forward pass on a [batch, inputSize] tensor.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v: %w", input.Shape, tensor.ErrShape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d: %w", l.weight.Shape[0], input.Shape[1], tensor.ErrShape)
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear matmul failed: %w", err)
	}
	if l.bias != nil {
		output, err = tensor.AddRowVectorAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) NamedParameters(prefix string) []NamedParameter {
	named := []NamedParameter{{Name: join(prefix, "weight"), Tensor: l.weight}}
	if l.bias != nil {
		named = append(named, NamedParameter{Name: join(prefix, "bias"), Tensor: l.bias})
	}
	return named
}

func (l *Linear) Specs(prefix string) []LayerSpec {
	return []LayerSpec{NewFactory().CreateDenseSpec(l.InputSize(), l.OutputSize(), l.bias != nil, prefix)}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLUActivation implements the ReLU activation as a module
type ReLUActivation struct {
	training bool
}

func NewReLU() *ReLUActivation {
	return &ReLUActivation{training: true}
}

func (r *ReLUActivation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLUActivation) Parameters() []*tensor.Tensor                 { return nil }
func (r *ReLUActivation) NamedParameters(prefix string) []NamedParameter { return nil }

func (r *ReLUActivation) Specs(prefix string) []LayerSpec {
	return []LayerSpec{NewFactory().CreateReLUSpec(prefix)}
}

func (r *ReLUActivation) Train()           { r.training = true }
func (r *ReLUActivation) Eval()            { r.training = false }
func (r *ReLUActivation) IsTraining() bool { return r.training }

// Sequential chains modules; child i is named by its index.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) NamedParameters(prefix string) []NamedParameter {
	var named []NamedParameter
	for i, module := range s.modules {
		named = append(named, module.NamedParameters(join(prefix, fmt.Sprint(i)))...)
	}
	return named
}

func (s *Sequential) Specs(prefix string) []LayerSpec {
	var specs []LayerSpec
	for i, module := range s.modules {
		specs = append(specs, module.Specs(join(prefix, fmt.Sprint(i)))...)
	}
	return specs
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Len() int { return len(s.modules) }
