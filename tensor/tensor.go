package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is returned (wrapped) by every operation that receives tensors whose
// shapes cannot be combined.
var ErrShape = errors.New("tensor shape mismatch")

// Operation is a node of the autograd graph. Backward maps the gradient of the
// operation's output onto one gradient per input, in Inputs order (nil when
// the input needs none).
type Operation interface {
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float32 tensor living in host memory.
type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, nil until a backward pass reached t.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. A nil g clears it.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

// Creator returns the operation that produced t, nil for leaf tensors.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// IsLeaf reports whether t was created directly rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(shape1, shape2 []int) bool {
	return shapesEqual(shape1, shape2)
}
