package tensor

import "fmt"

// cloneData deep-copies shape and data but not the autograd state.
func cloneData(t *Tensor) *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return MustNew(t.Shape, data)
}

// Clone returns a detached deep copy that keeps t's requires-grad flag.
func (t *Tensor) Clone() *Tensor {
	c := cloneData(t)
	c.requiresGrad = t.requiresGrad
	return c
}

// Detach returns a tensor sharing t's data that is cut off from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	linear := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		linear += idx * t.Strides[i]
	}
	return t.Data[linear], nil
}

func (t *Tensor) Size() []int {
	result := make([]int, len(t.Shape))
	copy(result, t.Shape)
	return result
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// ZeroGrad clears accumulated gradients in place.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad == nil {
			continue
		}
		for i := range t.grad.Data {
			t.grad.Data[i] = 0
		}
	}
}
