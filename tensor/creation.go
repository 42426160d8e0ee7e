package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor wraps data (which is not copied) in a tensor of the given shape.
// A nil data slice allocates zeroed storage.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d: %w", len(data), numElems, ErrShape)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid at the call site.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Scalar creates a single element tensor of shape [1].
func Scalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal draws from N(mean, std²) using rng, so results are reproducible
// for a given seed.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// XavierUniform initialises a [fanIn, fanOut] weight matrix with
// U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out))).
func XavierUniform(fanIn, fanOut int, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor([]int{fanIn, fanOut}, nil)
	if err != nil {
		return nil, err
	}
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}
