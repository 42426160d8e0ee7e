package tensor

import (
	"fmt"
	"math"
)

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors: %w", ErrShape)
	}
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v: %w", shape1, shape2, ErrShape)
	}
	return shape1, nil
}

func elementwise(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}
	result, err := Zeros(outputShape)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = fn(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// Scale multiplies every element by s and returns a new tensor.
func Scale(t *Tensor, s float32) *Tensor {
	result := MustNew(t.Shape, nil)
	for i, v := range t.Data {
		result.Data[i] = v * s
	}
	return result
}

func ReLU(t *Tensor) *Tensor {
	result := MustNew(t.Shape, nil)
	for i, v := range t.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return result
}

// AddInPlace accumulates src into dst; used for gradient accumulation.
func AddInPlace(dst, src *Tensor) error {
	if _, err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// ArgMaxRows returns, for a [N, K] tensor, the column index of the maximum of
// each row. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax expects a 2D tensor, got shape %v: %w", t.Shape, ErrShape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}

// IsFinite reports whether no element is NaN or ±Inf.
func IsFinite(t *Tensor) bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
