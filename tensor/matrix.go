package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor) blas32.General {
	return blas32.General{
		Rows:   t.Shape[0],
		Cols:   t.Shape[1],
		Stride: t.Shape[1],
		Data:   t.Data,
	}
}

// gemm computes op(a) @ op(b) with gonum's BLAS implementation.
func gemm(tA, tB blas.Transpose, a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}

	m, k := a.Shape[0], a.Shape[1]
	if tA == blas.Trans {
		m, k = k, m
	}
	k2, n := b.Shape[0], b.Shape[1]
	if tB == blas.Trans {
		k2, n = n, k2
	}
	if k != k2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d): %w", m, k, k2, n, ErrShape)
	}

	result, err := Zeros([]int{m, n})
	if err != nil {
		return nil, err
	}
	blas32.Gemm(tA, tB, 1, general(a), general(b), 0, general(result))
	return result, nil
}

// MatMul multiplies a [M, K] by a [K, N] tensor.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	return gemm(blas.NoTrans, blas.NoTrans, t1, t2)
}

// MatMulTransA computes t1ᵀ @ t2 without materialising the transpose.
func MatMulTransA(t1, t2 *Tensor) (*Tensor, error) {
	return gemm(blas.Trans, blas.NoTrans, t1, t2)
}

// MatMulTransB computes t1 @ t2ᵀ without materialising the transpose.
func MatMulTransB(t1, t2 *Tensor) (*Tensor, error) {
	return gemm(blas.NoTrans, blas.Trans, t1, t2)
}

func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %v: %w", t.Shape, ErrShape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is then inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	inferred := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into %v: %w", t.NumElems, newShape, ErrShape)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}
	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d): %w", t.NumElems, shape, known, ErrShape)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Narrow copies the index range [start, start+length) of dimension dim.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("narrow [%d, %d) out of bounds for dimension %d of size %d: %w",
			start, start+length, dim, t.Shape[dim], ErrShape)
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := t.Strides[dim]

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[dim] = length

	result, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	srcBlock := t.Shape[dim] * inner
	dstBlock := length * inner
	for o := 0; o < outer; o++ {
		src := t.Data[o*srcBlock+start*inner : o*srcBlock+(start+length)*inner]
		copy(result.Data[o*dstBlock:(o+1)*dstBlock], src)
	}
	return result, nil
}
