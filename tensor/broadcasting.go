package tensor

import "fmt"

// AddRowVector adds a [D] vector to every row of a [N, D] tensor.
func AddRowVector(t, v *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(v.Shape) != 1 || t.Shape[1] != v.Shape[0] {
		return nil, fmt.Errorf("cannot broadcast %v onto rows of %v: %w", v.Shape, t.Shape, ErrShape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros(t.Shape)
	if err != nil {
		return nil, err
	}
	for r := 0; r < rows; r++ {
		off := r * cols
		for c := 0; c < cols; c++ {
			result.Data[off+c] = t.Data[off+c] + v.Data[c]
		}
	}
	return result, nil
}

// SumRows reduces a [N, D] tensor to [D]; it is the gradient of a row
// broadcast.
func SumRows(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("sum over rows requires a 2D tensor, got %v: %w", t.Shape, ErrShape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols})
	if err != nil {
		return nil, err
	}
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		for c, v := range row {
			result.Data[c] += v
		}
	}
	return result, nil
}

// MeanGroups averages consecutive groups of `group` rows: [N*group, D] -> [N, D].
func MeanGroups(t *Tensor, group int) (*Tensor, error) {
	if len(t.Shape) != 2 || group <= 0 || t.Shape[0]%group != 0 {
		return nil, fmt.Errorf("cannot pool %v into groups of %d rows: %w", t.Shape, group, ErrShape)
	}
	n, cols := t.Shape[0]/group, t.Shape[1]
	result, err := Zeros([]int{n, cols})
	if err != nil {
		return nil, err
	}
	inv := 1 / float32(group)
	for i := 0; i < n; i++ {
		dst := result.Data[i*cols : (i+1)*cols]
		for g := 0; g < group; g++ {
			src := t.Data[(i*group+g)*cols : (i*group+g+1)*cols]
			for c, v := range src {
				dst[c] += v
			}
		}
		for c := range dst {
			dst[c] *= inv
		}
	}
	return result, nil
}

// ExpandGroups is the adjoint of MeanGroups: every row of a [N, D] tensor is
// repeated `group` times and scaled by 1/group.
func ExpandGroups(t *Tensor, group int) (*Tensor, error) {
	if len(t.Shape) != 2 || group <= 0 {
		return nil, fmt.Errorf("cannot expand %v into groups of %d rows: %w", t.Shape, group, ErrShape)
	}
	n, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{n * group, cols})
	if err != nil {
		return nil, err
	}
	inv := 1 / float32(group)
	for i := 0; i < n; i++ {
		src := t.Data[i*cols : (i+1)*cols]
		for g := 0; g < group; g++ {
			dst := result.Data[(i*group+g)*cols : (i*group+g+1)*cols]
			for c, v := range src {
				dst[c] = v * inv
			}
		}
	}
	return result, nil
}
