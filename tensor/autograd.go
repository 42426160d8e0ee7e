package tensor

import (
	"fmt"
)

// record attaches op as the creator of out when any input takes part in
// gradient computation. Tensors built purely from constants stay leaves.
func record(out *Tensor, op Operation) *Tensor {
	for _, in := range op.Inputs() {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Backward back-propagates from a single element tensor (a loss), seeding the
// output gradient with 1. Gradients accumulate into the Grad of every leaf
// that requires them; call ZeroGrad between steps.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single element tensor, got shape %v", t.Shape)
	}
	seed, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad back-propagates an explicit output gradient.
func (t *Tensor) BackwardWithGrad(gradOut *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	if !shapesEqual(t.Shape, gradOut.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v: %w", gradOut.Shape, t.Shape, ErrShape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if err := accumulateGrad(node, g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				if err := AddInPlace(prev, inputGrads[j]); err != nil {
					return err
				}
			} else {
				grads[in] = cloneData(inputGrads[j])
			}
		}
	}
	return nil
}

func accumulateGrad(leaf *Tensor, g *Tensor) error {
	if leaf.grad == nil {
		leaf.grad = cloneData(g)
		return nil
	}
	return AddInPlace(leaf.grad, g)
}

// topologicalOrder returns the graph reachable from root in post-order, so
// iterating it backwards visits every node after all of its consumers.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node     *Tensor
		expanded bool
	}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.expanded {
			order = append(order, f.node)
			continue
		}
		if visited[f.node] {
			continue
		}
		visited[f.node] = true
		stack = append(stack, frame{node: f.node, expanded: true})
		if f.node.creator != nil {
			for _, in := range f.node.creator.Inputs() {
				if in.requiresGrad && !visited[in] {
					stack = append(stack, frame{node: in})
				}
			}
		}
	}
	return order
}

// MatMulOp records a [M,K] @ [K,N] product.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	// ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
	var gradA, gradB *Tensor
	var err error
	if a.requiresGrad {
		if gradA, err = MatMulTransB(gradOut, b); err != nil {
			return nil, err
		}
	}
	if b.requiresGrad {
		if gradB, err = MatMulTransA(a, gradOut); err != nil {
			return nil, err
		}
	}
	return []*Tensor{gradA, gradB}, nil
}

// AddRowVectorOp records a bias broadcast over the rows of a matrix.
type AddRowVectorOp struct {
	inputs []*Tensor
}

func (op *AddRowVectorOp) Inputs() []*Tensor { return op.inputs }

func (op *AddRowVectorOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradBias, err := SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gradBias}, nil
}

type elementwiseOp struct {
	inputs []*Tensor
	kind   byte // '+' or '*'
}

func (op *elementwiseOp) Inputs() []*Tensor { return op.inputs }

func (op *elementwiseOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	switch op.kind {
	case '+':
		return []*Tensor{gradOut, gradOut}, nil
	case '*':
		gradA, err := Mul(gradOut, b)
		if err != nil {
			return nil, err
		}
		gradB, err := Mul(gradOut, a)
		if err != nil {
			return nil, err
		}
		return []*Tensor{gradA, gradB}, nil
	}
	return nil, fmt.Errorf("unknown elementwise op %q", op.kind)
}

// ReLUOp records max(0, x).
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂ReLU(x)/∂x = 1 if x > 0, else 0
	x := op.inputs[0]
	grad := MustNew(gradOut.Shape, nil)
	for i, v := range x.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{grad}, nil
}

// MeanGroupsOp records average pooling over consecutive row groups.
type MeanGroupsOp struct {
	inputs []*Tensor
	group  int
}

func (op *MeanGroupsOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanGroupsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := ExpandGroups(gradOut, op.group)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp records a view change; the gradient is reshaped back.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// High-level autograd functions that compute and record operations

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return record(out, &MatMulOp{inputs: []*Tensor{a, b}}), nil
}

func AddRowVectorAutograd(x, bias *Tensor) (*Tensor, error) {
	out, err := AddRowVector(x, bias)
	if err != nil {
		return nil, err
	}
	return record(out, &AddRowVectorOp{inputs: []*Tensor{x, bias}}), nil
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return record(out, &elementwiseOp{inputs: []*Tensor{a, b}, kind: '+'}), nil
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return record(out, &elementwiseOp{inputs: []*Tensor{a, b}, kind: '*'}), nil
}

func ReLUAutograd(x *Tensor) *Tensor {
	return record(ReLU(x), &ReLUOp{inputs: []*Tensor{x}})
}

func MeanGroupsAutograd(x *Tensor, group int) (*Tensor, error) {
	out, err := MeanGroups(x, group)
	if err != nil {
		return nil, err
	}
	return record(out, &MeanGroupsOp{inputs: []*Tensor{x}, group: group}), nil
}

func ReshapeAutograd(x *Tensor, shape []int) (*Tensor, error) {
	out, err := Reshape(x, shape)
	if err != nil {
		return nil, err
	}
	return record(out, &ReshapeOp{inputs: []*Tensor{x}}), nil
}
