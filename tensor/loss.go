package tensor

import (
	"fmt"
	"math"
)

// MSELossOp records mean((pred - target)²). Only pred receives a gradient
// unless target is itself part of the graph.
type MSELossOp struct {
	inputs []*Tensor
}

func (op *MSELossOp) Inputs() []*Tensor { return op.inputs }

func (op *MSELossOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	pred, target := op.inputs[0], op.inputs[1]
	// ∂L/∂pred = 2 (pred - target) / N
	scale := 2 * gradOut.Data[0] / float32(pred.NumElems)
	gradPred := MustNew(pred.Shape, nil)
	for i := range pred.Data {
		gradPred.Data[i] = (pred.Data[i] - target.Data[i]) * scale
	}
	var gradTarget *Tensor
	if target.requiresGrad {
		gradTarget = Scale(gradPred, -1)
	}
	return []*Tensor{gradPred, gradTarget}, nil
}

// MSELossAutograd returns the scalar mean squared error between pred and target.
func MSELossAutograd(pred, target *Tensor) (*Tensor, error) {
	if !shapesEqual(pred.Shape, target.Shape) {
		return nil, fmt.Errorf("mse: prediction %v and target %v differ: %w", pred.Shape, target.Shape, ErrShape)
	}
	var sum float64
	for i := range pred.Data {
		d := float64(pred.Data[i] - target.Data[i])
		sum += d * d
	}
	out := Scalar(float32(sum / float64(pred.NumElems)))
	return record(out, &MSELossOp{inputs: []*Tensor{pred, target}}), nil
}

// CrossEntropyOp records the batch mean of -log softmax(logits)[label].
type CrossEntropyOp struct {
	inputs []*Tensor
	labels []int
	probs  []float32
}

func (op *CrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *CrossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	batch, classes := logits.Shape[0], logits.Shape[1]
	// ∂L/∂z = (softmax(z) - onehot(y)) / B
	scale := gradOut.Data[0] / float32(batch)
	grad := MustNew(logits.Shape, nil)
	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			p := op.probs[b*classes+c]
			if c == op.labels[b] {
				p -= 1
			}
			grad.Data[b*classes+c] = p * scale
		}
	}
	return []*Tensor{grad}, nil
}

// CrossEntropyAutograd computes the mean cross-entropy of [B, K] logits
// against integer class labels.
func CrossEntropyAutograd(logits *Tensor, labels []int) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects [batch, classes] logits, got %v: %w", logits.Shape, ErrShape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return nil, fmt.Errorf("batch size mismatch: logits %d, labels %d: %w", batch, len(labels), ErrShape)
	}

	probs := make([]float32, batch*classes)
	var total float64
	for b := 0; b < batch; b++ {
		label := labels[b]
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		row := logits.Data[b*classes : (b+1)*classes]

		// Numerically stable log-sum-exp
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxVal))
		}
		logSumExp := float64(maxVal) + math.Log(sumExp)
		for c, v := range row {
			probs[b*classes+c] = float32(math.Exp(float64(v) - logSumExp))
		}
		total += logSumExp - float64(row[label])
	}

	out := Scalar(float32(total / float64(batch)))
	labelsCopy := make([]int, batch)
	copy(labelsCopy, labels)
	return record(out, &CrossEntropyOp{inputs: []*Tensor{logits}, labels: labelsCopy, probs: probs}), nil
}
