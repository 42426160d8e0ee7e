package training

import (
	"fmt"

	"github.com/tsawler/go-vjepa/tensor"
)

// ClassificationLoss scores [batch, classes] logits against integer labels.
type ClassificationLoss interface {
	Forward(scores *tensor.Tensor, labels []int) (*tensor.Tensor, error)
}

// RegressionLoss compares a prediction with a target of the same shape.
type RegressionLoss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// Both losses return the batch mean as a single-element tensor attached to the
// autograd graph.

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

func NewMSELoss() *MSELoss { return &MSELoss{} }

// Forward computes L = (1/N) * sum((y_pred - y_true)^2)
func (MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	loss, err := tensor.MSELossAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("mse loss: %w", err)
	}
	return loss, nil
}

// CrossEntropyLoss implements softmax cross entropy for classification
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

func (CrossEntropyLoss) Forward(scores *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	loss, err := tensor.CrossEntropyAutograd(scores, labels)
	if err != nil {
		return nil, fmt.Errorf("cross entropy loss: %w", err)
	}
	return loss, nil
}

// countCorrect compares the argmax of every score row with its label.
func countCorrect(scores *tensor.Tensor, labels []int) (predicted []int, correct int, err error) {
	predicted, err = tensor.ArgMaxRows(scores)
	if err != nil {
		return nil, 0, err
	}
	if len(predicted) != len(labels) {
		return nil, 0, fmt.Errorf("%d predictions for %d labels", len(predicted), len(labels))
	}
	for i, p := range predicted {
		if p == labels[i] {
			correct++
		}
	}
	return predicted, correct, nil
}
