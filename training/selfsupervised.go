package training

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SelfSupervisedController trains the encoders and predictor to predict the
// target encoder's embedding of the last frame from the context frames.
type SelfSupervisedController struct {
	Options
	train     BatchSource
	criterion RegressionLoss
	progress  *progressLogger
	epochs    int
}

func NewSelfSupervisedController(opts Options, train BatchSource) (*SelfSupervisedController, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if train == nil {
		return nil, errors.New("self-supervised training needs an unlabeled source")
	}
	return &SelfSupervisedController{
		Options:   opts,
		train:     train,
		criterion: NewMSELoss(),
		progress:  newProgressLogger(opts.Logger, unsupervisedLabel, opts.LogInterval),
	}, nil
}

func (c *SelfSupervisedController) RunEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	start := time.Now()
	m := EpochMetrics{Epoch: epoch + 1, Mode: "self-supervised", BestAccuracy: c.InitialBestAccuracy}

	c.Model.Train()
	if err := c.train.Reset(ctx); err != nil {
		return m, fmt.Errorf("train: %w", err)
	}
	var stats phaseStats
	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		b, err := c.train.Next()
		if err != nil {
			return m, fmt.Errorf("train: batch %d: %w", batchIdx, err)
		}
		if b == nil {
			break
		}
		batchLoss, err := c.step(b)
		if err != nil {
			return m, fmt.Errorf("train: batch %d: %w", batchIdx, err)
		}
		stats.add(batchLoss, b.Len(), 0)
		c.progress.batch(m.Epoch, batchIdx, b.Len(), c.train, batchLoss)
	}
	m.TrainLoss, _ = stats.averages(c.train.Len())

	c.Schedule.Step()
	m.LearningRate = c.Schedule.CurrentLR()

	if _, err := c.Checkpoints.SavePeriodic(m.Epoch, c.InitialBestAccuracy); err != nil {
		return m, err
	}
	m.Duration = time.Since(start)
	if err := c.Checkpoints.RecordEpoch(m); err != nil {
		return m, err
	}
	c.epochs++
	return m, nil
}

func (c *SelfSupervisedController) step(b *Batch) (float64, error) {
	c.Optimizer.ZeroGrad()
	pred, target, err := c.Model.Predict(b.Frames)
	if err != nil {
		return 0, err
	}
	loss, err := c.criterion.Forward(pred, target)
	if err != nil {
		return 0, err
	}
	if err := loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if err := c.Optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	v, err := loss.Item()
	return float64(v), err
}

// Finish saves the final weights, named after the frame skip.
func (c *SelfSupervisedController) Finish(ctx context.Context) (Summary, error) {
	path, err := c.Checkpoints.SaveFinal(c.Model.Config().Skip)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Mode: "self-supervised", Epochs: c.epochs, BestAccuracy: c.InitialBestAccuracy, WeightsPath: path}, nil
}
