package training

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SupervisedController trains the classifier path on labeled clips and keeps
// the weights with the best validation accuracy.
type SupervisedController struct {
	Options
	train     BatchSource
	val       BatchSource
	criterion ClassificationLoss
	best      *BestAccuracy
	progress  *progressLogger
	confusion *ConfusionMatrix
	epochs    int
}

func NewSupervisedController(opts Options, train, val BatchSource) (*SupervisedController, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if train == nil || val == nil {
		return nil, errors.New("supervised training needs train and val sources")
	}
	numClasses := opts.Model.Config().NumClasses
	if numClasses < 2 {
		return nil, fmt.Errorf("supervised training needs at least 2 classes, model has %d", numClasses)
	}
	return &SupervisedController{
		Options:   opts,
		train:     train,
		val:       val,
		criterion: NewCrossEntropyLoss(),
		best:      NewBestAccuracy(opts.InitialBestAccuracy),
		progress:  newProgressLogger(opts.Logger, supervisedLabel, opts.LogInterval),
		confusion: NewConfusionMatrix(numClasses),
	}, nil
}

// BestAccuracy returns the best validation accuracy seen so far.
func (c *SupervisedController) BestAccuracy() float64 { return c.best.Value() }

func (c *SupervisedController) RunEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	start := time.Now()
	m := EpochMetrics{Epoch: epoch + 1, Mode: "supervised", HasValidation: true}

	c.Model.Train()
	var err error
	if m.TrainLoss, m.TrainAccuracy, err = c.trainPhase(ctx, m.Epoch); err != nil {
		return m, fmt.Errorf("train: %w", err)
	}

	c.Model.Eval()
	if m.ValLoss, m.ValAccuracy, err = c.validate(ctx); err != nil {
		return m, fmt.Errorf("validate: %w", err)
	}
	m.ValMacroF1 = c.confusion.GetMetric(MacroF1)

	c.Schedule.Step()
	m.LearningRate = c.Schedule.CurrentLR()

	if m.Improved = c.best.Observe(m.ValAccuracy); m.Improved {
		if m.SavedPath, err = c.Checkpoints.SaveBest(m.ValAccuracy); err != nil {
			return m, err
		}
	}
	m.BestAccuracy = c.best.Value()

	if _, err := c.Checkpoints.SavePeriodic(m.Epoch, m.BestAccuracy); err != nil {
		return m, err
	}
	m.Duration = time.Since(start)
	if err := c.Checkpoints.RecordEpoch(m); err != nil {
		return m, err
	}
	c.epochs++
	return m, nil
}

func (c *SupervisedController) trainPhase(ctx context.Context, epoch int) (loss, accuracy float64, err error) {
	if err := c.train.Reset(ctx); err != nil {
		return 0, 0, err
	}
	var stats phaseStats
	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, err := c.train.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		if b == nil {
			break
		}
		if b.Labels == nil {
			return 0, 0, fmt.Errorf("batch %d has no labels", batchIdx)
		}

		c.Optimizer.ZeroGrad()
		scores, err := c.Model.Classify(b.Frames)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		lossT, err := c.criterion.Forward(scores, b.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		if err := lossT.Backward(); err != nil {
			return 0, 0, fmt.Errorf("batch %d: backward: %w", batchIdx, err)
		}
		if err := c.Optimizer.Step(); err != nil {
			return 0, 0, fmt.Errorf("batch %d: optimizer step: %w", batchIdx, err)
		}

		batchLoss, err := lossT.Item()
		if err != nil {
			return 0, 0, err
		}
		_, correct, err := countCorrect(scores, b.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		stats.add(float64(batchLoss), b.Len(), correct)
		c.progress.batch(epoch, batchIdx, b.Len(), c.train, float64(batchLoss))
	}
	loss, accuracy = stats.averages(c.train.Len())
	c.Logger.Info(fmt.Sprintf("Train set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		loss, stats.correct, c.train.Len(), 100*accuracy),
		"epoch", epoch, "correct", stats.correct, "dataset_size", c.train.Len())
	return loss, accuracy, nil
}

// validate scores the val split without touching the parameters.
func (c *SupervisedController) validate(ctx context.Context) (loss, accuracy float64, err error) {
	if err := c.val.Reset(ctx); err != nil {
		return 0, 0, err
	}
	c.confusion.Reset()
	var stats phaseStats
	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, err := c.val.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		if b == nil {
			break
		}
		if b.Labels == nil {
			return 0, 0, fmt.Errorf("batch %d has no labels", batchIdx)
		}

		scores, err := c.Model.Classify(b.Frames)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		scores = scores.Detach()
		lossT, err := c.criterion.Forward(scores, b.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		batchLoss, err := lossT.Item()
		if err != nil {
			return 0, 0, err
		}
		predicted, correct, err := countCorrect(scores, b.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		if err := c.confusion.Update(predicted, b.Labels); err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		stats.add(float64(batchLoss), b.Len(), correct)
	}
	loss, accuracy = stats.averages(c.val.Len())
	c.Logger.Info(fmt.Sprintf("Validation set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		loss, stats.correct, c.val.Len(), 100*accuracy),
		"correct", stats.correct, "dataset_size", c.val.Len())
	return loss, accuracy, nil
}

func (c *SupervisedController) Finish(ctx context.Context) (Summary, error) {
	c.Logger.Info(fmt.Sprintf("Best accuracy: %.4f", c.best.Value()), "best_acc", c.best.Value())
	return Summary{Mode: "supervised", Epochs: c.epochs, BestAccuracy: c.best.Value()}, nil
}
