package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/go-vjepa/jepa"
	"github.com/tsawler/go-vjepa/optimizer"
)

// Controller runs one training regime epoch by epoch.
type Controller interface {
	// RunEpoch trains (and for the supervised regime validates) epoch, the
	// zero-based loop index, and applies the end-of-epoch bookkeeping. The
	// returned metrics, logs and file names number epochs from 1.
	RunEpoch(ctx context.Context, epoch int) (EpochMetrics, error)

	// Finish runs once after the last epoch.
	Finish(ctx context.Context) (Summary, error)
}

// EpochObserver receives every epoch's metrics. Observer errors are logged,
// never fatal.
type EpochObserver interface {
	ObserveEpoch(ctx context.Context, m EpochMetrics) error
}

// Options are the collaborators shared by both controllers.
type Options struct {
	Model       *jepa.Model
	Optimizer   optimizer.Optimizer
	Schedule    *Schedule
	Checkpoints *CheckpointManager
	Logger      *slog.Logger
	LogInterval int

	// InitialBestAccuracy seeds best-model tracking, e.g. from a resumed bundle.
	InitialBestAccuracy float64
}

func (o *Options) validate() error {
	if o.Model == nil {
		return errors.New("model is required")
	}
	if o.Optimizer == nil {
		return errors.New("optimizer is required")
	}
	if o.Schedule == nil {
		return errors.New("schedule is required")
	}
	if o.Checkpoints == nil {
		return errors.New("checkpoint manager is required")
	}
	if o.InitialBestAccuracy < 0 || o.InitialBestAccuracy > 1 {
		return fmt.Errorf("best accuracy %v outside [0, 1]", o.InitialBestAccuracy)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// RunOptions bound the epoch loop.
type RunOptions struct {
	StartEpoch int // completed epochs, non-zero when resuming
	Epochs     int // total epochs of the run
	Logger     *slog.Logger
	Observers  []EpochObserver
}

// Run drives c from StartEpoch up to Epochs and then calls Finish. The first
// error aborts the run.
func Run(ctx context.Context, c Controller, opts RunOptions) (Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartEpoch < 0 {
		return Summary{}, fmt.Errorf("invalid start epoch %d", opts.StartEpoch)
	}
	if opts.StartEpoch >= opts.Epochs {
		logger.Warn("training: nothing to do", "start_epoch", opts.StartEpoch, "epochs", opts.Epochs)
	}

	for epoch := opts.StartEpoch; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		m, err := c.RunEpoch(ctx, epoch)
		if err != nil {
			return Summary{}, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		logEpoch(logger, m)
		for _, obs := range opts.Observers {
			if err := obs.ObserveEpoch(ctx, m); err != nil {
				logger.Warn("training: epoch observer failed", "error", err)
			}
		}
	}

	s, err := c.Finish(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("finish: %w", err)
	}
	return s, nil
}

func logEpoch(logger *slog.Logger, m EpochMetrics) {
	attrs := []any{
		"epoch", m.Epoch,
		"mode", m.Mode,
		"train_loss", m.TrainLoss,
		"lr", m.LearningRate,
		"duration", m.Duration.Round(time.Millisecond),
	}
	if m.HasValidation {
		attrs = append(attrs,
			"train_acc", m.TrainAccuracy,
			"val_loss", m.ValLoss,
			"val_acc", m.ValAccuracy,
			"val_macro_f1", m.ValMacroF1,
			"best_acc", m.BestAccuracy,
			"improved", m.Improved,
		)
	}
	logger.Info("training: epoch complete", attrs...)
}
