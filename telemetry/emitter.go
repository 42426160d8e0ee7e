// Package telemetry publishes per-epoch training metrics.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/tsawler/go-vjepa/training"
)

// Emitter observes epochs and reports the run summary.
type Emitter interface {
	training.EpochObserver
	PublishSummary(ctx context.Context, s training.Summary) error
	Close() error
}

// EpochEvent is the payload published for every epoch.
type EpochEvent struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	training.EpochMetrics
}

// SummaryEvent is the payload published once at the end of a run.
type SummaryEvent struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	training.Summary
}

// SlogEmitter writes events to a logger at debug level. It is the emitter
// used when no broker is configured.
type SlogEmitter struct {
	runID  string
	logger *slog.Logger
}

func NewSlogEmitter(runID string, logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{runID: runID, logger: logger}
}

func (e *SlogEmitter) ObserveEpoch(ctx context.Context, m training.EpochMetrics) error {
	e.logger.DebugContext(ctx, "telemetry: epoch",
		"run_id", e.runID,
		"epoch", m.Epoch,
		"train_loss", m.TrainLoss,
		"best_acc", m.BestAccuracy)
	return nil
}

func (e *SlogEmitter) PublishSummary(ctx context.Context, s training.Summary) error {
	e.logger.InfoContext(ctx, "telemetry: run complete",
		"run_id", e.runID,
		"mode", s.Mode,
		"epochs", s.Epochs,
		"best_acc", s.BestAccuracy,
		"weights", s.WeightsPath)
	return nil
}

func (e *SlogEmitter) Close() error { return nil }

// Fanout forwards every event to all emitters and returns the first error.
type Fanout []Emitter

func (f Fanout) ObserveEpoch(ctx context.Context, m training.EpochMetrics) error {
	var first error
	for _, e := range f {
		if err := e.ObserveEpoch(ctx, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) PublishSummary(ctx context.Context, s training.Summary) error {
	var first error
	for _, e := range f {
		if err := e.PublishSummary(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() error {
	var first error
	for _, e := range f {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
