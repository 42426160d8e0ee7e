package training

import (
	"fmt"
	"log/slog"
)

const (
	supervisedLabel   = "Train Epoch"
	unsupervisedLabel = "Unsupervised Train Epoch"
)

// FormatBatchLine renders the classic progress line:
//
//	Train Epoch: 3 [640/5000 (13%)]	Loss: 0.123456
func FormatBatchLine(label string, epoch, batchIdx, batchLen, datasetSize, numBatches int, loss float64) string {
	percent := 0.0
	if numBatches > 0 {
		percent = 100 * float64(batchIdx) / float64(numBatches)
	}
	return fmt.Sprintf("%s: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
		label, epoch, batchIdx*batchLen, datasetSize, percent, loss)
}

// progressLogger emits a progress line every interval batches.
type progressLogger struct {
	logger   *slog.Logger
	label    string
	interval int
}

func newProgressLogger(logger *slog.Logger, label string, interval int) *progressLogger {
	if interval <= 0 {
		interval = 10
	}
	return &progressLogger{logger: logger, label: label, interval: interval}
}

func (p *progressLogger) batch(epoch, batchIdx, batchLen int, src BatchSource, loss float64) {
	if batchIdx%p.interval != 0 {
		return
	}
	p.logger.Info(FormatBatchLine(p.label, epoch, batchIdx, batchLen, src.Len(), src.NumBatches(), loss),
		"epoch", epoch,
		"batch", batchIdx,
		"samples", batchIdx*batchLen,
		"dataset_size", src.Len(),
		"loss", loss,
	)
}
