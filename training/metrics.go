package training

import (
	"fmt"
	"time"
)

// MetricType represents the classification metrics reported per validation phase
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// EpochMetrics is what one epoch of either training regime reports.
type EpochMetrics struct {
	Epoch         int           `json:"epoch"` // 1-based
	Mode          string        `json:"mode"`
	TrainLoss     float64       `json:"train_loss"`
	TrainAccuracy float64       `json:"train_accuracy,omitempty"`
	ValLoss       float64       `json:"val_loss,omitempty"`
	ValAccuracy   float64       `json:"val_accuracy,omitempty"`
	ValMacroF1    float64       `json:"val_macro_f1,omitempty"`
	HasValidation bool          `json:"has_validation"`
	BestAccuracy  float64       `json:"best_accuracy"`
	Improved      bool          `json:"improved"`
	LearningRate  float64       `json:"learning_rate"`
	Duration      time.Duration `json:"duration"`
	SavedPath     string        `json:"saved_path,omitempty"`
}

// Summary is reported once after the last epoch.
type Summary struct {
	Mode         string  `json:"mode"`
	Epochs       int     `json:"epochs"`
	BestAccuracy float64 `json:"best_accuracy"`
	WeightsPath  string  `json:"weights_path,omitempty"`
}

// BestAccuracy tracks the highest validation accuracy of a run. It never
// decreases.
type BestAccuracy struct {
	value float64
}

func NewBestAccuracy(initial float64) *BestAccuracy {
	return &BestAccuracy{value: initial}
}

// Observe records acc and reports whether it strictly beat the previous best.
func (b *BestAccuracy) Observe(acc float64) bool {
	if acc > b.value {
		b.value = acc
		return true
	}
	return false
}

func (b *BestAccuracy) Value() float64 { return b.value }

// phaseStats accumulates a phase's running loss sum and correct count.
// Losses are batch means, weighted by batch length, so the average is the
// mean over samples.
type phaseStats struct {
	lossSum float64
	correct int
	seen    int
}

func (s *phaseStats) add(batchLoss float64, batchLen, correct int) {
	s.lossSum += batchLoss * float64(batchLen)
	s.correct += correct
	s.seen += batchLen
}

// averages divides by the dataset size, not the number of samples seen.
func (s *phaseStats) averages(datasetSize int) (loss, accuracy float64) {
	if datasetSize <= 0 {
		return 0, 0
	}
	return s.lossSum / float64(datasetSize), float64(s.correct) / float64(datasetSize)
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of predicted and true classes.
func (cm *ConfusionMatrix) Update(predicted, labels []int) error {
	if len(predicted) != len(labels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", len(predicted), len(labels))
	}
	for i, p := range predicted {
		trueClass := labels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class index out of range: predicted %d, label %d, classes %d", p, trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.calculateMacroPrecision()
	case MacroRecall:
		return cm.calculateMacroRecall()
	case MacroF1:
		precision := cm.calculateMacroPrecision()
		recall := cm.calculateMacroRecall()
		if precision+recall == 0 {
			return 0.0
		}
		return 2 * (precision * recall) / (precision + recall)
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		predicted := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			predicted += float64(cm.Matrix[other][class])
		}
		if predicted > 0 {
			sum += tp / predicted
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		actual := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			actual += float64(cm.Matrix[class][other])
		}
		if actual > 0 {
			sum += tp / actual
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// History is the per-epoch record written next to saved models.
type History struct {
	RunID  string         `json:"run_id"`
	Mode   string         `json:"mode"`
	Epochs []EpochMetrics `json:"epochs"`
}

func (h *History) Append(m EpochMetrics) {
	h.Epochs = append(h.Epochs, m)
}
