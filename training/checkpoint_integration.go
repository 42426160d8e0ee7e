package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/jepa"
	"github.com/tsawler/go-vjepa/optimizer"
	"github.com/tsawler/go-vjepa/tensor"
)

const (
	// TimestampLayout stamps saved model files: model_2024-03-01-14-05-09.
	TimestampLayout = "2006-01-02-15-04-05"

	bestModelPrefix  = "model_"
	pretrainedPrefix = "pretrain_model_skips"
	historyFile      = "history.json"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save models and bundles
	Enabled       bool                         // Nothing is written when false
	SaveFrequency int                          // Resumable bundle every N epochs (0 = disabled)
	Format        checkpoints.CheckpointFormat // JSON, msgpack or ONNX (weights only)
	RunID         string
}

// ResumeState is the bookkeeping restored from a bundle.
type ResumeState struct {
	Epoch        int // completed epochs, i.e. the next epoch to run
	BestAccuracy float64
}

// CheckpointManager names, writes and reads the files of one training run.
type CheckpointManager struct {
	config  CheckpointConfig
	model   *jepa.Model
	opt     optimizer.Optimizer
	sched   *Schedule
	logger  *slog.Logger
	now     func() time.Time
	history History
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, model *jepa.Model, opt optimizer.Optimizer, sched *Schedule, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{
		config:  config,
		model:   model,
		opt:     opt,
		sched:   sched,
		logger:  logger,
		now:     time.Now,
		history: History{RunID: config.RunID},
	}
}

// SetClock replaces the time source used for file names and metadata.
func (cm *CheckpointManager) SetClock(now func() time.Time) {
	cm.now = now
}

func (cm *CheckpointManager) Config() CheckpointConfig { return cm.config }

// SaveBest writes the current weights as model_<timestamp>. It returns the
// written path, or "" when saving is disabled.
func (cm *CheckpointManager) SaveBest(accuracy float64) (string, error) {
	if !cm.config.Enabled {
		return "", nil
	}
	name := bestModelPrefix + cm.now().Format(TimestampLayout)
	desc := fmt.Sprintf("Best checkpoint - Accuracy: %.2f%%", accuracy*100)
	return cm.saveWeights(name, desc)
}

// SaveFinal writes the weights at the end of a self-supervised run as
// pretrain_model_skips<skip>_<timestamp>.
func (cm *CheckpointManager) SaveFinal(skip int) (string, error) {
	if !cm.config.Enabled {
		return "", nil
	}
	name := fmt.Sprintf("%s%d_%s", pretrainedPrefix, skip, cm.now().Format(TimestampLayout))
	return cm.saveWeights(name, fmt.Sprintf("Self-supervised weights, frame skip %d", skip))
}

// SavePeriodic writes a resumable bundle after every SaveFrequency completed
// epochs.
func (cm *CheckpointManager) SavePeriodic(completed int, best float64) (string, error) {
	if !cm.config.Enabled || cm.config.SaveFrequency <= 0 || completed%cm.config.SaveFrequency != 0 {
		return "", nil
	}
	if err := cm.ensureDirectory(); err != nil {
		return "", err
	}

	state, err := cm.opt.GetState()
	if err != nil {
		return "", fmt.Errorf("failed to extract optimizer state: %w", err)
	}
	meta := checkpoints.NewMetadata(cm.config.RunID, cm.now())
	meta.Description = fmt.Sprintf("Periodic checkpoint - Epoch %d", completed)

	path := filepath.Join(cm.config.SaveDirectory, fmt.Sprintf("checkpoint_epoch_%d%s", completed, cm.bundleFormat().Extension()))
	c := &checkpoints.Checkpoint{
		Version:      checkpoints.FormatVersion,
		Model:        modelWeights(cm.model),
		Optimizer:    state,
		Scheduler:    cm.sched.State(),
		Epoch:        completed,
		BestAccuracy: best,
		Metadata:     meta,
	}
	if err := checkpoints.Save(path, c); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.logger.Info("checkpoint: saved resumable bundle", "path", path, "epoch", completed)
	return path, nil
}

// Resume restores model, optimizer and scheduler state from a bundle. The
// bundle is checked in full before anything is applied, so a failed resume
// leaves the run untouched. The run keeps the bundle's run id, and the
// history.json of that run is reloaded up to the bundle's epoch.
// Failures are *checkpoints.LoadError.
func (cm *CheckpointManager) Resume(path string) (ResumeState, error) {
	c, err := checkpoints.Load(path)
	if err != nil {
		return ResumeState{}, err
	}
	values, err := weightValues(c.Model)
	if err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: err}
	}
	if err := cm.model.CheckParameters(values); err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: err}
	}
	if err := cm.sched.checkState(c.Scheduler); err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: fmt.Errorf("scheduler state: %w", err)}
	}
	// LoadState leaves the optimizer unchanged on error.
	if err := cm.opt.LoadState(c.Optimizer); err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: fmt.Errorf("optimizer state: %w", err)}
	}
	if err := cm.sched.LoadState(c.Scheduler); err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: fmt.Errorf("scheduler state: %w", err)}
	}
	if err := cm.model.LoadParameters(values); err != nil {
		return ResumeState{}, &checkpoints.LoadError{Path: path, Err: err}
	}

	if c.Metadata.RunID != "" {
		cm.config.RunID = c.Metadata.RunID
	}
	cm.history = History{RunID: cm.config.RunID}
	if h, ok := cm.previousHistory(c.Epoch); ok {
		cm.history = h
	}
	cm.logger.Info("checkpoint: resumed", "path", path, "epoch", c.Epoch, "best_acc", c.BestAccuracy, "history_epochs", len(cm.history.Epochs))
	return ResumeState{Epoch: c.Epoch, BestAccuracy: c.BestAccuracy}, nil
}

// previousHistory reads history.json from the save directory when it belongs
// to the current run, keeping the first completed epochs only.
func (cm *CheckpointManager) previousHistory(completed int) (History, bool) {
	if cm.config.SaveDirectory == "" || cm.config.RunID == "" {
		return History{}, false
	}
	path := filepath.Join(cm.config.SaveDirectory, historyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			cm.logger.Warn("checkpoint: history not reloaded", "path", path, "error", err)
		}
		return History{}, false
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		cm.logger.Warn("checkpoint: history not reloaded", "path", path, "error", err)
		return History{}, false
	}
	if h.RunID != cm.config.RunID {
		cm.logger.Debug("checkpoint: history belongs to another run", "path", path, "run_id", h.RunID)
		return History{}, false
	}
	kept := h.Epochs[:0]
	for _, m := range h.Epochs {
		if m.Epoch <= completed {
			kept = append(kept, m)
		}
	}
	h.Epochs = kept
	return h, true
}

// LoadWeights restores model parameters only, from a weights file, a bundle
// or an ONNX file.
func (cm *CheckpointManager) LoadWeights(path string) error {
	w, err := checkpoints.LoadWeights(path)
	if err != nil {
		return err
	}
	if err := loadModelWeights(cm.model, w.Model); err != nil {
		return &checkpoints.LoadError{Path: path, Err: err}
	}
	cm.logger.Info("checkpoint: loaded weights", "path", path, "parameters", len(w.Model))
	return nil
}

// LoadPretrained restores encoder and predictor weights for fine-tuning. A
// classifier missing from the file keeps its initial values.
func (cm *CheckpointManager) LoadPretrained(path string) error {
	w, err := checkpoints.LoadWeights(path)
	if err != nil {
		return err
	}
	values, err := weightValues(w.Model)
	if err != nil {
		return &checkpoints.LoadError{Path: path, Err: err}
	}
	if err := cm.model.LoadBackbone(values); err != nil {
		return &checkpoints.LoadError{Path: path, Err: err}
	}
	cm.logger.Info("checkpoint: loaded pretrained weights", "path", path, "parameters", len(w.Model))
	return nil
}

// RecordEpoch appends m to the run history and rewrites history.json.
func (cm *CheckpointManager) RecordEpoch(m EpochMetrics) error {
	if cm.history.Mode == "" {
		cm.history.Mode = m.Mode
	}
	cm.history.Append(m)
	if !cm.config.Enabled {
		return nil
	}
	if err := cm.ensureDirectory(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cm.history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	return checkpoints.WriteFileAtomic(filepath.Join(cm.config.SaveDirectory, historyFile), data)
}

func (cm *CheckpointManager) History() History { return cm.history }

func (cm *CheckpointManager) saveWeights(name, description string) (string, error) {
	if err := cm.ensureDirectory(); err != nil {
		return "", err
	}
	path := filepath.Join(cm.config.SaveDirectory, name+cm.config.Format.Extension())
	if err := cm.writeWeights(path, cm.config.Format, description); err != nil {
		return "", fmt.Errorf("failed to save model: %w", err)
	}
	cm.logger.Info("checkpoint: saved model", "path", path)
	return path, nil
}

// Export writes the current weights to path, in the format implied by its
// extension. ONNX files also carry the predictor graph.
func (cm *CheckpointManager) Export(path, description string) error {
	if err := cm.writeWeights(path, checkpoints.FormatFromPath(path), description); err != nil {
		return fmt.Errorf("failed to export model: %w", err)
	}
	cm.logger.Info("checkpoint: exported model", "path", path)
	return nil
}

func (cm *CheckpointManager) writeWeights(path string, format checkpoints.CheckpointFormat, description string) error {
	meta := checkpoints.NewMetadata(cm.config.RunID, cm.now())
	meta.Description = description
	w := &checkpoints.WeightsFile{
		Version:  checkpoints.FormatVersion,
		Model:    modelWeights(cm.model),
		Metadata: meta,
	}
	if format != checkpoints.FormatONNX {
		return checkpoints.SaveWeights(path, w)
	}
	graph, err := cm.model.PredictorSpec(1)
	if err != nil {
		return fmt.Errorf("failed to describe predictor graph: %w", err)
	}
	return checkpoints.ExportONNX(path, w, graph)
}

// Bundles carry optimizer state, which ONNX cannot hold.
func (cm *CheckpointManager) bundleFormat() checkpoints.CheckpointFormat {
	if cm.config.Format == checkpoints.FormatONNX {
		return checkpoints.FormatJSON
	}
	return cm.config.Format
}

func (cm *CheckpointManager) ensureDirectory() error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return nil
}

// LatestPretrained returns the most recent pretrain_model_skips* file in dir.
func LatestPretrained(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}
	type candidate struct{ name, stamp string }
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pretrainedPrefix) {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		i := strings.LastIndexByte(base, '_')
		if i < 0 {
			continue
		}
		stamp := base[i+1:]
		if _, err := time.Parse(TimestampLayout, stamp); err != nil {
			continue
		}
		found = append(found, candidate{name: name, stamp: stamp})
	}
	if len(found) == 0 {
		return "", &checkpoints.LoadError{Path: dir, Err: errors.New("no pretrained model found")}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].stamp != found[j].stamp {
			return found[i].stamp < found[j].stamp
		}
		return found[i].name < found[j].name
	})
	return filepath.Join(dir, found[len(found)-1].name), nil
}

func modelWeights(m *jepa.Model) []checkpoints.WeightTensor {
	named := m.NamedParameters()
	out := make([]checkpoints.WeightTensor, len(named))
	for i, p := range named {
		data := make([]float32, len(p.Tensor.Data))
		copy(data, p.Tensor.Data)
		shape := make([]int, len(p.Tensor.Shape))
		copy(shape, p.Tensor.Shape)
		out[i] = checkpoints.WeightTensor{Name: p.Name, Shape: shape, Data: data}
	}
	return out
}

func loadModelWeights(m *jepa.Model, weights []checkpoints.WeightTensor) error {
	values, err := weightValues(weights)
	if err != nil {
		return err
	}
	return m.LoadParameters(values)
}

func weightValues(weights []checkpoints.WeightTensor) (map[string]*tensor.Tensor, error) {
	values := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", w.Name, err)
		}
		values[w.Name] = t
	}
	return values, nil
}
