package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is written into every file and checked on load.
const FormatVersion = 1

// Framework identifies files written by this module.
const Framework = "go-vjepa"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatMsgpack
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatMsgpack:
		return "MessagePack"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension, including the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatMsgpack:
		return ".msgpack"
	case FormatONNX:
		return ".onnx"
	default:
		return ".json"
	}
}

// ParseFormat maps a config value ("json", "msgpack", "onnx") to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack", "messagepack":
		return FormatMsgpack, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatFromPath picks the format from the file extension; files without a
// known extension are JSON.
func FormatFromPath(path string) CheckpointFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msgpack", ".mpk":
		return FormatMsgpack
	case ".onnx":
		return FormatONNX
	default:
		return FormatJSON
	}
}

// Checkpoint is a resumable training bundle.
type Checkpoint struct {
	Version      int             `json:"version" msgpack:"version"`
	Model        []WeightTensor  `json:"model" msgpack:"model"`
	Optimizer    *OptimizerState `json:"optimizer,omitempty" msgpack:"optimizer,omitempty"`
	Scheduler    *SchedulerState `json:"scheduler,omitempty" msgpack:"scheduler,omitempty"`
	Epoch        int             `json:"epoch" msgpack:"epoch"` // completed epochs
	BestAccuracy float64         `json:"best_acc" msgpack:"best_acc"`
	Metadata     Metadata        `json:"metadata" msgpack:"metadata"`
}

// WeightsFile holds model parameters only.
type WeightsFile struct {
	Version  int            `json:"version" msgpack:"version"`
	Model    []WeightTensor `json:"model" msgpack:"model"`
	Metadata Metadata       `json:"metadata" msgpack:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name" msgpack:"name"`
	Shape []int     `json:"shape" msgpack:"shape"`
	Data  []float32 `json:"data" msgpack:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, moments, etc.)
type OptimizerState struct {
	Type       string                 `json:"type" msgpack:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters" msgpack:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data" msgpack:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name" msgpack:"name"`
	Shape     []int     `json:"shape" msgpack:"shape"`
	Data      []float32 `json:"data" msgpack:"data"`
	StateType string    `json:"state_type" msgpack:"state_type"` // "momentum", "m", "v"
}

// SchedulerState captures learning-rate schedule progress.
type SchedulerState struct {
	Type      string  `json:"type" msgpack:"type"`
	StepCount int     `json:"step_count" msgpack:"step_count"`
	BaseLR    float64 `json:"base_lr" msgpack:"base_lr"`
	CurrentLR float64 `json:"current_lr" msgpack:"current_lr"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	RunID       string            `json:"run_id" msgpack:"run_id"`
	Framework   string            `json:"framework" msgpack:"framework"`
	CreatedAt   time.Time         `json:"created_at" msgpack:"created_at"`
	Description string            `json:"description,omitempty" msgpack:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// NewMetadata stamps a fresh record for runID. An empty runID gets a new UUID.
func NewMetadata(runID string, now time.Time) Metadata {
	if runID == "" {
		runID = uuid.NewString()
	}
	return Metadata{
		RunID:     runID,
		Framework: Framework,
		CreatedAt: now.UTC(),
	}
}

// LoadError reports a checkpoint or weights file that could not be used:
// missing, unreadable, corrupt, or of the wrong kind.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load checkpoint %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrNotResumable is wrapped by Load when the file holds weights only.
var ErrNotResumable = errors.New("file has no optimizer or scheduler state")

// Save writes a bundle in the format implied by the path's extension.
func Save(path string, c *Checkpoint) error {
	if c.Version == 0 {
		c.Version = FormatVersion
	}
	if c.Metadata.Framework == "" {
		c.Metadata = NewMetadata(c.Metadata.RunID, time.Now())
	}
	switch FormatFromPath(path) {
	case FormatONNX:
		return fmt.Errorf("ONNX files hold weights only, use SaveWeights")
	default:
		return writeEncoded(path, c)
	}
}

// Load reads a resumable bundle.
func Load(path string) (*Checkpoint, error) {
	if FormatFromPath(path) == FormatONNX {
		return nil, &LoadError{Path: path, Err: ErrNotResumable}
	}
	var c Checkpoint
	if err := readEncoded(path, &c); err != nil {
		return nil, err
	}
	if err := checkVersion(path, c.Version); err != nil {
		return nil, err
	}
	if c.Optimizer == nil || c.Scheduler == nil {
		return nil, &LoadError{Path: path, Err: ErrNotResumable}
	}
	if c.Epoch < 0 || c.BestAccuracy < 0 || c.BestAccuracy > 1 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("invalid progress: epoch %d, best accuracy %v", c.Epoch, c.BestAccuracy)}
	}
	if err := validateWeights(path, c.Model); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveWeights writes model parameters only.
func SaveWeights(path string, w *WeightsFile) error {
	if w.Version == 0 {
		w.Version = FormatVersion
	}
	if w.Metadata.Framework == "" {
		w.Metadata = NewMetadata(w.Metadata.RunID, time.Now())
	}
	if FormatFromPath(path) == FormatONNX {
		return ExportONNX(path, w, nil)
	}
	return writeEncoded(path, w)
}

// LoadWeights reads model parameters from a weights file, a resumable bundle
// or an ONNX file.
func LoadWeights(path string) (*WeightsFile, error) {
	var w WeightsFile
	if FormatFromPath(path) == FormatONNX {
		imported, err := ImportONNX(path)
		if err != nil {
			return nil, err
		}
		w = *imported
	} else {
		if err := readEncoded(path, &w); err != nil {
			return nil, err
		}
		if err := checkVersion(path, w.Version); err != nil {
			return nil, err
		}
	}
	if len(w.Model) == 0 {
		return nil, &LoadError{Path: path, Err: errors.New("file contains no model parameters")}
	}
	if err := validateWeights(path, w.Model); err != nil {
		return nil, err
	}
	return &w, nil
}

func checkVersion(path string, version int) error {
	if version != FormatVersion {
		return &LoadError{Path: path, Err: fmt.Errorf("unsupported format version %d (expected %d)", version, FormatVersion)}
	}
	return nil
}

func validateWeights(path string, weights []WeightTensor) error {
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		if seen[w.Name] {
			return &LoadError{Path: path, Err: fmt.Errorf("duplicate parameter %q", w.Name)}
		}
		seen[w.Name] = true
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if len(w.Shape) == 0 || n != len(w.Data) {
			return &LoadError{Path: path, Err: fmt.Errorf("parameter %q: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))}
		}
	}
	return nil
}

func encode(format CheckpointFormat, v interface{}) ([]byte, error) {
	switch format {
	case FormatMsgpack:
		return msgpack.Marshal(v)
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

func writeEncoded(path string, v interface{}) error {
	data, err := encode(FormatFromPath(path), v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return WriteFileAtomic(path, data)
}

func readEncoded(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	switch FormatFromPath(path) {
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return &LoadError{Path: path, Err: fmt.Errorf("corrupt file: %w", err)}
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
