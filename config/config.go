// Package config holds the run configuration of the trainer: the training
// options, the model geometry, optimizer and scheduler choice, checkpointing,
// logging and telemetry.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/jepa"
	"github.com/tsawler/go-vjepa/layers"
	"github.com/tsawler/go-vjepa/optimizer"
	"github.com/tsawler/go-vjepa/training"
)

// ErrDevice is returned when the requested compute device is not available.
var ErrDevice = errors.New("compute device unavailable")

// RunConfig represents the complete trainer configuration
type RunConfig struct {
	BatchSize       int     `yaml:"batch_size"`
	LR              float64 `yaml:"lr"`
	Epochs          int     `yaml:"epochs"`
	NumWorkers      int     `yaml:"num_workers"`
	Seed            int64   `yaml:"seed"`
	LogInterval     int     `yaml:"log_interval"`
	SaveModel       bool    `yaml:"save_model"`
	LoadModel       string  `yaml:"load_model"`
	SaveDir         string  `yaml:"save_dir"`
	DataDir         string  `yaml:"data_dir"`
	Model           string  `yaml:"model"` // vivit (alias resnet18)
	Pretrained      bool    `yaml:"pretrained"`
	Resume          string  `yaml:"resume"`
	Unsupervised    bool    `yaml:"unsupervised"`
	FrameSkip       int     `yaml:"frame_skip"`
	DebugDataloader bool    `yaml:"debug_dataloader"`

	// Geometry; zero values are filled from the model preset.
	Frames       int `yaml:"frames"`
	ImageHeight  int `yaml:"image_height"`
	ImageWidth   int `yaml:"image_width"`
	Channels     int `yaml:"channels"`
	PatchSize    int `yaml:"patch_size"`
	HiddenDim    int `yaml:"hidden_dim"`
	EmbedDim     int `yaml:"embed_dim"`
	PredictorDim int `yaml:"predictor_dim"`
	NumClasses   int `yaml:"num_classes"` // 0 = number of class directories in train

	Optimizer   string  `yaml:"optimizer"` // sgd, adam, rmsprop, adagrad
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`

	Scheduler string  `yaml:"scheduler"` // step, exponential, cosine, constant
	StepSize  int     `yaml:"step_size"`
	Gamma     float64 `yaml:"gamma"`

	CheckpointEvery  int    `yaml:"checkpoint_every"`  // resumable bundle every N epochs, 0 = never
	CheckpointFormat string `yaml:"checkpoint_format"` // json, msgpack, onnx
	CacheFrames      int    `yaml:"cache_frames"`      // decoded frames kept in memory

	Device    string `yaml:"device"`     // auto, cpu
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig contains MQTT broker settings for epoch metrics
type TelemetryConfig struct {
	MQTTBroker  string `yaml:"mqtt_broker"` // empty disables MQTT
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	QoS         byte   `yaml:"qos"`
}

// Preset is the encoder geometry selected by the model name.
type Preset struct {
	Frames       int
	ImageHeight  int
	ImageWidth   int
	Channels     int
	PatchSize    int
	HiddenDim    int
	EmbedDim     int
	PredictorDim int
}

var presets = map[string]Preset{
	"vivit": {
		Frames:       11,
		ImageHeight:  160,
		ImageWidth:   240,
		Channels:     3,
		PatchSize:    8,
		HiddenDim:    512,
		EmbedDim:     jepa.DefaultEmbedDim,
		PredictorDim: jepa.DefaultPredictorDim,
	},
}

var presetAliases = map[string]string{"resnet18": "vivit"}

// LookupPreset resolves a model name, following aliases.
func LookupPreset(name string) (Preset, error) {
	key := strings.ToLower(name)
	if alias, ok := presetAliases[key]; ok {
		key = alias
	}
	p, ok := presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown model %q", name)
	}
	return p, nil
}

// Default returns the configuration used when neither file nor flags set
// an option.
func Default() RunConfig {
	return RunConfig{
		BatchSize:        64,
		LR:               0.001,
		Epochs:           10,
		NumWorkers:       4,
		Seed:             42,
		LogInterval:      100,
		SaveDir:          "model",
		DataDir:          "data",
		Model:            "vivit",
		FrameSkip:        1,
		Optimizer:        "sgd",
		Momentum:         0.9,
		Scheduler:        "step",
		StepSize:         10,
		Gamma:            0.1,
		CheckpointFormat: "json",
		CacheFrames:      1024,
		Device:           "auto",
		LogLevel:         "info",
		LogFormat:        "text",
		Telemetry: TelemetryConfig{
			TopicPrefix: "vjepa/runs",
			ClientID:    "jepa-train",
		},
	}
}

// Load reads a YAML configuration file over the defaults. Unknown keys are
// rejected.
func Load(path string) (*RunConfig, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Override sets one option from its command-line text. key is the YAML key,
// dotted for nested sections ("telemetry.mqtt_broker"). quoted forces the
// text to be read as a string.
func (c *RunConfig) Override(key, value string, quoted bool) error {
	node := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	if quoted {
		node.Tag = "!!str"
	}
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		node = &yaml.Node{
			Kind:    yaml.MappingNode,
			Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: parts[i]}, node},
		}
	}
	if err := node.Decode(c); err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	return nil
}

// Validate fills preset geometry and checks every option.
func (c *RunConfig) Validate() error {
	preset, err := LookupPreset(c.Model)
	if err != nil {
		return err
	}
	fill(&c.Frames, preset.Frames)
	fill(&c.ImageHeight, preset.ImageHeight)
	fill(&c.ImageWidth, preset.ImageWidth)
	fill(&c.Channels, preset.Channels)
	fill(&c.PatchSize, preset.PatchSize)
	fill(&c.HiddenDim, preset.HiddenDim)
	fill(&c.EmbedDim, preset.EmbedDim)
	fill(&c.PredictorDim, preset.PredictorDim)

	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be > 0")
	case c.LR <= 0:
		return fmt.Errorf("lr must be > 0")
	case c.Epochs < 0:
		return fmt.Errorf("epochs must be >= 0")
	case c.NumWorkers < 0:
		return fmt.Errorf("num_workers must be >= 0")
	case c.LogInterval <= 0:
		return fmt.Errorf("log_interval must be > 0")
	case c.FrameSkip < 1:
		return fmt.Errorf("frame_skip must be >= 1")
	case c.Frames < c.FrameSkip+1:
		return fmt.Errorf("frames (%d) must be at least frame_skip+1 (%d)", c.Frames, c.FrameSkip+1)
	case c.NumClasses < 0:
		return fmt.Errorf("num_classes must be >= 0")
	case c.CheckpointEvery < 0:
		return fmt.Errorf("checkpoint_every must be >= 0")
	case c.CacheFrames < 0:
		return fmt.Errorf("cache_frames must be >= 0")
	case c.Telemetry.QoS > 2:
		return fmt.Errorf("telemetry.qos must be 0, 1 or 2")
	}
	if c.SaveDir == "" {
		return fmt.Errorf("save_dir is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if err := c.ModelConfig(0).Encoder.Validate(); err != nil {
		return fmt.Errorf("model geometry: %w", err)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if _, err := training.NewScheduler(c.SchedulerConfig()); err != nil {
		return err
	}
	switch strings.ToLower(c.Optimizer) {
	case "sgd", "adam", "rmsprop", "adagrad":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if _, err := c.ResolveDevice(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

func fill(field *int, preset int) {
	if *field == 0 {
		*field = preset
	}
}

// ResolveDevice picks the compute device once at startup. Only the CPU
// backend exists, so accelerator requests fail with ErrDevice.
func (c *RunConfig) ResolveDevice() (string, error) {
	switch strings.ToLower(c.Device) {
	case "", "auto", "cpu":
		return "cpu", nil
	case "cuda", "gpu", "mps", "metal":
		return "", fmt.Errorf("device %q: %w", c.Device, ErrDevice)
	default:
		return "", fmt.Errorf("unknown device %q", c.Device)
	}
}

// ModelConfig returns the JEPA configuration for numClasses classes.
func (c *RunConfig) ModelConfig(numClasses int) jepa.Config {
	return jepa.Config{
		Encoder: layers.PatchEncoderConfig{
			Channels:  c.Channels,
			Height:    c.ImageHeight,
			Width:     c.ImageWidth,
			PatchSize: c.PatchSize,
			HiddenDim: c.HiddenDim,
			EmbedDim:  c.EmbedDim,
		},
		PredictorDim: c.PredictorDim,
		NumClasses:   numClasses,
		Skip:         c.FrameSkip,
	}
}

func (c *RunConfig) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		Type:         c.Optimizer,
		LearningRate: float32(c.LR),
		Momentum:     float32(c.Momentum),
		WeightDecay:  float32(c.WeightDecay),
	}
}

func (c *RunConfig) SchedulerConfig() training.SchedulerConfig {
	return training.SchedulerConfig{
		Name:     c.Scheduler,
		StepSize: c.StepSize,
		Gamma:    c.Gamma,
		Epochs:   c.Epochs,
	}
}

// CheckpointConfig returns the checkpoint settings for the run runID.
func (c *RunConfig) CheckpointConfig(runID string) training.CheckpointConfig {
	format, _ := checkpoints.ParseFormat(c.CheckpointFormat)
	return training.CheckpointConfig{
		SaveDirectory: c.SaveDir,
		Enabled:       c.SaveModel,
		SaveFrequency: c.CheckpointEvery,
		Format:        format,
		RunID:         runID,
	}
}

func (c *RunConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// NewLogger builds the run's logger writing to w.
func (c *RunConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
