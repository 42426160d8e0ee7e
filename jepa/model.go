// Package jepa composes the video joint-embedding predictive model: a context
// encoder, a target encoder, a predictor head mapping context embeddings onto
// target embeddings, and a linear classifier used for supervised training.
package jepa

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vjepa/layers"
	"github.com/tsawler/go-vjepa/tensor"
)

// ErrDataShape is returned (wrapped) when a frame batch does not fit the
// model: wrong rank, wrong frame geometry, or too few frames for the skip.
var ErrDataShape = errors.New("frame batch shape does not match model")

const (
	DefaultEmbedDim     = 512
	DefaultPredictorDim = 256
)

type Config struct {
	Encoder      layers.PatchEncoderConfig
	PredictorDim int
	// NumClasses sizes the classifier head; zero builds no classifier.
	NumClasses int
	// Skip is the number of trailing frames withheld from the context.
	Skip int
}

func (c Config) Validate() error {
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if c.PredictorDim <= 0 {
		return fmt.Errorf("predictor dimension must be positive, got %d", c.PredictorDim)
	}
	if c.NumClasses < 0 {
		return fmt.Errorf("number of classes must not be negative, got %d", c.NumClasses)
	}
	if c.Skip < 1 {
		return fmt.Errorf("frame skip must be at least 1, got %d", c.Skip)
	}
	return nil
}

// Model owns every trainable parameter. Its forward passes are pure
// functions of the parameters and the input.
type Model struct {
	cfg            Config
	ContextEncoder *layers.PatchEncoder
	TargetEncoder  *layers.PatchEncoder
	Predictor      *layers.Sequential
	Classifier     *layers.Linear
}

// New builds a model whose initial weights are drawn from rng, so equal
// seeds give equal models.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctxEnc, err := layers.NewPatchEncoder(cfg.Encoder, rng)
	if err != nil {
		return nil, fmt.Errorf("context encoder: %w", err)
	}
	tgtEnc, err := layers.NewPatchEncoder(cfg.Encoder, rng)
	if err != nil {
		return nil, fmt.Errorf("target encoder: %w", err)
	}

	d, p := cfg.Encoder.EmbedDim, cfg.PredictorDim
	fc1, err := layers.NewLinear(d, p, true, rng)
	if err != nil {
		return nil, err
	}
	fc2, err := layers.NewLinear(p, p, true, rng)
	if err != nil {
		return nil, err
	}
	fc3, err := layers.NewLinear(p, d, true, rng)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:            cfg,
		ContextEncoder: ctxEnc,
		TargetEncoder:  tgtEnc,
		Predictor:      layers.NewSequential(fc1, layers.NewReLU(), fc2, layers.NewReLU(), fc3),
	}
	if cfg.NumClasses > 0 {
		if m.Classifier, err = layers.NewLinear(d, cfg.NumClasses, true, rng); err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// SplitFrames selects the context frames [0, T-skip) and the target frame
// T-1 of every clip in a [B, T, C, H, W] batch.
func (m *Model) SplitFrames(frames *tensor.Tensor) (context, target *tensor.Tensor, err error) {
	if err := m.checkFrames(frames); err != nil {
		return nil, nil, err
	}
	t := frames.Shape[1]
	if t < m.cfg.Skip+1 {
		return nil, nil, fmt.Errorf("%d frames per clip, need at least skip+1 = %d: %w", t, m.cfg.Skip+1, ErrDataShape)
	}
	if context, err = tensor.Narrow(frames, 1, 0, t-m.cfg.Skip); err != nil {
		return nil, nil, fmt.Errorf("context frames: %w", err)
	}
	if target, err = tensor.Narrow(frames, 1, t-1, 1); err != nil {
		return nil, nil, fmt.Errorf("target frame: %w", err)
	}
	return context, target, nil
}

// Predict returns the predicted embedding of the target frame, computed from
// the context frames, together with the target encoder's embedding of it.
// Both are [B, EmbedDim].
func (m *Model) Predict(frames *tensor.Tensor) (pred, target *tensor.Tensor, err error) {
	context, targetFrames, err := m.SplitFrames(frames)
	if err != nil {
		return nil, nil, err
	}

	ctxEmb, err := m.ContextEncoder.Forward(context)
	if err != nil {
		return nil, nil, fmt.Errorf("context encoder: %w", err)
	}
	if pred, err = m.Predictor.Forward(ctxEmb); err != nil {
		return nil, nil, fmt.Errorf("predictor: %w", err)
	}
	if target, err = m.TargetEncoder.Forward(targetFrames); err != nil {
		return nil, nil, fmt.Errorf("target encoder: %w", err)
	}
	return pred, target, nil
}

// Classify encodes the whole clip with the context encoder and returns the
// [B, NumClasses] class scores.
func (m *Model) Classify(frames *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Classifier == nil {
		return nil, fmt.Errorf("model was built without a classifier head")
	}
	if err := m.checkFrames(frames); err != nil {
		return nil, err
	}
	emb, err := m.ContextEncoder.Forward(frames)
	if err != nil {
		return nil, fmt.Errorf("context encoder: %w", err)
	}
	scores, err := m.Classifier.Forward(emb)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return scores, nil
}

func (m *Model) checkFrames(frames *tensor.Tensor) error {
	if len(frames.Shape) != 5 {
		return fmt.Errorf("expected [batch, frames, channels, height, width], got %v: %w", frames.Shape, ErrDataShape)
	}
	enc := m.cfg.Encoder
	c, h, w := frames.Shape[2], frames.Shape[3], frames.Shape[4]
	if c != enc.Channels || h != enc.Height || w != enc.Width {
		return fmt.Errorf("frames are %dx%dx%d, model expects %dx%dx%d: %w",
			c, h, w, enc.Channels, enc.Height, enc.Width, ErrDataShape)
	}
	return nil
}

// NamedParameters lists every parameter in a fixed order under stable names.
func (m *Model) NamedParameters() []layers.NamedParameter {
	named := m.ContextEncoder.NamedParameters("context_encoder")
	named = append(named, m.TargetEncoder.NamedParameters("target_encoder")...)
	named = append(named, m.Predictor.NamedParameters("predictor")...)
	if m.Classifier != nil {
		named = append(named, m.Classifier.NamedParameters("classifier")...)
	}
	return named
}

func (m *Model) Parameters() []*tensor.Tensor {
	named := m.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

// NumParameters counts scalar parameters.
func (m *Model) NumParameters() int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.NumElems)
	}
	return n
}

// LoadParameters copies values into the parameters of the same name. Every
// parameter must be present with a matching shape; extra entries are an
// error too, so a checkpoint from a different architecture is rejected.
func (m *Model) LoadParameters(values map[string]*tensor.Tensor) error {
	return loadNamed(m.NamedParameters(), values)
}

// LoadBackbone is LoadParameters for fine-tuning: weights saved by a
// self-supervised run carry no classifier, so the classifier keeps its
// initial values when values has none for it.
func (m *Model) LoadBackbone(values map[string]*tensor.Tensor) error {
	named := m.NamedParameters()
	if m.Classifier != nil {
		if _, ok := values["classifier.weight"]; !ok {
			named = named[:len(named)-len(m.Classifier.Parameters())]
		}
	}
	return loadNamed(named, values)
}

// CheckParameters reports whether LoadParameters would accept values,
// without changing the model.
func (m *Model) CheckParameters(values map[string]*tensor.Tensor) error {
	return checkNamed(m.NamedParameters(), values)
}

func loadNamed(named []layers.NamedParameter, values map[string]*tensor.Tensor) error {
	if err := checkNamed(named, values); err != nil {
		return err
	}
	for _, p := range named {
		copy(p.Tensor.Data, values[p.Name].Data)
	}
	return nil
}

func checkNamed(named []layers.NamedParameter, values map[string]*tensor.Tensor) error {
	if len(values) != len(named) {
		return fmt.Errorf("expected %d parameters, got %d", len(named), len(values))
	}
	for _, p := range named {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("missing parameter %q", p.Name)
		}
		if !tensor.ShapesEqual(v.Shape, p.Tensor.Shape) {
			return fmt.Errorf("parameter %q has shape %v, model expects %v", p.Name, v.Shape, p.Tensor.Shape)
		}
	}
	return nil
}

// PredictorSpec compiles the predictor head into a layer description over a
// [batch, EmbedDim] input, used for graph export.
func (m *Model) PredictorSpec(batch int) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{batch, m.cfg.Encoder.EmbedDim}).
		AddLayers(m.Predictor.Specs("predictor")).
		Compile()
}

// EncoderSpec compiles the context encoder over a [batch, frames, C, H, W]
// clip.
func (m *Model) EncoderSpec(batch, frames int) (*layers.ModelSpec, error) {
	e := m.cfg.Encoder
	return layers.NewModelBuilder([]int{batch, frames, e.Channels, e.Height, e.Width}).
		AddLayers(m.ContextEncoder.Specs("context_encoder")).
		Compile()
}

func (m *Model) Train() {
	m.ContextEncoder.Train()
	m.TargetEncoder.Train()
	m.Predictor.Train()
	if m.Classifier != nil {
		m.Classifier.Train()
	}
}

func (m *Model) Eval() {
	m.ContextEncoder.Eval()
	m.TargetEncoder.Eval()
	m.Predictor.Eval()
	if m.Classifier != nil {
		m.Classifier.Eval()
	}
}
