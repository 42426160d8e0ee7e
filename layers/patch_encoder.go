package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vjepa/tensor"
)

// PatchEncoderConfig fixes the per-frame geometry an encoder accepts. The
// number of frames may vary between calls.
type PatchEncoderConfig struct {
	Channels  int
	Height    int
	Width     int
	PatchSize int
	HiddenDim int
	EmbedDim  int
}

func (c PatchEncoderConfig) Validate() error {
	if c.Channels <= 0 || c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%dx%d", c.Channels, c.Height, c.Width)
	}
	if c.PatchSize <= 0 || c.Height%c.PatchSize != 0 || c.Width%c.PatchSize != 0 {
		return fmt.Errorf("patch size %d does not tile %dx%d frames", c.PatchSize, c.Height, c.Width)
	}
	if c.HiddenDim <= 0 || c.EmbedDim <= 0 {
		return fmt.Errorf("hidden and embedding dimensions must be positive")
	}
	return nil
}

// NumPatches is the number of patches per frame.
func (c PatchEncoderConfig) NumPatches() int {
	return (c.Height / c.PatchSize) * (c.Width / c.PatchSize)
}

// PatchDim is the flattened length of one patch.
func (c PatchEncoderConfig) PatchDim() int {
	return c.Channels * c.PatchSize * c.PatchSize
}

// PatchEncoder embeds a clip of frames into a single vector: every frame is
// cut into patches, each patch is projected and rectified, the patch tokens
// of all frames are averaged, and the average is projected to EmbedDim.
type PatchEncoder struct {
	cfg        PatchEncoderConfig
	patchEmbed *Linear
	act        *ReLUActivation
	head       *Linear
	training   bool
}

func NewPatchEncoder(cfg PatchEncoderConfig, rng *rand.Rand) (*PatchEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	patchEmbed, err := NewLinear(cfg.PatchDim(), cfg.HiddenDim, true, rng)
	if err != nil {
		return nil, fmt.Errorf("patch embedding: %w", err)
	}
	head, err := NewLinear(cfg.HiddenDim, cfg.EmbedDim, true, rng)
	if err != nil {
		return nil, fmt.Errorf("encoder head: %w", err)
	}
	return &PatchEncoder{
		cfg:        cfg,
		patchEmbed: patchEmbed,
		act:        NewReLU(),
		head:       head,
		training:   true,
	}, nil
}

func (e *PatchEncoder) Config() PatchEncoderConfig { return e.cfg }

// Forward maps [B, T, C, H, W] frames to [B, EmbedDim].
func (e *PatchEncoder) Forward(frames *tensor.Tensor) (*tensor.Tensor, error) {
	tokens, err := e.patchify(frames)
	if err != nil {
		return nil, err
	}
	perClip := frames.Shape[1] * e.cfg.NumPatches()

	h, err := e.patchEmbed.Forward(tokens)
	if err != nil {
		return nil, fmt.Errorf("patch embedding: %w", err)
	}
	h, err = e.act.Forward(h)
	if err != nil {
		return nil, err
	}
	pooled, err := tensor.MeanGroupsAutograd(h, perClip)
	if err != nil {
		return nil, fmt.Errorf("token pooling: %w", err)
	}
	out, err := e.head.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("encoder head: %w", err)
	}
	return out, nil
}

// patchify rearranges [B, T, C, H, W] into [B*T*P, C*ps*ps] with rows
// ordered by clip, frame, patch row, patch column. Frames are data, so no
// gradient is tracked.
func (e *PatchEncoder) patchify(frames *tensor.Tensor) (*tensor.Tensor, error) {
	if len(frames.Shape) != 5 {
		return nil, fmt.Errorf("encoder expects [batch, frames, channels, height, width], got %v: %w", frames.Shape, tensor.ErrShape)
	}
	b, t, c, h, w := frames.Shape[0], frames.Shape[1], frames.Shape[2], frames.Shape[3], frames.Shape[4]
	if c != e.cfg.Channels || h != e.cfg.Height || w != e.cfg.Width {
		return nil, fmt.Errorf("frame geometry %dx%dx%d does not match encoder %dx%dx%d: %w",
			c, h, w, e.cfg.Channels, e.cfg.Height, e.cfg.Width, tensor.ErrShape)
	}

	ps := e.cfg.PatchSize
	py, px := h/ps, w/ps
	dim := e.cfg.PatchDim()
	out, err := tensor.Zeros([]int{b * t * py * px, dim})
	if err != nil {
		return nil, err
	}

	frameSize := c * h * w
	row := 0
	for f := 0; f < b*t; f++ {
		frame := frames.Data[f*frameSize : (f+1)*frameSize]
		for i := 0; i < py; i++ {
			for j := 0; j < px; j++ {
				dst := out.Data[row*dim : (row+1)*dim]
				k := 0
				for ch := 0; ch < c; ch++ {
					for dy := 0; dy < ps; dy++ {
						src := frame[ch*h*w+(i*ps+dy)*w+j*ps:]
						copy(dst[k:k+ps], src[:ps])
						k += ps
					}
				}
				row++
			}
		}
	}
	return out, nil
}

func (e *PatchEncoder) Parameters() []*tensor.Tensor {
	return append(e.patchEmbed.Parameters(), e.head.Parameters()...)
}

func (e *PatchEncoder) NamedParameters(prefix string) []NamedParameter {
	return append(e.patchEmbed.NamedParameters(join(prefix, "patch_embed")),
		e.head.NamedParameters(join(prefix, "head"))...)
}

func (e *PatchEncoder) Specs(prefix string) []LayerSpec {
	f := NewFactory()
	specs := []LayerSpec{f.CreatePatchifySpec(e.cfg.PatchSize, join(prefix, "patchify"))}
	specs = append(specs, e.patchEmbed.Specs(join(prefix, "patch_embed"))...)
	specs = append(specs, e.act.Specs(join(prefix, "act"))...)
	specs = append(specs, f.CreateMeanPoolSpec(join(prefix, "pool")))
	return append(specs, e.head.Specs(join(prefix, "head"))...)
}

func (e *PatchEncoder) Train() {
	e.training = true
	e.patchEmbed.Train()
	e.head.Train()
}

func (e *PatchEncoder) Eval() {
	e.training = false
	e.patchEmbed.Eval()
	e.head.Eval()
}

func (e *PatchEncoder) IsTraining() bool { return e.training }
