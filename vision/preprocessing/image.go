// Package preprocessing decodes video frames stored as images into CHW
// float32 data.
package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
)

// FrameProcessor decodes PNG or JPEG frames and resizes them with
// nearest-neighbour sampling to a fixed geometry. It reuses its scratch
// buffer between calls and is safe for concurrent use.
type FrameProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	channels      int
	height        int
	width         int
}

// NewFrameProcessor creates a processor producing channels×height×width
// frames. channels is 3 (RGB) or 1 (luminance).
func NewFrameProcessor(channels, height, width int) (*FrameProcessor, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d (want 1 or 3)", channels)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", height, width)
	}
	return &FrameProcessor{channels: channels, height: height, width: width}, nil
}

// ProcessedImage represents a preprocessed frame ready for network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Size is the number of float32 values in one processed frame.
func (p *FrameProcessor) Size() int {
	return p.channels * p.height * p.width
}

// DecodeAndPreprocess decodes a frame and returns it in CHW layout with
// values in [0, 1].
func (p *FrameProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
	return p.Preprocess(img), nil
}

// Preprocess resizes an already decoded image.
func (p *FrameProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := p.height * p.width
	if len(p.processBuffer) < p.Size() {
		p.processBuffer = make([]float32, p.Size())
	}
	data := p.processBuffer[:p.Size()]

	scaleX := float64(srcW) / float64(p.width)
	scaleY := float64(srcH) / float64(p.height)
	for y := 0; y < p.height; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < p.width; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= srcW {
				srcX = srcW - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			idx := y*p.width + x
			if p.channels == 1 {
				// ITU-R BT.601 luma
				data[idx] = 0.299*rVal + 0.587*gVal + 0.114*bVal
				continue
			}
			data[idx] = rVal
			data[plane+idx] = gVal
			data[2*plane+idx] = bVal
		}
	}

	result := make([]float32, len(data))
	copy(result, data)
	return &ProcessedImage{
		Data:     result,
		Width:    p.width,
		Height:   p.height,
		Channels: p.channels,
	}
}

// LoadFile opens and preprocesses one frame file.
func (p *FrameProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
