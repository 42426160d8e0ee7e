package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-vjepa/tensor"
)

// Batch is one step's worth of clips. Frames is [B, T, C, H, W]; Labels holds
// one class index per clip and is nil for unlabeled data.
type Batch struct {
	Frames *tensor.Tensor
	Labels []int
}

// Len returns the number of clips in the batch.
func (b *Batch) Len() int {
	if b.Frames == nil || len(b.Frames.Shape) == 0 {
		return 0
	}
	return b.Frames.Shape[0]
}

// BatchSource yields the batches of one split in a fixed batch size.
type BatchSource interface {
	// Reset starts a new epoch. The context bounds any background work the
	// epoch starts.
	Reset(ctx context.Context) error

	// Next returns the next batch, or nil once the epoch is exhausted.
	Next() (*Batch, error)

	// Len is the number of samples in the split.
	Len() int

	// NumBatches is the number of batches per epoch.
	NumBatches() int
}

// SliceSource serves pre-built batches in order. It backs tests and small
// in-memory runs.
type SliceSource struct {
	batches []*Batch
	size    int
	pos     int
}

func NewSliceSource(batches ...*Batch) *SliceSource {
	size := 0
	for _, b := range batches {
		size += b.Len()
	}
	return &SliceSource{batches: batches, size: size}
}

func (s *SliceSource) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.pos = 0
	return nil
}

func (s *SliceSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	if b.Labels != nil && len(b.Labels) != b.Len() {
		return nil, fmt.Errorf("batch %d has %d clips and %d labels", s.pos-1, b.Len(), len(b.Labels))
	}
	return b, nil
}

func (s *SliceSource) Len() int        { return s.size }
func (s *SliceSource) NumBatches() int { return len(s.batches) }
