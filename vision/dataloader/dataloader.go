// Package dataloader turns a clip dataset into shuffled, prefetched frame
// batches.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/tsawler/go-vjepa/tensor"
	"github.com/tsawler/go-vjepa/training"
	"github.com/tsawler/go-vjepa/vision/dataset"
	"github.com/tsawler/go-vjepa/vision/preprocessing"
)

// Dataset defines the contract for clip datasets
type Dataset interface {
	Len() int
	GetItem(index int) (dataset.Clip, error)
	Labeled() bool
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Shuffle       bool
	Seed          int64 // shuffle seed; each epoch draws a new order from it
	NumWorkers    int   // parallel batch builders (default 2)
	PrefetchDepth int   // batches decoded ahead of the consumer (default 2*NumWorkers)

	Frames   int
	Channels int
	Height   int
	Width    int

	Cache     *FrameCache // optional shared cache
	CacheSize int         // capacity of a private cache when Cache is nil

	Logger *slog.Logger
}

// DataLoader implements training.BatchSource. Batches are built by a worker
// pool but always delivered in the epoch's order.
type DataLoader struct {
	dataset    Dataset
	cfg        Config
	rng        *rand.Rand
	indices    []int
	cache      *FrameCache
	processors []*preprocessing.FrameProcessor
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan chan batchResult
}

type batchResult struct {
	batch *training.Batch
	err   error
}

type batchJob struct {
	indices []int
	out     chan<- batchResult
}

var _ training.BatchSource = (*DataLoader)(nil)

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, cfg Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Frames <= 0 {
		return nil, fmt.Errorf("frames per clip must be positive, got %d", cfg.Frames)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 2 * cfg.NumWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	processors := make([]*preprocessing.FrameProcessor, cfg.NumWorkers)
	for i := range processors {
		p, err := preprocessing.NewFrameProcessor(cfg.Channels, cfg.Height, cfg.Width)
		if err != nil {
			return nil, err
		}
		processors[i] = p
	}

	cache := cfg.Cache
	if cache == nil {
		cache = NewFrameCache(cfg.CacheSize)
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    ds,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		indices:    indices,
		cache:      cache,
		processors: processors,
		logger:     cfg.Logger,
	}, nil
}

// Reset stops any running epoch, draws the next order and starts
// prefetching. The pipeline stops when ctx is cancelled.
func (dl *DataLoader) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.stopLocked()

	if dl.cfg.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	order := make([]int, len(dl.indices))
	copy(order, dl.indices)

	dl.ctx, dl.cancel = context.WithCancel(ctx)
	dl.queue = make(chan chan batchResult, dl.cfg.PrefetchDepth)
	jobs := make(chan batchJob)

	for w := 0; w < dl.cfg.NumWorkers; w++ {
		dl.wg.Add(1)
		go dl.worker(dl.ctx, dl.processors[w], jobs)
	}

	dl.wg.Add(1)
	go dl.dispatch(dl.ctx, order, dl.queue, jobs)
	return nil
}

// dispatch hands batches to the workers in order. The queue capacity
// bounds how far ahead of the consumer the workers run.
func (dl *DataLoader) dispatch(ctx context.Context, order []int, queue chan<- chan batchResult, jobs chan<- batchJob) {
	defer dl.wg.Done()
	defer close(queue)
	defer close(jobs)

	for start := 0; start < len(order); start += dl.cfg.BatchSize {
		end := min(start+dl.cfg.BatchSize, len(order))
		out := make(chan batchResult, 1)
		select {
		case queue <- out:
		case <-ctx.Done():
			return
		}
		select {
		case jobs <- batchJob{indices: order[start:end], out: out}:
		case <-ctx.Done():
			return
		}
	}
}

func (dl *DataLoader) worker(ctx context.Context, p *preprocessing.FrameProcessor, jobs <-chan batchJob) {
	defer dl.wg.Done()
	for job := range jobs {
		b, err := dl.buildBatch(ctx, p, job.indices)
		job.out <- batchResult{batch: b, err: err}
	}
}

// Next returns the next batch of the epoch, or nil at its end.
func (dl *DataLoader) Next() (*training.Batch, error) {
	dl.mu.Lock()
	ctx, queue := dl.ctx, dl.queue
	dl.mu.Unlock()
	if queue == nil {
		return nil, errors.New("dataloader: Next called before Reset")
	}

	var out chan batchResult
	var ok bool
	select {
	case out, ok = <-queue:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	select {
	case r := <-out:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (dl *DataLoader) buildBatch(ctx context.Context, p *preprocessing.FrameProcessor, indices []int) (*training.Batch, error) {
	frameSize := p.Size()
	clipSize := dl.cfg.Frames * frameSize
	data := make([]float32, len(indices)*clipSize)

	var labels []int
	if dl.dataset.Labeled() {
		labels = make([]int, len(indices))
	}

	for i, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clip, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, err
		}
		if len(clip.Frames) < dl.cfg.Frames {
			return nil, fmt.Errorf("%s: %d frames, need %d", clip.Video, len(clip.Frames), dl.cfg.Frames)
		}
		for f := 0; f < dl.cfg.Frames; f++ {
			frame, err := dl.loadFrame(p, clip.Frames[f])
			if err != nil {
				return nil, err
			}
			copy(data[i*clipSize+f*frameSize:], frame)
		}
		if labels != nil {
			labels[i] = clip.Label
		}
	}

	frames, err := tensor.NewTensor([]int{len(indices), dl.cfg.Frames, dl.cfg.Channels, dl.cfg.Height, dl.cfg.Width}, data)
	if err != nil {
		return nil, err
	}
	return &training.Batch{Frames: frames, Labels: labels}, nil
}

func (dl *DataLoader) loadFrame(p *preprocessing.FrameProcessor, path string) ([]float32, error) {
	if frame, ok := dl.cache.Get(path); ok {
		return frame, nil
	}
	img, err := p.LoadFile(path)
	if err != nil {
		return nil, err
	}
	dl.cache.Put(path, img.Data)
	return img.Data, nil
}

// Close stops the prefetch workers.
func (dl *DataLoader) Close() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.stopLocked()
}

func (dl *DataLoader) stopLocked() {
	if dl.cancel != nil {
		dl.cancel()
		dl.wg.Wait()
		dl.cancel = nil
	}
}

// Len returns the number of clips in the split.
func (dl *DataLoader) Len() int { return dl.dataset.Len() }

// NumBatches returns the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Stats returns statistics of the frame cache.
func (dl *DataLoader) Stats() CacheStats { return dl.cache.Stats() }

// Cache returns the frame cache backing the loader.
func (dl *DataLoader) Cache() *FrameCache { return dl.cache }
