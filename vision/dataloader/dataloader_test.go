package dataloader

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vjepa/training"
	"github.com/tsawler/go-vjepa/vision/dataset"
)

const testFrames = 3

// writeFrame stores a uniform 4x4 gray PNG.
func writeFrame(t *testing.T, path string, value uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeVideo writes clip id's frames; frame f is gray level 10*id+f.
func writeVideo(t *testing.T, dir string, id int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for f := 0; f < testFrames; f++ {
		writeFrame(t, filepath.Join(dir, fmt.Sprintf("frame_%d.png", f+1)), uint8(10*id+f))
	}
}

// labeledFixture builds clips 0-2 in class "a" and clips 3-4 in class "b".
func labeledFixture(t *testing.T) *dataset.VideoFolderDataset {
	t.Helper()
	root := t.TempDir()
	for id := 0; id < 5; id++ {
		class := "a"
		if id >= 3 {
			class = "b"
		}
		writeVideo(t, filepath.Join(root, class, fmt.Sprintf("v%d", id)), id)
	}
	d, err := dataset.NewLabeledVideoFolder(root, dataset.Options{Frames: testFrames})
	require.NoError(t, err)
	return d
}

func testConfig(batchSize int) Config {
	return Config{
		BatchSize:  batchSize,
		NumWorkers: 3,
		Frames:     testFrames,
		Channels:   1,
		Height:     2,
		Width:      2,
		CacheSize:  100,
	}
}

// clipID recovers the clip a batch row came from and checks its frames.
func clipID(t *testing.T, b *training.Batch, row int) int {
	t.Helper()
	clipSize := testFrames * 4
	first := b.Frames.Data[row*clipSize]
	id := int(math.Round(float64(first) * 255 / 10))
	for f := 0; f < testFrames; f++ {
		assert.InDelta(t, float64(10*id+f)/255, b.Frames.Data[row*clipSize+f*4], 1e-4)
	}
	return id
}

// drain reads one epoch and returns the clip ids in delivery order.
func drain(t *testing.T, dl *DataLoader) []int {
	t.Helper()
	require.NoError(t, dl.Reset(context.Background()))
	var ids []int
	for {
		b, err := dl.Next()
		require.NoError(t, err)
		if b == nil {
			return ids
		}
		for row := 0; row < b.Len(); row++ {
			ids = append(ids, clipID(t, b, row))
		}
	}
}

func TestNewDataLoaderValidation(t *testing.T) {
	d := labeledFixture(t)

	_, err := NewDataLoader(nil, testConfig(2))
	assert.Error(t, err)
	_, err = NewDataLoader(d, testConfig(0))
	assert.Error(t, err)

	cfg := testConfig(2)
	cfg.Channels = 2
	_, err = NewDataLoader(d, cfg)
	assert.Error(t, err)
}

func TestSequentialEpoch(t *testing.T) {
	dl, err := NewDataLoader(labeledFixture(t), testConfig(2))
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, 5, dl.Len())
	assert.Equal(t, 3, dl.NumBatches())

	require.NoError(t, dl.Reset(context.Background()))
	var sizes []int
	var labels []int
	next := 0
	for {
		b, err := dl.Next()
		require.NoError(t, err)
		if b == nil {
			break
		}
		assert.Equal(t, []int{b.Len(), testFrames, 1, 2, 2}, b.Frames.Shape)
		require.Len(t, b.Labels, b.Len())
		for row := 0; row < b.Len(); row++ {
			assert.Equal(t, next, clipID(t, b, row))
			next++
		}
		sizes = append(sizes, b.Len())
		labels = append(labels, b.Labels...)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int{0, 0, 0, 1, 1}, labels)

	// The epoch stays exhausted until the next Reset.
	b, err := dl.Next()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestShuffleIsSeededAndComplete(t *testing.T) {
	d := labeledFixture(t)
	cfg := testConfig(2)
	cfg.Shuffle = true
	cfg.Seed = 7

	a, err := NewDataLoader(d, cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDataLoader(d, cfg)
	require.NoError(t, err)
	defer b.Close()

	for epoch := 0; epoch < 3; epoch++ {
		orderA := drain(t, a)
		orderB := drain(t, b)
		assert.Equal(t, orderA, orderB, "epoch %d", epoch)

		sorted := append([]int(nil), orderA...)
		sort.Ints(sorted)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, sorted)
	}
}

func TestCacheServesLaterEpochs(t *testing.T) {
	dl, err := NewDataLoader(labeledFixture(t), testConfig(2))
	require.NoError(t, err)
	defer dl.Close()

	drain(t, dl)
	first := dl.Stats()
	assert.Equal(t, int64(5*testFrames), first.Misses)
	assert.Equal(t, 5*testFrames, first.Size)

	drain(t, dl)
	second := dl.Stats()
	assert.Equal(t, first.Misses, second.Misses)
	assert.Equal(t, int64(5*testFrames), second.Hits)
}

func TestUnlabeledBatchesHaveNoLabels(t *testing.T) {
	root := t.TempDir()
	for id := 0; id < 3; id++ {
		writeVideo(t, filepath.Join(root, fmt.Sprintf("v%d", id)), id)
	}
	d, err := dataset.NewUnlabeledVideoFolder(root, dataset.Options{Frames: testFrames})
	require.NoError(t, err)

	dl, err := NewDataLoader(d, testConfig(4))
	require.NoError(t, err)
	defer dl.Close()

	require.NoError(t, dl.Reset(context.Background()))
	b, err := dl.Next()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 3, b.Len())
	assert.Nil(t, b.Labels)
}

func TestCorruptFrameFailsBatch(t *testing.T) {
	root := t.TempDir()
	writeVideo(t, filepath.Join(root, "a", "v0"), 0)
	writeVideo(t, filepath.Join(root, "a", "v1"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "v1", "frame_2.png"), []byte("garbage"), 0o644))
	d, err := dataset.NewLabeledVideoFolder(root, dataset.Options{Frames: testFrames})
	require.NoError(t, err)

	dl, err := NewDataLoader(d, testConfig(1))
	require.NoError(t, err)
	defer dl.Close()

	require.NoError(t, dl.Reset(context.Background()))
	b, err := dl.Next()
	require.NoError(t, err)
	require.NotNil(t, b)

	_, err = dl.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame_2.png")
}

func TestNextBeforeReset(t *testing.T) {
	dl, err := NewDataLoader(labeledFixture(t), testConfig(2))
	require.NoError(t, err)
	_, err = dl.Next()
	assert.Error(t, err)
}

func TestCancellationStopsEpoch(t *testing.T) {
	dl, err := NewDataLoader(labeledFixture(t), testConfig(1))
	require.NoError(t, err)
	defer dl.Close()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, dl.Reset(cancelled), context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dl.Reset(ctx))
	b, err := dl.Next()
	require.NoError(t, err)
	require.NotNil(t, b)
	cancel()

	for i := 0; i < 10; i++ {
		b, err = dl.Next()
		if err != nil {
			break
		}
		require.NotNil(t, b)
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResetRestartsEpoch(t *testing.T) {
	dl, err := NewDataLoader(labeledFixture(t), testConfig(2))
	require.NoError(t, err)
	defer dl.Close()

	require.NoError(t, dl.Reset(context.Background()))
	_, err = dl.Next()
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(t, dl))
}

func TestSplitLoadersShareCache(t *testing.T) {
	train := labeledFixture(t)
	val := labeledFixture(t)
	cfg := testConfig(2)
	cfg.CacheSize = 0

	trainLoader, valLoader, err := NewSplitLoaders(train, val, cfg)
	require.NoError(t, err)
	defer trainLoader.Close()
	defer valLoader.Close()

	assert.Same(t, trainLoader.Cache(), valLoader.Cache())
	assert.Equal(t, 10*testFrames, trainLoader.Stats().Capacity)
	assert.True(t, trainLoader.cfg.Shuffle)
	assert.False(t, valLoader.cfg.Shuffle)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(t, valLoader))
	drain(t, trainLoader)
	assert.Equal(t, 10*testFrames, valLoader.Stats().Size)
}
