package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeVideo creates dir with the named frame files. Indexing never decodes
// them, so the content is irrelevant.
func writeVideo(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestSortFrames(t *testing.T) {
	names := []string{"frame_10.png", "frame_2.png", "frame_1.png", "cover.png", "img_003.jpg"}
	SortFrames(names)
	assert.Equal(t, []string{"frame_1.png", "frame_2.png", "img_003.jpg", "frame_10.png", "cover.png"}, names)
}

func TestFrameNumberUsesLastDigitRun(t *testing.T) {
	n, ok := frameNumber("clip7_frame0012.png")
	require.True(t, ok)
	assert.Equal(t, 12, n)

	_, ok = frameNumber("poster.png")
	assert.False(t, ok)
}

func TestLabeledVideoFolder(t *testing.T) {
	root := t.TempDir()
	writeVideo(t, filepath.Join(root, "run", "v1"), "f1.png", "f2.png", "f10.png", "f3.png", "notes.txt")
	writeVideo(t, filepath.Join(root, "walk", "v2"), "a_1.jpg", "a_2.jpg", "a_3.jpg")
	writeVideo(t, filepath.Join(root, "walk", "v3"), "b_1.png", "b_2.png", "b_3.png")

	d, err := NewLabeledVideoFolder(root, Options{Frames: 3})
	require.NoError(t, err)
	assert.True(t, d.Labeled())
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"run", "walk"}, d.ClassNames())
	assert.Equal(t, map[string]int{"run": 1, "walk": 2}, d.ClassDistribution())

	clip, err := d.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, 0, clip.Label)
	// f10 is truncated away and notes.txt is ignored.
	assert.Equal(t, []string{
		filepath.Join(root, "run", "v1", "f1.png"),
		filepath.Join(root, "run", "v1", "f2.png"),
		filepath.Join(root, "run", "v1", "f3.png"),
	}, clip.Frames)

	clip, err = d.GetItem(2)
	require.NoError(t, err)
	assert.Equal(t, 1, clip.Label)

	_, err = d.GetItem(3)
	assert.Error(t, err)
	assert.Contains(t, d.String(), "walk: 2 clips")
}

func TestLabeledVideoFolderFixedClasses(t *testing.T) {
	root := t.TempDir()
	writeVideo(t, filepath.Join(root, "walk", "v1"), "1.png", "2.png")

	d, err := NewLabeledVideoFolder(root, Options{Frames: 2, Classes: []string{"run", "walk"}})
	require.NoError(t, err)
	clip, err := d.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, 1, clip.Label)
	assert.Equal(t, 2, d.NumClasses())

	_, err = NewLabeledVideoFolder(root, Options{Frames: 2, Classes: []string{"run"}})
	assert.Error(t, err)
}

func TestVideoTooShort(t *testing.T) {
	root := t.TempDir()
	writeVideo(t, filepath.Join(root, "run", "v1"), "1.png", "2.png")

	_, err := NewLabeledVideoFolder(root, Options{Frames: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 3")
}

func TestUnlabeledVideoFolder(t *testing.T) {
	root := t.TempDir()
	writeVideo(t, filepath.Join(root, "v1"), "1.png", "2.png")
	writeVideo(t, filepath.Join(root, "v2"), "1.png", "2.png", "3.png")

	d, err := NewUnlabeledVideoFolder(root, Options{Frames: 2})
	require.NoError(t, err)
	assert.False(t, d.Labeled())
	assert.Equal(t, 2, d.Len())
	clip, err := d.GetItem(1)
	require.NoError(t, err)
	assert.Equal(t, Unlabeled, clip.Label)
	assert.Len(t, clip.Frames, 2)
	assert.Empty(t, d.ClassDistribution())
}

func TestEmptyAndMissingRoots(t *testing.T) {
	_, err := NewUnlabeledVideoFolder(t.TempDir(), Options{Frames: 1})
	assert.Error(t, err)

	_, err = NewLabeledVideoFolder(filepath.Join(t.TempDir(), "missing"), Options{Frames: 1})
	assert.Error(t, err)

	_, err = NewUnlabeledVideoFolder(t.TempDir(), Options{})
	assert.Error(t, err)
}
