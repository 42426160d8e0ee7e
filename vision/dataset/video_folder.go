// Package dataset indexes video clips stored as directories of frame images.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Unlabeled marks a clip without a class.
const Unlabeled = -1

var defaultExtensions = []string{".png", ".jpg", ".jpeg"}

// Clip is one video: its frame files in temporal order and its class index.
type Clip struct {
	Video  string
	Frames []string
	Label  int
}

// Options control how a video folder is indexed.
type Options struct {
	// Frames is the number of frames taken from each video. Videos with
	// fewer frames are rejected, extra frames are dropped.
	Frames int

	// Extensions lists accepted frame file extensions. Defaults to PNG and JPEG.
	Extensions []string

	// Classes fixes the class-to-index mapping, so that a validation split
	// agrees with its training split. When empty the sorted class
	// directories define it.
	Classes []string
}

// VideoFolderDataset is a set of clips read from disk.
type VideoFolderDataset struct {
	clips      []Clip
	classNames []string
	classToIdx map[string]int
	labeled    bool
}

// NewLabeledVideoFolder indexes root/<class>/<video>/<frames>.
func NewLabeledVideoFolder(root string, opts Options) (*VideoFolderDataset, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	classDirs, err := subdirs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &VideoFolderDataset{classToIdx: make(map[string]int), labeled: true}
	if len(opts.Classes) > 0 {
		for i, name := range opts.Classes {
			d.classNames = append(d.classNames, name)
			d.classToIdx[name] = i
		}
	} else {
		for i, dir := range classDirs {
			name := filepath.Base(dir)
			d.classNames = append(d.classNames, name)
			d.classToIdx[name] = i
		}
	}

	for _, classDir := range classDirs {
		className := filepath.Base(classDir)
		label, ok := d.classToIdx[className]
		if !ok {
			return nil, fmt.Errorf("%s: class %q is not one of %v", root, className, d.classNames)
		}
		videos, err := subdirs(classDir)
		if err != nil {
			return nil, err
		}
		for _, video := range videos {
			clip, err := loadClip(video, label, opts)
			if err != nil {
				return nil, err
			}
			d.clips = append(d.clips, clip)
		}
	}

	if len(d.clips) == 0 {
		return nil, fmt.Errorf("no videos found in %s", root)
	}
	return d, nil
}

// NewUnlabeledVideoFolder indexes root/<video>/<frames>.
func NewUnlabeledVideoFolder(root string, opts Options) (*VideoFolderDataset, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	videos, err := subdirs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	d := &VideoFolderDataset{classToIdx: make(map[string]int)}
	for _, video := range videos {
		clip, err := loadClip(video, Unlabeled, opts)
		if err != nil {
			return nil, err
		}
		d.clips = append(d.clips, clip)
	}
	if len(d.clips) == 0 {
		return nil, fmt.Errorf("no videos found in %s", root)
	}
	return d, nil
}

func (o *Options) normalize() error {
	if o.Frames <= 0 {
		return fmt.Errorf("frames per clip must be positive, got %d", o.Frames)
	}
	if len(o.Extensions) == 0 {
		o.Extensions = defaultExtensions
	}
	return nil
}

func subdirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs, nil
}

func loadClip(videoDir string, label int, opts Options) (Clip, error) {
	entries, err := os.ReadDir(videoDir)
	if err != nil {
		return Clip{}, err
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name(), opts.Extensions) {
			continue
		}
		frames = append(frames, e.Name())
	}
	if len(frames) < opts.Frames {
		return Clip{}, fmt.Errorf("%s: %d frames, need at least %d", videoDir, len(frames), opts.Frames)
	}

	SortFrames(frames)
	frames = frames[:opts.Frames]
	for i, name := range frames {
		frames[i] = filepath.Join(videoDir, name)
	}
	return Clip{Video: videoDir, Frames: frames, Label: label}, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// SortFrames orders frame file names by the last number in each name, so
// that frame_2 precedes frame_10. Names without a number sort after those
// with one, lexically.
func SortFrames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, okI := frameNumber(names[i])
		nj, okJ := frameNumber(names[j])
		switch {
		case okI && okJ && ni != nj:
			return ni < nj
		case okI != okJ:
			return okI
		default:
			return names[i] < names[j]
		}
	})
}

func frameNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	end := strings.LastIndexFunc(base, unicode.IsDigit)
	if end < 0 {
		return 0, false
	}
	start := end
	for start > 0 && unicode.IsDigit(rune(base[start-1])) {
		start--
	}
	n, err := strconv.Atoi(base[start : end+1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Len returns the number of clips in the dataset
func (d *VideoFolderDataset) Len() int {
	return len(d.clips)
}

// GetItem returns the clip at the given index
func (d *VideoFolderDataset) GetItem(index int) (Clip, error) {
	if index < 0 || index >= len(d.clips) {
		return Clip{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.clips))
	}
	return d.clips[index], nil
}

// Labeled reports whether clips carry class labels.
func (d *VideoFolderDataset) Labeled() bool {
	return d.labeled
}

// NumClasses returns the number of classes
func (d *VideoFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *VideoFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of clips per class
func (d *VideoFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, c := range d.clips {
		if c.Label == Unlabeled {
			continue
		}
		dist[d.classNames[c.Label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *VideoFolderDataset) String() string {
	var sb strings.Builder
	if !d.labeled {
		fmt.Fprintf(&sb, "VideoFolderDataset: %d unlabeled clips\n", len(d.clips))
		return sb.String()
	}
	fmt.Fprintf(&sb, "VideoFolderDataset: %d clips, %d classes\n", len(d.clips), len(d.classNames))
	sb.WriteString("Class distribution:\n")
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d clips\n", className, dist[className])
	}
	return sb.String()
}
