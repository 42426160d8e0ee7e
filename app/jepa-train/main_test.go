package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vjepa/checkpoints"
)

// writeVideo writes n gray frames of size 8x8 into dir.
func writeVideo(t *testing.T, dir string, n int, level uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for f := 0; f < n; f++ {
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = level + uint8(10*f)
		}
		file, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%d.png", f)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(file, img))
		require.NoError(t, file.Close())
	}
}

// writeDataDir lays out train and val splits with two classes and an
// unlabeled split.
func writeDataDir(t *testing.T) string {
	root := t.TempDir()
	for _, split := range []string{"train", "val"} {
		for c, class := range []string{"drop", "hold"} {
			for v := 0; v < 2; v++ {
				writeVideo(t, filepath.Join(root, split, class, fmt.Sprintf("video_%d", v)), 3, uint8(40+100*c+v))
			}
		}
	}
	for v := 0; v < 3; v++ {
		writeVideo(t, filepath.Join(root, "unlabeled", fmt.Sprintf("clip_%d", v)), 4, uint8(20*v))
	}
	return root
}

func tinyArgs(dataDir, saveDir string) []string {
	return []string{
		"--data_dir", dataDir,
		"--save_dir", saveDir,
		"--frames", "3",
		"--image_height", "8",
		"--image_width", "8",
		"--channels", "1",
		"--patch_size", "4",
		"--hidden_dim", "4",
		"--embed_dim", "4",
		"--predictor_dim", "4",
		"--batch_size", "2",
		"--num_workers", "1",
		"--epochs", "1",
		"--log_level", "error",
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func glob(t *testing.T, pattern string) []string {
	t.Helper()
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	return matches
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 8\nlr: 0.5\nsave_dir: runs\n"), 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	addRunFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--config", path,
		"--batch_size", "4",
		"--save_dir", "123",
		"--telemetry.mqtt_broker", "tcp://localhost:1883",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 0.5, cfg.LR)
	assert.Equal(t, "123", cfg.SaveDir)
	assert.Equal(t, "tcp://localhost:1883", cfg.Telemetry.MQTTBroker)
	assert.Equal(t, 11, cfg.Frames)
	assert.Equal(t, 10, cfg.Epochs)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	_, err := execute(t, "train", "--frame_skip", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame_skip")

	_, err = execute(t, "train", "--device", "cuda")
	assert.Error(t, err)

	_, err = execute(t, "train", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTrainMissingSplits(t *testing.T) {
	empty := t.TempDir()
	_, err := execute(t, append([]string{"train"}, tinyArgs(empty, t.TempDir())...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train split")

	_, err = execute(t, append([]string{"train", "--unsupervised"}, tinyArgs(empty, t.TempDir())...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlabeled split")
}

func TestPretrainThenFineTune(t *testing.T) {
	data := writeDataDir(t)
	save := t.TempDir()

	out, err := execute(t, append([]string{"train", "--unsupervised", "--save_model", "--debug_dataloader"}, tinyArgs(data, save)...)...)
	require.NoError(t, err)
	assert.Equal(t, "[2 3 1 8 8]\n", out)

	pretrained := glob(t, filepath.Join(save, "pretrain_model_skips1_*.json"))
	require.Len(t, pretrained, 1)

	args := append([]string{"train", "--pretrained", "--save_model", "--debug_dataloader", "--checkpoint_every", "1"}, tinyArgs(data, save)...)
	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, "[2 3 1 8 8]\n[2]\n", out)

	assert.FileExists(t, filepath.Join(save, "history.json"))
	bundle := filepath.Join(save, "checkpoint_epoch_1.json")
	require.FileExists(t, bundle)

	out, err = execute(t, "inspect", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "Epoch:")
	assert.Contains(t, out, "Best accuracy:")
	assert.Contains(t, out, "classifier.weight")

	out, err = execute(t, "inspect", pretrained[0])
	require.NoError(t, err)
	assert.NotContains(t, out, "Epoch:")
	assert.NotContains(t, out, "classifier.weight")
	assert.Contains(t, out, "Self-supervised weights, frame skip 1")
}

func TestLoadModelAcceptsPretrainedWeights(t *testing.T) {
	data := writeDataDir(t)
	save := t.TempDir()

	_, err := execute(t, append([]string{"train", "--unsupervised", "--save_model"}, tinyArgs(data, save)...)...)
	require.NoError(t, err)
	pretrained := glob(t, filepath.Join(save, "pretrain_model_skips1_*.json"))
	require.Len(t, pretrained, 1)

	_, err = execute(t, append([]string{"train", "--load_model", pretrained[0]}, tinyArgs(data, t.TempDir())...)...)
	require.NoError(t, err)

	// a full supervised model loads too
	fineTuned := t.TempDir()
	_, err = execute(t, append([]string{"train", "--save_model", "--checkpoint_every", "1"}, tinyArgs(data, fineTuned)...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"train", "--load_model", filepath.Join(fineTuned, "checkpoint_epoch_1.json")}, tinyArgs(data, t.TempDir())...)...)
	require.NoError(t, err)

	args := append([]string{"train", "--load_model", pretrained[0]}, tinyArgs(data, t.TempDir())...)
	args = append(args, "--embed_dim", "6")
	_, err = execute(t, args...)
	assert.Error(t, err)
}

func TestResumeContinuesFromBundle(t *testing.T) {
	data := writeDataDir(t)
	save := t.TempDir()

	_, err := execute(t, append([]string{"train", "--save_model", "--checkpoint_every", "1"}, tinyArgs(data, save)...)...)
	require.NoError(t, err)
	bundle := filepath.Join(save, "checkpoint_epoch_1.json")
	require.FileExists(t, bundle)

	args := append([]string{"train", "--save_model", "--checkpoint_every", "1", "--resume", bundle}, tinyArgs(data, save)...)
	args = append(args, "--epochs", "2")
	_, err = execute(t, args...)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(save, "checkpoint_epoch_2.json"))
}

func TestExportONNX(t *testing.T) {
	data := writeDataDir(t)
	save := t.TempDir()

	_, err := execute(t, append([]string{"train", "--unsupervised", "--save_model"}, tinyArgs(data, save)...)...)
	require.NoError(t, err)
	pretrained := glob(t, filepath.Join(save, "pretrain_model_skips1_*.json"))
	require.Len(t, pretrained, 1)

	target := filepath.Join(t.TempDir(), "model.onnx")
	out, err := execute(t, append([]string{"export-onnx", pretrained[0], target}, tinyArgs(data, save)...)...)
	require.NoError(t, err)
	assert.Equal(t, "wrote "+target+"\n", out)

	out, err = execute(t, "inspect", target)
	require.NoError(t, err)
	assert.Contains(t, out, "(ONNX)")
	assert.Contains(t, out, "context_encoder.patch_embed.weight")

	// Geometry that does not match the weights is refused.
	args := append([]string{"export-onnx", pretrained[0], target}, tinyArgs(data, save)...)
	args = append(args, "--hidden_dim", "6")
	_, err = execute(t, args...)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	out, err := execute(t, append([]string{"describe"}, tinyArgs(t.TempDir(), t.TempDir())...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Context encoder\nInput Shape: [2 2 1 8 8]\n")
	assert.Contains(t, out, "context_encoder.patchify (Patchify)")
	assert.Contains(t, out, "Predictor\nInput Shape: [2 4]\n")
	assert.Contains(t, out, "predictor.4 (Dense)")
	assert.Contains(t, out, "Model parameters: ")

	args := append([]string{"describe"}, tinyArgs(t.TempDir(), t.TempDir())...)
	args = append(args, "--frame_skip", "3")
	_, err = execute(t, args...)
	assert.Error(t, err)
}

func TestClassifierOutputs(t *testing.T) {
	weights := []checkpoints.WeightTensor{
		{Name: "predictor.0.bias", Shape: []int{4}},
		{Name: "classifier.weight", Shape: []int{5, 4}},
		{Name: "classifier.bias", Shape: []int{5}},
	}
	assert.Equal(t, 5, classifierOutputs(weights))
	assert.Equal(t, 0, classifierOutputs(weights[:1]))

	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}
