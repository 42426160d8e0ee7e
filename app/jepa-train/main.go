// Command jepa-train trains a video JEPA model on directories of frames.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsawler/go-vjepa/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jepa-train",
		Short:         "Train a video joint-embedding predictive model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")
	addRunFlags(root.PersistentFlags())

	root.AddCommand(newTrainCmd(), newExportCmd(), newInspectCmd(), newDescribeCmd())
	return root
}

// addRunFlags registers one flag per configuration key. The flag name is the
// YAML key, so set flags can be applied with RunConfig.Override.
func addRunFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.Int("batch_size", d.BatchSize, "clips per batch")
	fs.Float64("lr", d.LR, "learning rate")
	fs.Int("epochs", d.Epochs, "number of epochs")
	fs.Int("num_workers", d.NumWorkers, "frame decoding workers")
	fs.Int64("seed", d.Seed, "random seed")
	fs.Int("log_interval", d.LogInterval, "batches between progress lines")
	fs.Bool("save_model", d.SaveModel, "write model files to save_dir")
	fs.String("load_model", d.LoadModel, "weights file to start from")
	fs.String("save_dir", d.SaveDir, "directory for models and checkpoints")
	fs.String("data_dir", d.DataDir, "directory holding train, val and unlabeled splits")
	fs.String("model", d.Model, "model variant (vivit, resnet18)")
	fs.Bool("pretrained", d.Pretrained, "start from the newest self-supervised weights in save_dir")
	fs.String("resume", d.Resume, "checkpoint bundle to resume from")
	fs.Bool("unsupervised", d.Unsupervised, "self-supervised training on the unlabeled split")
	fs.Int("frame_skip", d.FrameSkip, "frames withheld from the context")
	fs.Bool("debug_dataloader", d.DebugDataloader, "print the first batch shape before training")

	fs.Int("frames", d.Frames, "frames per clip (0 = model preset)")
	fs.Int("image_height", d.ImageHeight, "frame height (0 = model preset)")
	fs.Int("image_width", d.ImageWidth, "frame width (0 = model preset)")
	fs.Int("channels", d.Channels, "frame channels, 1 or 3 (0 = model preset)")
	fs.Int("patch_size", d.PatchSize, "encoder patch size (0 = model preset)")
	fs.Int("hidden_dim", d.HiddenDim, "encoder hidden size (0 = model preset)")
	fs.Int("embed_dim", d.EmbedDim, "embedding size (0 = model preset)")
	fs.Int("predictor_dim", d.PredictorDim, "predictor hidden size (0 = model preset)")
	fs.Int("num_classes", d.NumClasses, "classifier outputs (0 = class directories in train)")

	fs.String("optimizer", d.Optimizer, "sgd, adam, rmsprop or adagrad")
	fs.Float64("momentum", d.Momentum, "SGD momentum")
	fs.Float64("weight_decay", d.WeightDecay, "weight decay")
	fs.String("scheduler", d.Scheduler, "step, exponential, cosine or constant")
	fs.Int("step_size", d.StepSize, "epochs between step decays")
	fs.Float64("gamma", d.Gamma, "learning-rate decay factor")

	fs.Int("checkpoint_every", d.CheckpointEvery, "resumable checkpoint every N epochs (0 = never)")
	fs.String("checkpoint_format", d.CheckpointFormat, "json, msgpack or onnx")
	fs.Int("cache_frames", d.CacheFrames, "decoded frames kept in memory")
	fs.String("device", d.Device, "compute device (auto, cpu)")
	fs.String("log_level", d.LogLevel, "debug, info, warn or error")
	fs.String("log_format", d.LogFormat, "text or json")
	fs.String("telemetry.mqtt_broker", d.Telemetry.MQTTBroker, "MQTT broker URL for epoch metrics")
}

// loadConfig reads --config, applies the flags the user set and validates.
func loadConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	var overrideErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "config" || overrideErr != nil {
			return
		}
		overrideErr = cfg.Override(f.Name, f.Value.String(), f.Value.Type() == "string")
	})
	if overrideErr != nil {
		return nil, overrideErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run supervised or self-supervised training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())
			_, err = runTraining(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
			return err
		},
	}
}
