package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/jepa"
	"github.com/tsawler/go-vjepa/optimizer"
	"github.com/tsawler/go-vjepa/training"
)

func newExportCmd() *cobra.Command {
	var numClasses int
	cmd := &cobra.Command{
		Use:   "export-onnx <weights> <out.onnx>",
		Short: "Export model weights and the predictor graph as ONNX",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			w, err := checkpoints.LoadWeights(args[0])
			if err != nil {
				return err
			}
			if numClasses < 0 {
				numClasses = classifierOutputs(w.Model)
			}
			ckpt, err := weightsOnlyManager(cfg.ModelConfig(numClasses), logger)
			if err != nil {
				return err
			}
			if err := ckpt.LoadWeights(args[0]); err != nil {
				return err
			}
			if err := ckpt.Export(args[1], "Exported from "+args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&numClasses, "classes", -1, "classifier outputs of the weights (-1 = detect)")
	return cmd
}

// weightsOnlyManager builds a model with a throwaway optimizer, enough to
// load and write weight files.
func weightsOnlyManager(cfg jepa.Config, logger *slog.Logger) (*training.CheckpointManager, error) {
	model, err := jepa.New(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(optimizer.Config{Type: "sgd", LearningRate: 1}, model.Parameters())
	if err != nil {
		return nil, err
	}
	sched := training.NewSchedule(&training.NoOpScheduler{}, opt)
	return training.NewCheckpointManager(training.CheckpointConfig{}, model, opt, sched, logger), nil
}

// classifierOutputs reads the class count from a classifier bias, 0 when
// the weights have no classifier.
func classifierOutputs(weights []checkpoints.WeightTensor) int {
	for _, w := range weights {
		if w.Name == "classifier.bias" && len(w.Shape) == 1 {
			return w.Shape[0]
		}
	}
	return 0
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the layers of the configured model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			model, err := jepa.New(cfg.ModelConfig(cfg.NumClasses), rand.New(rand.NewSource(cfg.Seed)))
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), model, cfg.BatchSize, cfg.Frames-cfg.FrameSkip)
		},
	}
}

// describe prints the context encoder over clips of contextFrames frames,
// followed by the predictor head.
func describe(out io.Writer, model *jepa.Model, batch, contextFrames int) error {
	enc, err := model.EncoderSpec(batch, contextFrames)
	if err != nil {
		return fmt.Errorf("context encoder: %w", err)
	}
	pred, err := model.PredictorSpec(batch)
	if err != nil {
		return fmt.Errorf("predictor: %w", err)
	}
	fmt.Fprintf(out, "Context encoder\n%s\nPredictor\n%s\n", enc.Summary(), pred.Summary())
	fmt.Fprintf(out, "Model parameters: %d\n", model.NumParameters())
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a summary of a checkpoint bundle or weights file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func inspect(out io.Writer, path string) error {
	w, err := checkpoints.LoadWeights(path)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "File:\t%s (%s)\n", path, checkpoints.FormatFromPath(path))
	fmt.Fprintf(tw, "Run:\t%s\n", w.Metadata.RunID)
	if !w.Metadata.CreatedAt.IsZero() {
		fmt.Fprintf(tw, "Created:\t%s\n", w.Metadata.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if w.Metadata.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", w.Metadata.Description)
	}

	// Only bundles carry training progress.
	if c, err := checkpoints.Load(path); err == nil {
		fmt.Fprintf(tw, "Epoch:\t%d\n", c.Epoch)
		fmt.Fprintf(tw, "Best accuracy:\t%.4f\n", c.BestAccuracy)
		fmt.Fprintf(tw, "Optimizer:\t%s (%d state tensors)\n", c.Optimizer.Type, len(c.Optimizer.StateData))
		fmt.Fprintf(tw, "Scheduler:\t%s, %d steps, lr %g\n", c.Scheduler.Type, c.Scheduler.StepCount, c.Scheduler.CurrentLR)
	}

	var total int
	for _, t := range w.Model {
		total += len(t.Data)
	}
	fmt.Fprintf(tw, "Parameters:\t%d tensors, %d values\n", len(w.Model), total)
	for _, t := range w.Model {
		fmt.Fprintf(tw, "  %s\t%v\n", t.Name, t.Shape)
	}
	return tw.Flush()
}
