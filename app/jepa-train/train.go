package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tsawler/go-vjepa/config"
	"github.com/tsawler/go-vjepa/jepa"
	"github.com/tsawler/go-vjepa/optimizer"
	"github.com/tsawler/go-vjepa/telemetry"
	"github.com/tsawler/go-vjepa/training"
	"github.com/tsawler/go-vjepa/vision/dataloader"
	"github.com/tsawler/go-vjepa/vision/dataset"
)

// sources are the batch sources of one run.
type sources struct {
	train, val, unlabeled *dataloader.DataLoader
	numClasses            int
}

func (s *sources) Close() {
	for _, dl := range []*dataloader.DataLoader{s.train, s.val, s.unlabeled} {
		if dl != nil {
			dl.Close()
		}
	}
}

func loaderConfig(cfg *config.RunConfig) dataloader.Config {
	workers := cfg.NumWorkers
	if workers == 0 {
		workers = 1
	}
	return dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Seed:       cfg.Seed,
		NumWorkers: workers,
		Frames:     cfg.Frames,
		Channels:   cfg.Channels,
		Height:     cfg.ImageHeight,
		Width:      cfg.ImageWidth,
		CacheSize:  cfg.CacheFrames,
	}
}

// openSources indexes the splits the run needs: train and val for
// supervised training, unlabeled for self-supervised training.
func openSources(cfg *config.RunConfig, logger *slog.Logger) (*sources, error) {
	opts := dataset.Options{Frames: cfg.Frames}
	lc := loaderConfig(cfg)
	lc.Logger = logger
	s := &sources{numClasses: cfg.NumClasses}

	if cfg.Unsupervised {
		unlabeled, err := dataset.NewUnlabeledVideoFolder(filepath.Join(cfg.DataDir, "unlabeled"), opts)
		if err != nil {
			return nil, fmt.Errorf("unlabeled split: %w", err)
		}
		lc.Shuffle = true
		if s.unlabeled, err = dataloader.NewDataLoader(unlabeled, lc); err != nil {
			return nil, err
		}
		logger.Info("data: unlabeled split", "clips", unlabeled.Len())
		return s, nil
	}

	train, err := dataset.NewLabeledVideoFolder(filepath.Join(cfg.DataDir, "train"), opts)
	if err != nil {
		return nil, fmt.Errorf("train split: %w", err)
	}
	opts.Classes = train.ClassNames()
	val, err := dataset.NewLabeledVideoFolder(filepath.Join(cfg.DataDir, "val"), opts)
	if err != nil {
		return nil, fmt.Errorf("val split: %w", err)
	}
	if s.numClasses == 0 {
		s.numClasses = train.NumClasses()
	}
	if s.train, s.val, err = dataloader.NewSplitLoaders(train, val, lc); err != nil {
		return nil, err
	}
	logger.Info("data: labeled splits", "train_clips", train.Len(), "val_clips", val.Len(), "classes", train.ClassNames())
	return s, nil
}

// runTraining wires configuration, data, model, optimizer, schedule,
// checkpoints and telemetry, then runs the selected controller.
func runTraining(ctx context.Context, cfg *config.RunConfig, out io.Writer, logger *slog.Logger) (training.Summary, error) {
	device, err := cfg.ResolveDevice()
	if err != nil {
		return training.Summary{}, err
	}
	logger.Info("Using CPU", "device", device)

	src, err := openSources(cfg, logger)
	if err != nil {
		return training.Summary{}, err
	}
	defer src.Close()

	primary := src.train
	if cfg.Unsupervised {
		primary = src.unlabeled
	}
	if cfg.DebugDataloader {
		if err := debugFirstBatch(ctx, primary, out); err != nil {
			return training.Summary{}, err
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := jepa.New(cfg.ModelConfig(src.numClasses), rng)
	if err != nil {
		return training.Summary{}, fmt.Errorf("model: %w", err)
	}
	logger.Info("model: built", "model", cfg.Model, "parameters", model.NumParameters(), "frame_skip", cfg.FrameSkip)

	opt, err := optimizer.New(cfg.OptimizerConfig(), model.Parameters())
	if err != nil {
		return training.Summary{}, fmt.Errorf("optimizer: %w", err)
	}
	policy, err := training.NewScheduler(cfg.SchedulerConfig())
	if err != nil {
		return training.Summary{}, err
	}
	sched := training.NewSchedule(policy, opt)

	runID := uuid.NewString()
	ckpt := training.NewCheckpointManager(cfg.CheckpointConfig(runID), model, opt, sched, logger)

	start, err := restore(cfg, ckpt, logger)
	if err != nil {
		return training.Summary{}, err
	}

	opts := training.Options{
		Model:               model,
		Optimizer:           opt,
		Schedule:            sched,
		Checkpoints:         ckpt,
		Logger:              logger,
		LogInterval:         cfg.LogInterval,
		InitialBestAccuracy: start.BestAccuracy,
	}
	var ctrl training.Controller
	if cfg.Unsupervised {
		ctrl, err = training.NewSelfSupervisedController(opts, src.unlabeled)
	} else {
		ctrl, err = training.NewSupervisedController(opts, src.train, src.val)
	}
	if err != nil {
		return training.Summary{}, err
	}

	emitter, err := newEmitter(ctx, cfg, ckpt.Config().RunID, logger)
	if err != nil {
		return training.Summary{}, err
	}
	defer emitter.Close()

	summary, err := training.Run(ctx, ctrl, training.RunOptions{
		StartEpoch: start.Epoch,
		Epochs:     cfg.Epochs,
		Logger:     logger,
		Observers:  []training.EpochObserver{emitter},
	})
	if err != nil {
		return training.Summary{}, err
	}
	if err := emitter.PublishSummary(ctx, summary); err != nil {
		logger.Warn("telemetry: summary not published", "error", err)
	}
	logger.Info("training: done", "cache", primary.Stats().String())
	return summary, nil
}

// restore sets the starting weights from load_model, or from the newest
// pretrained file when pretrained is set. Either may lack a classifier. A
// resume bundle is applied last and also restores optimizer, schedule and
// epoch bookkeeping.
func restore(cfg *config.RunConfig, ckpt *training.CheckpointManager, logger *slog.Logger) (training.ResumeState, error) {
	switch {
	case cfg.LoadModel != "":
		if err := ckpt.LoadPretrained(cfg.LoadModel); err != nil {
			return training.ResumeState{}, err
		}
	case cfg.Pretrained:
		path, err := training.LatestPretrained(cfg.SaveDir)
		if err != nil {
			return training.ResumeState{}, err
		}
		if err := ckpt.LoadPretrained(path); err != nil {
			return training.ResumeState{}, err
		}
	}
	if cfg.Resume == "" {
		return training.ResumeState{}, nil
	}
	state, err := ckpt.Resume(cfg.Resume)
	if err != nil {
		return training.ResumeState{}, err
	}
	logger.Info("training: resuming", "start_epoch", state.Epoch+1, "best_acc", state.BestAccuracy)
	return state, nil
}

func newEmitter(ctx context.Context, cfg *config.RunConfig, runID string, logger *slog.Logger) (telemetry.Emitter, error) {
	emitters := telemetry.Fanout{telemetry.NewSlogEmitter(runID, logger)}
	if cfg.Telemetry.MQTTBroker == "" {
		return emitters, nil
	}
	mq, err := telemetry.Connect(ctx, telemetry.MQTTConfig{
		Broker:      cfg.Telemetry.MQTTBroker,
		ClientID:    cfg.Telemetry.ClientID,
		TopicPrefix: cfg.Telemetry.TopicPrefix,
		QoS:         cfg.Telemetry.QoS,
	}, runID, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return append(emitters, mq), nil
}

// debugFirstBatch prints the shape of the first batch, and its label count
// when labeled.
func debugFirstBatch(ctx context.Context, src training.BatchSource, out io.Writer) error {
	if err := src.Reset(ctx); err != nil {
		return err
	}
	b, err := src.Next()
	if err != nil {
		return fmt.Errorf("debug dataloader: %w", err)
	}
	if b == nil {
		fmt.Fprintln(out, "debug dataloader: split is empty")
		return nil
	}
	fmt.Fprintln(out, b.Frames.Shape)
	if b.Labels != nil {
		fmt.Fprintln(out, []int{len(b.Labels)})
	}
	return nil
}
