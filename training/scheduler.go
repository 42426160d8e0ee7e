package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-vjepa/checkpoints"
	"github.com/tsawler/go-vjepa/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Policies are pure functions of the number of completed epochs; the mutable
// step count lives in Schedule.
type LRScheduler interface {
	// GetLR returns the learning rate after epoch completed epochs
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging and checkpoints
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 10
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects a policy by name.
type SchedulerConfig struct {
	Name     string // "step", "exponential", "cosine", "constant"
	StepSize int
	Gamma    float64
	Epochs   int // cosine period
}

func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "step", "steplr":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential", "exponentiallr":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine", "cosineannealinglr":
		return NewCosineAnnealingLRScheduler(cfg.Epochs, 0), nil
	case "constant", "constantlr", "none":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Name)
	}
}

// Schedule applies a policy to an optimizer once per epoch.
type Schedule struct {
	policy LRScheduler
	opt    optimizer.Optimizer
	baseLR float64
	steps  int
}

// NewSchedule takes the optimizer's current learning rate as the base rate.
func NewSchedule(policy LRScheduler, opt optimizer.Optimizer) *Schedule {
	return &Schedule{
		policy: policy,
		opt:    opt,
		baseLR: float64(opt.GetLearningRate()),
	}
}

// Step advances the schedule by one epoch and updates the optimizer.
func (s *Schedule) Step() {
	s.steps++
	s.opt.UpdateLearningRate(float32(s.CurrentLR()))
}

func (s *Schedule) CurrentLR() float64 {
	return s.policy.GetLR(s.steps, s.baseLR)
}

func (s *Schedule) StepCount() int { return s.steps }

func (s *Schedule) Name() string { return s.policy.GetName() }

func (s *Schedule) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Type:      s.policy.GetName(),
		StepCount: s.steps,
		BaseLR:    s.baseLR,
		CurrentLR: s.CurrentLR(),
	}
}

// LoadState restores the step count and base rate and reapplies the rate to
// the optimizer.
func (s *Schedule) LoadState(state *checkpoints.SchedulerState) error {
	if err := s.checkState(state); err != nil {
		return err
	}
	s.steps = state.StepCount
	s.baseLR = state.BaseLR
	s.opt.UpdateLearningRate(float32(s.CurrentLR()))
	return nil
}

func (s *Schedule) checkState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("scheduler state is nil")
	}
	if state.Type != s.policy.GetName() {
		return fmt.Errorf("scheduler type mismatch: expected %s, got %s", s.policy.GetName(), state.Type)
	}
	if state.StepCount < 0 {
		return fmt.Errorf("invalid scheduler step count %d", state.StepCount)
	}
	return nil
}
