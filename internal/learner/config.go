package learner

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lc0go/internal/optimizer"
	"github.com/pkg/errors"
)

// Hyperparameters of the training, besides those of the optimizer package.
const (
	ParamBatchSize = "batch_size"

	// ParamMaxNonFiniteSteps is the number of consecutive training steps with a non-finite total loss
	// tolerated before the training fails. -1 selects the default: 10 in mixed precision, 0 otherwise.
	ParamMaxNonFiniteSteps = "max_nonfinite_steps"
)

// DefaultParams returns the default training hyperparameters.
func DefaultParams() map[string]any {
	return map[string]any{
		optimizer.ParamOptimizer:            "adam",
		optimizer.ParamLearningRate:         3e-4,
		optimizer.ParamMaxGradNorm:          5.6,
		optimizer.ParamLossScale:            math.Pow(2, 15),
		optimizer.ParamLossScaleGrowthSteps: 2000,
		ParamMaxNonFiniteSteps:              -1,
		ParamBatchSize:                      1024,
	}
}

// Config of the training.
type Config struct {
	Optimizer    string
	LearningRate float64
	MaxGradNorm  float64

	LossScale            float64
	LossScaleGrowthSteps int

	MaxNonFiniteSteps int
	BatchSize         int
}

// ConfigFromContext reads the training configuration from the context hyperparameters.
// mixedPrecision is used to resolve the default of MaxNonFiniteSteps.
func ConfigFromContext(ctx *context.Context, mixedPrecision bool) (Config, error) {
	cfg := Config{
		Optimizer:            context.GetParamOr(ctx, optimizer.ParamOptimizer, "adam"),
		LearningRate:         context.GetParamOr(ctx, optimizer.ParamLearningRate, 3e-4),
		MaxGradNorm:          context.GetParamOr(ctx, optimizer.ParamMaxGradNorm, 5.6),
		LossScale:            context.GetParamOr(ctx, optimizer.ParamLossScale, math.Pow(2, 15)),
		LossScaleGrowthSteps: context.GetParamOr(ctx, optimizer.ParamLossScaleGrowthSteps, 2000),
		MaxNonFiniteSteps:    context.GetParamOr(ctx, ParamMaxNonFiniteSteps, -1),
		BatchSize:            context.GetParamOr(ctx, ParamBatchSize, 1024),
	}
	if cfg.MaxNonFiniteSteps < 0 {
		if mixedPrecision {
			cfg.MaxNonFiniteSteps = 10
		} else {
			cfg.MaxNonFiniteSteps = 0
		}
	}
	return cfg, cfg.Validate()
}

// Validate returns an error if the configuration is not usable.
func (cfg Config) Validate() error {
	if _, err := optimizer.FromName(cfg.Optimizer); err != nil {
		return err
	}
	if !(cfg.LearningRate > 0) || math.IsInf(cfg.LearningRate, 0) {
		return errors.Errorf("%s=%g must be > 0", optimizer.ParamLearningRate, cfg.LearningRate)
	}
	if math.IsNaN(cfg.MaxGradNorm) || cfg.MaxGradNorm < 0 {
		return errors.Errorf("%s=%g must be >= 0 (0 disables clipping)", optimizer.ParamMaxGradNorm, cfg.MaxGradNorm)
	}
	if !(cfg.LossScale >= 1) || math.IsInf(cfg.LossScale, 0) {
		return errors.Errorf("%s=%g must be a finite value >= 1", optimizer.ParamLossScale, cfg.LossScale)
	}
	if cfg.LossScaleGrowthSteps <= 0 {
		return errors.Errorf("%s=%d must be > 0", optimizer.ParamLossScaleGrowthSteps, cfg.LossScaleGrowthSteps)
	}
	if cfg.BatchSize <= 0 {
		return errors.Errorf("%s=%d must be > 0", ParamBatchSize, cfg.BatchSize)
	}
	return nil
}
