package network

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// InputPlanes is the number of 8x8 feature planes describing one position.
	InputPlanes = 112

	// BoardSize is the length of each side of the board.
	BoardSize = 8

	// InputSize is the flat size of one position: InputPlanes x BoardSize x BoardSize.
	InputSize = InputPlanes * BoardSize * BoardSize

	// PolicySize is the size of the move encoding space.
	PolicySize = 1858

	// WDLSize is the number of outcomes predicted by the value head: win, draw and loss.
	WDLSize = 3
)

// Hyperparameters of the network, stored in the context so they are saved along the checkpoints.
const (
	ParamFilters          = "filters"
	ParamResidualBlocks   = "blocks"
	ParamSERatio          = "se_ratio"
	ParamConstrainNorms   = "constrain_norms"
	ParamPolicyFilters    = "policy_filters"
	ParamValueFilters     = "value_filters"
	ParamMovesLeftFilters = "moves_left_filters"
	ParamHeadHiddenDim    = "head_hidden_dim"

	ParamPolicyLossWeight    = "policy_loss_weight"
	ParamValueLossWeight     = "value_loss_weight"
	ParamMovesLeftLossWeight = "moves_left_loss_weight"
	ParamMovesLeftLoss       = "moves_left_loss"

	// ParamMixedPrecision enables computing the forward and backward passes in the reduced dtype
	// (see ParamReducedDType), while keeping the variables in float32.
	ParamMixedPrecision = "mixed_precision"
	ParamReducedDType   = "reduced_dtype"
)

// Moves-left loss types.
const (
	MovesLeftLossHuber = "huber"
	MovesLeftLossMAE   = "mae"
	MovesLeftLossMSE   = "mse"
)

// DefaultParams returns the default hyperparameters of the network.
// They can be set into a context with ctx.SetParams.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamFilters:          256,
		ParamResidualBlocks:   10,
		ParamSERatio:          8,
		ParamConstrainNorms:   true,
		ParamPolicyFilters:    32,
		ParamValueFilters:     32,
		ParamMovesLeftFilters: 8,
		ParamHeadHiddenDim:    128,

		// Loss weights: changing them makes the losses not comparable with other runs.
		ParamPolicyLossWeight:    1.0,
		ParamValueLossWeight:     1.0,
		ParamMovesLeftLossWeight: 0.01,
		ParamMovesLeftLoss:       MovesLeftLossHuber,

		ParamMixedPrecision: false,
		ParamReducedDType:   "float16",
	}
}

// Config of the network architecture and of its training objective.
type Config struct {
	Filters        int
	ResidualBlocks int

	// SERatio is the squeeze-excite reduction ratio. 0 disables the squeeze-excite gate.
	SERatio int

	// ConstrainNorms fixes the scale of the normalizations inside the tower and heads to 1.
	ConstrainNorms bool

	PolicyFilters, ValueFilters, MovesLeftFilters int
	HeadHiddenDim                                 int

	PolicyLossWeight, ValueLossWeight, MovesLeftLossWeight float64
	MovesLeftLoss                                          string

	MixedPrecision bool
	ReducedDType   dtypes.DType
}

// DefaultConfig returns the configuration matching DefaultParams.
func DefaultConfig() Config {
	return Config{
		Filters:             256,
		ResidualBlocks:      10,
		SERatio:             8,
		ConstrainNorms:      true,
		PolicyFilters:       32,
		ValueFilters:        32,
		MovesLeftFilters:    8,
		HeadHiddenDim:       128,
		PolicyLossWeight:    1.0,
		ValueLossWeight:     1.0,
		MovesLeftLossWeight: 0.01,
		MovesLeftLoss:       MovesLeftLossHuber,
		ReducedDType:        dtypes.Float16,
	}
}

// ConfigFromContext reads the network Config from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.Filters = context.GetParamOr(ctx, ParamFilters, cfg.Filters)
	cfg.ResidualBlocks = context.GetParamOr(ctx, ParamResidualBlocks, cfg.ResidualBlocks)
	cfg.SERatio = context.GetParamOr(ctx, ParamSERatio, cfg.SERatio)
	cfg.ConstrainNorms = context.GetParamOr(ctx, ParamConstrainNorms, cfg.ConstrainNorms)
	cfg.PolicyFilters = context.GetParamOr(ctx, ParamPolicyFilters, cfg.PolicyFilters)
	cfg.ValueFilters = context.GetParamOr(ctx, ParamValueFilters, cfg.ValueFilters)
	cfg.MovesLeftFilters = context.GetParamOr(ctx, ParamMovesLeftFilters, cfg.MovesLeftFilters)
	cfg.HeadHiddenDim = context.GetParamOr(ctx, ParamHeadHiddenDim, cfg.HeadHiddenDim)
	cfg.PolicyLossWeight = context.GetParamOr(ctx, ParamPolicyLossWeight, cfg.PolicyLossWeight)
	cfg.ValueLossWeight = context.GetParamOr(ctx, ParamValueLossWeight, cfg.ValueLossWeight)
	cfg.MovesLeftLossWeight = context.GetParamOr(ctx, ParamMovesLeftLossWeight, cfg.MovesLeftLossWeight)
	cfg.MovesLeftLoss = context.GetParamOr(ctx, ParamMovesLeftLoss, cfg.MovesLeftLoss)
	cfg.MixedPrecision = context.GetParamOr(ctx, ParamMixedPrecision, cfg.MixedPrecision)
	var err error
	cfg.ReducedDType, err = ParseReducedDType(context.GetParamOr(ctx, ParamReducedDType, "float16"))
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// SetContextParams writes the configuration as hyperparameters of ctx.
func (cfg Config) SetContextParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamFilters:             cfg.Filters,
		ParamResidualBlocks:      cfg.ResidualBlocks,
		ParamSERatio:             cfg.SERatio,
		ParamConstrainNorms:      cfg.ConstrainNorms,
		ParamPolicyFilters:       cfg.PolicyFilters,
		ParamValueFilters:        cfg.ValueFilters,
		ParamMovesLeftFilters:    cfg.MovesLeftFilters,
		ParamHeadHiddenDim:       cfg.HeadHiddenDim,
		ParamPolicyLossWeight:    cfg.PolicyLossWeight,
		ParamValueLossWeight:     cfg.ValueLossWeight,
		ParamMovesLeftLossWeight: cfg.MovesLeftLossWeight,
		ParamMovesLeftLoss:       cfg.MovesLeftLoss,
		ParamMixedPrecision:      cfg.MixedPrecision,
		ParamReducedDType:        reducedDTypeName(cfg.ReducedDType),
	})
}

// ParseReducedDType converts the name of a reduced precision dtype.
func ParseReducedDType(name string) (dtypes.DType, error) {
	switch name {
	case "float16", "f16", "half":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("invalid %s=%q, valid values are \"float16\" or \"bfloat16\"",
		ParamReducedDType, name)
}

func reducedDTypeName(dtype dtypes.DType) string {
	if dtype == dtypes.BFloat16 {
		return "bfloat16"
	}
	return "float16"
}

// ComputeDType is the dtype used by the activations of the network.
// The variables are always kept in float32.
func (cfg Config) ComputeDType() dtypes.DType {
	if cfg.MixedPrecision {
		return cfg.ReducedDType
	}
	return dtypes.Float32
}

// Validate returns an error if the configuration can't be used to build a network.
func (cfg Config) Validate() error {
	if cfg.Filters <= 0 {
		return errors.Errorf("%s=%d must be > 0", ParamFilters, cfg.Filters)
	}
	if cfg.ResidualBlocks < 0 {
		return errors.Errorf("%s=%d must be >= 0", ParamResidualBlocks, cfg.ResidualBlocks)
	}
	if cfg.SERatio < 0 {
		return errors.Errorf("%s=%d must be >= 0 (0 disables squeeze-excite)", ParamSERatio, cfg.SERatio)
	}
	if cfg.SERatio > 0 && cfg.Filters%cfg.SERatio != 0 {
		return errors.Errorf("%s=%d must be divisible by %s=%d", ParamFilters, cfg.Filters, ParamSERatio, cfg.SERatio)
	}
	for _, dim := range []struct {
		key   string
		value int
	}{
		{ParamPolicyFilters, cfg.PolicyFilters},
		{ParamValueFilters, cfg.ValueFilters},
		{ParamMovesLeftFilters, cfg.MovesLeftFilters},
		{ParamHeadHiddenDim, cfg.HeadHiddenDim},
	} {
		if dim.value <= 0 {
			return errors.Errorf("%s=%d must be > 0", dim.key, dim.value)
		}
	}
	for _, weight := range []struct {
		key   string
		value float64
	}{
		{ParamPolicyLossWeight, cfg.PolicyLossWeight},
		{ParamValueLossWeight, cfg.ValueLossWeight},
		{ParamMovesLeftLossWeight, cfg.MovesLeftLossWeight},
	} {
		if math.IsNaN(weight.value) || math.IsInf(weight.value, 0) || weight.value < 0 {
			return errors.Errorf("%s=%g must be a finite value >= 0", weight.key, weight.value)
		}
	}
	switch cfg.MovesLeftLoss {
	case MovesLeftLossHuber, MovesLeftLossMAE, MovesLeftLossMSE:
	default:
		return errors.Errorf("invalid %s=%q, valid values are %q, %q or %q", ParamMovesLeftLoss,
			cfg.MovesLeftLoss, MovesLeftLossHuber, MovesLeftLossMAE, MovesLeftLossMSE)
	}
	if cfg.MixedPrecision && cfg.ReducedDType != dtypes.Float16 && cfg.ReducedDType != dtypes.BFloat16 {
		return errors.Errorf("%s=%s is not a reduced precision dtype", ParamReducedDType, cfg.ReducedDType)
	}
	return nil
}
