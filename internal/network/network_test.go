package network

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// smallConfig is a tiny version of the network, fast enough for tests.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Filters = 8
	cfg.ResidualBlocks = 2
	cfg.SERatio = 2
	cfg.PolicyFilters = 4
	cfg.ValueFilters = 4
	cfg.MovesLeftFilters = 2
	cfg.HeadHiddenDim = 8
	return cfg
}

func randomInputs(rng *rand.Rand, batchSize int) *tensors.Tensor {
	data := make([]float32, batchSize*InputSize)
	for ii := range data {
		if rng.IntN(4) == 0 {
			data[ii] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, InputSize)
}

func TestForwardGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(42, 0))
	for _, blocks := range []int{0, 2} {
		t.Run(fmt.Sprintf("blocks=%d", blocks), func(t *testing.T) {
			cfg := smallConfig()
			cfg.ResidualBlocks = blocks
			net, err := NewWithConfig(cfg)
			require.NoError(t, err)
			const batchSize = 3
			outputs := context.ExecOnceN(backend, net.Context(), func(ctx *context.Context, inputs []*Node) []*Node {
				out := net.ForwardGraph(ctx, inputs[0], nil)
				return []*Node{out.Policy, out.Value, out.MovesLeft}
			}, randomInputs(rng, batchSize))
			require.Len(t, outputs, 3)
			assert.Equal(t, []int{batchSize, PolicySize}, outputs[0].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, WDLSize}, outputs[1].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, 1}, outputs[2].Shape().Dimensions)
			for _, v := range tensors.CopyFlatData[float32](outputs[2]) {
				assert.GreaterOrEqual(t, v, float32(0))
			}

			numResidualVars := 0
			for _, v := range Variables(net.Context()) {
				if strings.Contains(v.Scope(), "residual_block_") {
					numResidualVars++
				}
			}
			if blocks == 0 {
				assert.Zero(t, numResidualVars)
			} else {
				assert.NotZero(t, numResidualVars)
			}
		})
	}
}

func TestForwardGraph_MixedPrecision(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	cfg.MixedPrecision = true
	net, err := NewWithConfig(cfg)
	require.NoError(t, err)
	outputs := context.ExecOnceN(backend, net.Context(), func(ctx *context.Context, inputs []*Node) []*Node {
		out := net.ForwardGraph(ctx, inputs[0], nil)
		return []*Node{out.Policy, out.Value, out.MovesLeft}
	}, randomInputs(rand.New(rand.NewPCG(7, 0)), 2))
	for _, output := range outputs {
		// Outputs are always float32, regardless of the compute dtype.
		assert.Equal(t, dtypes.Float32, output.DType())
	}

	// Variables are kept in float32.
	for _, v := range Variables(net.Context()) {
		assert.Equal(t, dtypes.Float32, v.Shape().DType, "variable %s", v.ScopeAndName())
	}
}

func TestResidualBlock_ShapeInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, channels := range []int{4, 8, 12} {
		for _, seRatio := range []int{0, 2, 4} {
			for _, constrainNorms := range []bool{false, true} {
				ctx := context.New()
				data := make([]float32, 2*BoardSize*BoardSize*channels)
				for ii := range data {
					data[ii] = float32(ii%7) - 3
				}
				input := tensors.FromFlatDataAndDimensions(data, 2, BoardSize, BoardSize, channels)
				output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
					return ResidualBlock(ctx, x, seRatio, constrainNorms, nil)
				}, input)
				require.Equal(t, input.Shape().Dimensions, output.Shape().Dimensions,
					"channels=%d, seRatio=%d, constrainNorms=%v", channels, seRatio, constrainNorms)
			}
		}
	}
}

func TestSqueezeExcite(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const channels = 8
	data := make([]float32, BoardSize*BoardSize*channels)
	for ii := range data {
		data[ii] = 1
	}
	input := tensors.FromFlatDataAndDimensions(data, 1, BoardSize, BoardSize, channels)
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return SqueezeExcite(ctx, x, 4)
	}, input)
	require.Equal(t, input.Shape().Dimensions, output.Shape().Dimensions)
	// Inputs are all 1, so the outputs are the gates, in [0, 1].
	for _, v := range tensors.CopyFlatData[float32](output) {
		require.True(t, v >= 0 && v <= 1, "gate %g not in [0, 1]", v)
	}
}

func TestNormalize_Updates(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	var numUpdates int
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		ctx.SetTraining(x.Graph(), true)
		updates := &Updates{}
		out := normalize(ctx, x, true, updates)
		numUpdates = updates.Len()
		return []*Node{out, ReduceAllMean(out)}
	}, input)
	assert.Equal(t, 2, numUpdates)
	// Training normalization centers the batch (offset starts at 0).
	assert.InDelta(t, 0.0, tensors.ToScalar[float32](outputs[1]), 1e-5)
}

func TestLosses_NonNegative(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(3, 0))
	const batchSize = 4
	logits := make([]float32, batchSize*WDLSize)
	targets := make([]float32, batchSize*WDLSize)
	for ii := range logits {
		logits[ii] = float32(rng.NormFloat64() * 3)
	}
	for b := range batchSize {
		var sum float32
		for ii := range WDLSize {
			targets[b*WDLSize+ii] = rng.Float32()
			sum += targets[b*WDLSize+ii]
		}
		for ii := range WDLSize {
			targets[b*WDLSize+ii] /= sum
		}
	}
	loss := ExecOnce(backend, func(target, logits *Node) *Node {
		return ValueLoss(target, logits)
	},
		tensors.FromFlatDataAndDimensions(targets, batchSize, WDLSize),
		tensors.FromFlatDataAndDimensions(logits, batchSize, WDLSize))
	require.True(t, loss.Shape().IsScalar())
	require.GreaterOrEqual(t, tensors.ToScalar[float32](loss), float32(0))

	// One-hot targets matched by very confident logits give a loss close to 0.
	loss = ExecOnce(backend, func(target, logits *Node) *Node {
		return PolicyLoss(target, logits)
	}, [][]float32{{0, 1, 0}}, [][]float32{{-20, 20, -20}})
	assert.InDelta(t, 0.0, tensors.ToScalar[float32](loss), 1e-5)
}

func TestMovesLeftLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	target := [][]float32{{30}, {30}}
	output := [][]float32{{10}, {25}}
	for _, tc := range []struct {
		lossType string
		want     float64
	}{
		// Errors are 20 and 5 plies, scaled by 1/20 to 1.0 and 0.25; Huber delta is 0.5.
		{MovesLeftLossHuber, (0.5*0.5*0.5 + 0.5*0.5 + 0.5*0.25*0.25) / 2},
		{MovesLeftLossMAE, (1.0 + 0.25) / 2},
		{MovesLeftLossMSE, (1.0 + 0.0625) / 2},
	} {
		loss := ExecOnce(backend, func(target, output *Node) *Node {
			return MovesLeftLoss(tc.lossType, target, output)
		}, target, output)
		assert.InDelta(t, tc.want, tensors.ToScalar[float32](loss), 1e-5, "loss %s", tc.lossType)
	}
}

func TestLossGraph_WeightedTotal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, weights := range [][3]float64{{1, 1, 0.01}, {2, 0.5, 0.1}, {0, 1, 0}, {0, 0, 0}} {
		cfg := smallConfig()
		cfg.PolicyLossWeight, cfg.ValueLossWeight, cfg.MovesLeftLossWeight = weights[0], weights[1], weights[2]
		net, err := NewWithConfig(cfg)
		require.NoError(t, err)
		policy := make([]float32, 2*PolicySize)
		policy[17] = 1
		policy[PolicySize+3] = 1
		results := context.ExecOnceN(backend, net.Context(), func(ctx *context.Context, inputs []*Node) []*Node {
			outputs := net.ForwardGraph(ctx, inputs[0], nil)
			l := net.LossGraph(outputs, Targets{Policy: inputs[1], WDL: inputs[2], MovesLeft: inputs[3]})
			return []*Node{l.Policy, l.Value, l.MovesLeft, l.Total}
		},
			randomInputs(rand.New(rand.NewPCG(11, 0)), 2),
			tensors.FromFlatDataAndDimensions(policy, 2, PolicySize),
			[][]float32{{1, 0, 0}, {0.2, 0.5, 0.3}},
			[][]float32{{30}, {4}})
		values := make([]float64, 4)
		for ii, r := range results {
			values[ii] = float64(tensors.ToScalar[float32](r))
			require.False(t, math.IsNaN(values[ii]) || math.IsInf(values[ii], 0))
		}
		assert.GreaterOrEqual(t, values[0], 0.0)
		assert.GreaterOrEqual(t, values[1], 0.0)
		want := weights[0]*values[0] + weights[1]*values[1] + weights[2]*values[2]
		assert.InDelta(t, want, values[3], 1e-4*(1+math.Abs(want)), "weights=%v", weights)
		if weights == [3]float64{0, 0, 0} {
			assert.Zero(t, values[3])
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	for name, modify := range map[string]func(cfg *Config){
		"zero filters":           func(cfg *Config) { cfg.Filters = 0 },
		"negative blocks":        func(cfg *Config) { cfg.ResidualBlocks = -1 },
		"se ratio not divisible": func(cfg *Config) { cfg.SERatio = 3 },
		"zero policy filters":    func(cfg *Config) { cfg.PolicyFilters = 0 },
		"negative weight":        func(cfg *Config) { cfg.ValueLossWeight = -1 },
		"NaN weight":             func(cfg *Config) { cfg.PolicyLossWeight = math.NaN() },
		"infinite weight":        func(cfg *Config) { cfg.MovesLeftLossWeight = math.Inf(1) },
		"unknown moves-left":     func(cfg *Config) { cfg.MovesLeftLoss = "l3" },
	} {
		cfg := DefaultConfig()
		modify(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg := DefaultConfig()
	cfg.ResidualBlocks = 0
	cfg.SERatio = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{ParamFilters: 64, ParamMixedPrecision: true, ParamReducedDType: "bf16"})
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Filters)
	assert.Equal(t, 10, cfg.ResidualBlocks)
	assert.Equal(t, dtypes.BFloat16, cfg.ComputeDType())

	ctx.SetParam(ParamReducedDType, "int8")
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)

	_, err = New(ctx)
	require.Error(t, err)
}
