package network

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// flatten a [batch, ...] tensor to [batch, -1].
func flatten(x *Node) *Node {
	batchSize := x.Shape().Dimensions[0]
	return Reshape(x, batchSize, x.Shape().Size()/batchSize)
}

// PolicyHead returns the policy logits, shaped [batch, PolicySize], in float32.
//
// No softmax is applied: normalization is left to the loss.
func PolicyHead(ctx *context.Context, trunk *Node, cfg Config, updates *Updates) *Node {
	x := ConvBlock(ctx.In("conv_0"), trunk, cfg.Filters, 3, !cfg.ConstrainNorms, true, updates)
	x = ConvBlock(ctx.In("conv_1"), x, cfg.PolicyFilters, 1, !cfg.ConstrainNorms, true, updates)
	logits := Dense(ctx.In("dense"), flatten(x), PolicySize)
	return castTo(logits, dtypes.Float32)
}

// ValueOrMovesLeftHead reduces the trunk to numFilters channels with a 1x1 ConvBlock, and projects the
// flattened result through a hidden layer of hiddenDim units to outputDim values, returned in float32.
//
// If relu is set, the output is clamped to be >= 0.
func ValueOrMovesLeftHead(ctx *context.Context, trunk *Node, outputDim, numFilters, hiddenDim int,
	constrainNorms, relu bool, updates *Updates) *Node {
	x := ConvBlock(ctx.In("conv"), trunk, numFilters, 1, !constrainNorms, true, updates)
	x = activations.Relu(Dense(ctx.In("hidden"), flatten(x), hiddenDim))
	x = Dense(ctx.In("output"), x, outputDim)
	if relu {
		x = activations.Relu(x)
	}
	return castTo(x, dtypes.Float32)
}
