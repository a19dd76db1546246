package network

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Tower is the shared trunk: it reshapes the flat inputs to [batch, 112, 8, 8], lifts them to
// cfg.Filters channels with an input ConvBlock and applies cfg.ResidualBlocks residual blocks.
//
// inputs can be shaped [batch, InputSize] or [batch, InputPlanes, 8, 8]. The returned feature map
// is channels-last, shaped [batch, 8, 8, cfg.Filters], in cfg.ComputeDType().
func Tower(ctx *context.Context, inputs *Node, cfg Config, updates *Updates) *Node {
	batchSize := inputs.Shape().Dimensions[0]
	x := Reshape(inputs, batchSize, InputPlanes, BoardSize, BoardSize)
	x = castTo(x, cfg.ComputeDType())
	x = TransposeAllDims(x, 0, 2, 3, 1)
	x = ConvBlock(ctx.In("input_block"), x, cfg.Filters, 3, true, true, updates)
	for ii := range cfg.ResidualBlocks {
		x = ResidualBlock(ctx.In(fmt.Sprintf("residual_block_%d", ii)), x, cfg.SERatio, cfg.ConstrainNorms, updates)
	}
	return x
}
