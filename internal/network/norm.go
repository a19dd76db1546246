package network

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	normMomentum = 0.99
	normEpsilon  = 1e-3
)

// Updates collects the new values of non-trainable variables (the moving statistics of the
// normalizations) computed during a training forward pass.
//
// They are only assigned by Apply, so that a training step can reject them together with the
// gradient update.
type Updates struct {
	vars   []*context.Variable
	values []*Node
}

// Add schedules value to be assigned to v.
func (u *Updates) Add(v *context.Variable, value *Node) {
	if u == nil {
		return
	}
	u.vars = append(u.vars, v)
	u.values = append(u.values, value)
}

// Len returns the number of scheduled updates.
func (u *Updates) Len() int {
	if u == nil {
		return 0
	}
	return len(u.vars)
}

// Apply assigns the scheduled values if accept (a boolean scalar) is true, otherwise the variables
// keep their current value.
func (u *Updates) Apply(accept *Node) {
	if u == nil {
		return
	}
	for ii, v := range u.vars {
		current := v.ValueGraph(accept.Graph())
		v.SetValueGraph(selectIf(accept, u.values[ii], current))
	}
}

// selectIf returns onTrue where the boolean scalar cond is true, onFalse otherwise.
func selectIf(cond, onTrue, onFalse *Node) *Node {
	if !onTrue.IsScalar() {
		cond = BroadcastToDims(cond, onTrue.Shape().Dimensions...)
	}
	return Where(cond, onTrue, onFalse)
}

// castTo converts x to dtype, if it's not already of that dtype.
func castTo(x *Node, dtype dtypes.DType) *Node {
	if x.DType() == dtype {
		return x
	}
	return ConvertDType(x, dtype)
}

// lastDim returns the dimension of the last axis of x.
func lastDim(x *Node) int {
	dims := x.Shape().Dimensions
	return dims[len(dims)-1]
}

// broadcastChannels expands the per-channel vector v to the shape of x, a channels-last tensor.
func broadcastChannels(v, x *Node) *Node {
	rank := x.Rank()
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[rank-1] = lastDim(x)
	return BroadcastToDims(Reshape(v, dims...), x.Shape().Dimensions...)
}

// normalize applies batch normalization over the last (channels) axis of x.
//
// Statistics and variables are kept in float32, independent of the dtype of x, and the result is
// converted back to the dtype of x. If scale is false the normalization only learns an offset
// (the scale is fixed to 1).
//
// On training graphs it normalizes with the batch statistics and schedules the update of the moving
// statistics in updates. Otherwise, it uses the moving statistics.
func normalize(ctx *context.Context, x *Node, scale bool, updates *Updates) *Node {
	g := x.Graph()
	channels := lastDim(x)
	computeDType := x.DType()
	x32 := castTo(x, dtypes.Float32)
	varShape := shapes.Make(dtypes.Float32, channels)

	zeroCtx := ctx.WithInitializer(initializers.Zero)
	offsetVar := zeroCtx.VariableWithShape("offset", varShape)
	movingMeanVar := zeroCtx.VariableWithShape("moving_mean", varShape).SetTrainable(false)
	movingVarianceVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("moving_variance", varShape).SetTrainable(false)

	reduceAxes := make([]int, x.Rank()-1)
	for ii := range reduceAxes {
		reduceAxes[ii] = ii
	}
	var mean, variance *Node
	if ctx.IsTraining(g) {
		mean = ReduceMean(x32, reduceAxes...)
		centered := Sub(x32, broadcastChannels(mean, x32))
		variance = ReduceMean(Square(centered), reduceAxes...)
		movingMean := movingMeanVar.ValueGraph(g)
		movingVariance := movingVarianceVar.ValueGraph(g)
		updates.Add(movingMeanVar, Add(
			MulScalar(movingMean, normMomentum),
			MulScalar(StopGradient(mean), 1-normMomentum)))
		updates.Add(movingVarianceVar, Add(
			MulScalar(movingVariance, normMomentum),
			MulScalar(StopGradient(variance), 1-normMomentum)))
	} else {
		mean = movingMeanVar.ValueGraph(g)
		variance = movingVarianceVar.ValueGraph(g)
	}

	normalized := Div(
		Sub(x32, broadcastChannels(mean, x32)),
		broadcastChannels(Sqrt(AddScalar(variance, normEpsilon)), x32))
	if scale {
		scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape)
		normalized = Mul(normalized, broadcastChannels(scaleVar.ValueGraph(g), x32))
	}
	normalized = Add(normalized, broadcastChannels(offsetVar.ValueGraph(g), x32))
	return castTo(normalized, computeDType)
}
