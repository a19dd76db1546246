package optimizer

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Hyperparameters of the dynamic loss scaling, used in reduced precision.
const (
	ParamLossScale            = "loss_scale"
	ParamLossScaleGrowthSteps = "loss_scale_growth_steps"
)

const (
	lossScaleVarName     = "loss_scale"
	lossScaleGoodStepVar = "loss_scale_good_steps"

	lossScaleGrowthFactor = 2.0
	lossScaleMin          = 1.0
)

// GradientComputer computes the gradients of the loss with respect to the trainable variables.
type GradientComputer interface {
	// Gradients of loss (a float32 scalar) with respect to vars. It returns the gradients (in the same
	// order as vars) and a boolean scalar telling whether the update with these gradients should be
	// accepted.
	Gradients(ctx *context.Context, loss *Node, vars []*context.Variable) (grads []*Node, accept *Node)
}

// FullPrecision computes the gradients directly. It always accepts the update.
type FullPrecision struct{}

var _ GradientComputer = FullPrecision{}

// Gradients implements GradientComputer.
func (FullPrecision) Gradients(_ *context.Context, loss *Node, vars []*context.Variable) ([]*Node, *Node) {
	g := loss.Graph()
	return Gradient(loss, varNodes(g, vars)...), Const(g, true)
}

// LossScaled computes the gradients of the loss multiplied by a dynamic scale factor, so small
// gradients stay representable in reduced precision, and then divides the gradients back.
//
// If any gradient is not finite, the update is rejected and the scale is halved (down to 1).
// After GrowthSteps consecutive accepted updates the scale is doubled.
type LossScaled struct {
	InitialScale float64
	GrowthSteps  int
}

var _ GradientComputer = (*LossScaled)(nil)

// NewLossScaled creates a LossScaled configured from the hyperparameters in ctx.
func NewLossScaled(ctx *context.Context) *LossScaled {
	return &LossScaled{
		InitialScale: context.GetParamOr(ctx, ParamLossScale, math.Pow(2, 15)),
		GrowthSteps:  context.GetParamOr(ctx, ParamLossScaleGrowthSteps, 2000),
	}
}

// LossScaleVar returns the variable with the current loss scale, creating it if needed.
func (ls *LossScaled) LossScaleVar(ctx *context.Context) *context.Variable {
	return lossScaleVar(ctx, ls.InitialScale)
}

func lossScaleVar(ctx *context.Context, initialScale float64) *context.Variable {
	ctx = ctx.InAbsPath(context.RootScope + Scope).Checked(false)
	if v := ctx.GetVariable(lossScaleVarName); v != nil {
		return v
	}
	return ctx.VariableWithValue(lossScaleVarName, float32(initialScale)).SetTrainable(false)
}

// LossScale returns the current loss scale in ctx, or 0 if loss scaling is not in use.
func LossScale(ctx *context.Context) float64 {
	v := ctx.InAbsPath(context.RootScope + Scope).GetVariable(lossScaleVarName)
	if v == nil {
		return 0
	}
	return float64(tensors.ToScalar[float32](v.Value()))
}

// Gradients implements GradientComputer.
// It also builds the update of the loss scale.
func (ls *LossScaled) Gradients(ctx *context.Context, loss *Node, vars []*context.Variable) ([]*Node, *Node) {
	g := loss.Graph()
	scaleVar := ls.LossScaleVar(ctx)
	goodStepsVar := ctx.InAbsPath(context.RootScope+Scope).Checked(false).
		VariableWithValue(lossScaleGoodStepVar, int64(0)).SetTrainable(false)
	scale := scaleVar.ValueGraph(g)

	scaledGrads := Gradient(Mul(loss, ConvertDType(scale, loss.DType())), varNodes(g, vars)...)
	grads := make([]*Node, len(scaledGrads))
	for ii, grad := range scaledGrads {
		grads[ii] = Div(grad, ConvertDType(scale, grad.DType()))
	}
	finite := AllFinite(grads)

	// Loss scale policy: halve on overflow, double after GrowthSteps finite steps in a row.
	goodSteps := goodStepsVar.ValueGraph(g)
	goodSteps = Select(finite, AddScalar(goodSteps, 1), ZerosLike(goodSteps))
	grow := GreaterOrEqual(goodSteps, Scalar(g, dtypes.Int64, ls.GrowthSteps))
	newScale := Select(finite,
		Select(grow, MulScalar(scale, lossScaleGrowthFactor), scale),
		Max(DivScalar(scale, lossScaleGrowthFactor), Scalar(g, dtypes.Float32, lossScaleMin)))
	scaleVar.SetValueGraph(newScale)
	goodStepsVar.SetValueGraph(Select(grow, ZerosLike(goodSteps), goodSteps))
	return grads, finite
}

func varNodes(g *Graph, vars []*context.Variable) []*Node {
	nodes := make([]*Node, len(vars))
	for ii, v := range vars {
		nodes[ii] = v.ValueGraph(g)
	}
	return nodes
}
