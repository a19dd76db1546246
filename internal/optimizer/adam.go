package optimizer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	adamMeanSlot     = "adam_m"
	adamVarianceSlot = "adam_v"
)

// Adam optimizer, with bias correction.
type Adam struct {
	Beta1, Beta2, Epsilon float64
}

var _ Optimizer = (*Adam)(nil)

// Name implements Optimizer.
func (o *Adam) Name() string { return "adam" }

// UpdateGraph implements Optimizer.
func (o *Adam) UpdateGraph(ctx *context.Context, vars []*context.Variable, grads []*Node, accept *Node) {
	g := accept.Graph()
	lr := learningRate(ctx, g)
	step := incrementGlobalStep(ctx, accept)
	beta1Correction := OneMinus(Pow(Scalar(g, dtypes.Float32, o.Beta1), step))
	beta2Correction := OneMinus(Pow(Scalar(g, dtypes.Float32, o.Beta2), step))
	for ii, v := range vars {
		grad := ConvertDType(grads[ii], dtypes.Float32)
		meanVar := slotVar(ctx, adamMeanSlot, v)
		varianceVar := slotVar(ctx, adamVarianceSlot, v)
		mean := Add(MulScalar(meanVar.ValueGraph(g), o.Beta1), MulScalar(grad, 1-o.Beta1))
		variance := Add(MulScalar(varianceVar.ValueGraph(g), o.Beta2), MulScalar(Square(grad), 1-o.Beta2))
		setIf(meanVar, accept, mean)
		setIf(varianceVar, accept, variance)

		meanHat := Div(mean, beta1Correction)
		varianceHat := Div(variance, beta2Correction)
		delta := Div(Mul(lr, meanHat), AddScalar(Sqrt(varianceHat), o.Epsilon))
		setIf(v, accept, Sub(v.ValueGraph(g), delta))
	}
}

// Clear implements Optimizer.
func (o *Adam) Clear(ctx *context.Context) {
	clearSlots(ctx, adamMeanSlot, adamVarianceSlot)
}
