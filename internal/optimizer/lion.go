package optimizer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

const lionMomentumSlot = "lion_m"

// Lion optimizer ("EvoLved Sign Momentum"): updates are the sign of an interpolation between the
// momentum and the gradient, so all parameters move by the learning rate.
type Lion struct {
	Beta1, Beta2 float64
}

var _ Optimizer = (*Lion)(nil)

// Name implements Optimizer.
func (o *Lion) Name() string { return "lion" }

// UpdateGraph implements Optimizer.
func (o *Lion) UpdateGraph(ctx *context.Context, vars []*context.Variable, grads []*Node, accept *Node) {
	g := accept.Graph()
	lr := learningRate(ctx, g)
	incrementGlobalStep(ctx, accept)
	for ii, v := range vars {
		grad := ConvertDType(grads[ii], dtypes.Float32)
		momentumVar := slotVar(ctx, lionMomentumSlot, v)
		momentum := momentumVar.ValueGraph(g)
		direction := Sign(Add(MulScalar(momentum, o.Beta1), MulScalar(grad, 1-o.Beta1)))
		setIf(v, accept, Sub(v.ValueGraph(g), Mul(lr, direction)))
		setIf(momentumVar, accept, Add(MulScalar(momentum, o.Beta2), MulScalar(grad, 1-o.Beta2)))
	}
}

// Clear implements Optimizer.
func (o *Lion) Clear(ctx *context.Context) {
	clearSlots(ctx, lionMomentumSlot)
}
