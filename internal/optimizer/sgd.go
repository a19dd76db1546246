package optimizer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// SGD is the plain stochastic gradient descent: it has no state other than the global step.
type SGD struct{}

var _ Optimizer = SGD{}

// Name implements Optimizer.
func (SGD) Name() string { return "sgd" }

// UpdateGraph implements Optimizer.
func (SGD) UpdateGraph(ctx *context.Context, vars []*context.Variable, grads []*Node, accept *Node) {
	g := accept.Graph()
	lr := learningRate(ctx, g)
	incrementGlobalStep(ctx, accept)
	for ii, v := range vars {
		grad := ConvertDType(grads[ii], dtypes.Float32)
		setIf(v, accept, Sub(v.ValueGraph(g), Mul(lr, grad)))
	}
}

// Clear implements Optimizer.
func (SGD) Clear(ctx *context.Context) {
	clearSlots(ctx)
}
