// Package optimizer implements the parameter updates of the trainer: the optimizers (adam, lion and
// sgd), the global-norm clipping of the gradients and the strategies to compute the gradients in full
// or reduced precision (with dynamic loss scaling).
//
// All updates are gated by an "accept" boolean scalar: when it is false, every variable touched (the
// model variables, the optimizer slots and the global step) keeps its previous value.
package optimizer

import (
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Scope where the optimizer variables are created.
const Scope = "optimizer"

// Hyperparameters of the optimizer.
const (
	ParamOptimizer    = "optimizer"
	ParamLearningRate = "learning_rate"
	ParamMaxGradNorm  = "max_grad_norm"
)

// Optimizer updates the variables given their gradients.
type Optimizer interface {
	// Name of the optimizer.
	Name() string

	// UpdateGraph builds the update of vars, given grads (same order), if accept (a boolean scalar)
	// is true. It also increments the global step on accepted updates.
	UpdateGraph(ctx *context.Context, vars []*context.Variable, grads []*Node, accept *Node)

	// Clear the optimizer slot variables and the global step.
	Clear(ctx *context.Context)
}

// Names of the supported optimizers.
var Names = []string{"adam", "lion", "sgd"}

// FromName returns the optimizer with the given name.
func FromName(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		return &Adam{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}, nil
	case "lion":
		return &Lion{Beta1: 0.9, Beta2: 0.99}, nil
	case "sgd":
		return SGD{}, nil
	}
	return nil, errors.Errorf("unknown %s=%q, valid values are %q", ParamOptimizer, name, Names)
}

// LearningRateVar returns the scalar variable holding the learning rate.
//
// If it doesn't exist yet, it's created with the value of the "learning_rate" hyperparameter.
func LearningRateVar(ctx *context.Context) *context.Variable {
	ctx = ctx.InAbsPath(context.RootScope + Scope).Checked(false)
	if v := ctx.GetVariable(ParamLearningRate); v != nil {
		return v
	}
	lr := context.GetParamOr(ctx, ParamLearningRate, 3e-4)
	return ctx.VariableWithValue(ParamLearningRate, float32(lr)).SetTrainable(false)
}

// SetLearningRate sets the value of the learning rate variable, used by the following updates.
func SetLearningRate(ctx *context.Context, lr float64) {
	LearningRateVar(ctx).SetValue(tensors.FromScalar(float32(lr)))
}

// LearningRate returns the current value of the learning rate variable.
func LearningRate(ctx *context.Context) float64 {
	return float64(tensors.ToScalar[float32](LearningRateVar(ctx).Value()))
}

// slotVar returns the zero initialized slot variable of the optimizer, named slot, associated to v.
func slotVar(ctx *context.Context, slot string, v *context.Variable) *context.Variable {
	path := context.RootScope + Scope + context.ScopeSeparator + slot + v.Scope()
	return ctx.InAbsPath(path).Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name(), v.Shape()).
		SetTrainable(false)
}

// clearSlots deletes all slot variables of the optimizer.
func clearSlots(ctx *context.Context, slots ...string) {
	var toDelete []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		for _, slot := range slots {
			prefix := context.RootScope + Scope + context.ScopeSeparator + slot
			if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
				toDelete = append(toDelete, v)
			}
		}
	})
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	optimizers.DeleteGlobalStep(ctx)
}

// Select returns onTrue if the boolean scalar cond is true, and onFalse otherwise.
func Select(cond, onTrue, onFalse *Node) *Node {
	if !onTrue.IsScalar() {
		cond = BroadcastToDims(cond, onTrue.Shape().Dimensions...)
	}
	return Where(cond, onTrue, onFalse)
}

// setIf assigns value to v, if accept is true.
func setIf(v *context.Variable, accept, value *Node) {
	current := v.ValueGraph(accept.Graph())
	v.SetValueGraph(Select(accept, ConvertDType(value, current.DType()), current))
}

// incrementGlobalStep increments the global step if accept is true, and returns the (possibly
// incremented) value in float32.
func incrementGlobalStep(ctx *context.Context, accept *Node) *Node {
	stepVar := optimizers.GetGlobalStepVar(ctx)
	step := stepVar.ValueGraph(accept.Graph())
	setIf(stepVar, accept, AddScalar(step, 1))
	return ConvertDType(stepVar.ValueGraph(accept.Graph()), dtypes.Float32)
}

// learningRate returns the learning rate in the graph, in float32.
func learningRate(ctx *context.Context, g *Graph) *Node {
	return LearningRateVar(ctx).ValueGraph(g)
}
