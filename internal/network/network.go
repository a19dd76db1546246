// Package network implements the lc0 style network: a residual tower of convolutions (with optional
// squeeze-excite gates) shared by three heads, predicting the move policy, the win/draw/loss outcome
// and the number of moves left of a chess position.
//
// All functions are GoMLX graph building functions over an explicit *context.Context, which holds the
// variables (in float32) and the hyperparameters (see DefaultParams) of the model.
package network

import (
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ModelScope is the context scope under which all the network variables are created.
const ModelScope = "model"

// Network binds a Config to the context holding its variables.
type Network struct {
	ctx *context.Context
	cfg Config
}

// Outputs of the network, all in float32.
type Outputs struct {
	// Policy logits, shaped [batch, PolicySize].
	Policy *Node

	// Value logits for win/draw/loss, shaped [batch, WDLSize].
	Value *Node

	// MovesLeft, shaped [batch, 1], always >= 0.
	MovesLeft *Node
}

// Targets for each of the Outputs.
type Targets struct {
	// Policy probabilities, shaped [batch, PolicySize].
	Policy *Node

	// WDL probabilities, shaped [batch, WDLSize].
	WDL *Node

	// MovesLeft in plies, shaped [batch, 1].
	MovesLeft *Node
}

// Losses of one batch, all float32 scalars.
type Losses struct {
	Policy, Value, MovesLeft, Total *Node
}

// New creates a Network configured from the hyperparameters in ctx.
//
// It returns an error if the configuration is invalid. Variables are only created when the
// first graph is built.
func New(ctx *context.Context) (*Network, error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid network configuration")
	}
	return &Network{ctx: ctx, cfg: cfg}, nil
}

// NewWithConfig creates a new context with the hyperparameters of cfg and the Network that uses it.
func NewWithConfig(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid network configuration")
	}
	ctx := context.New()
	cfg.SetContextParams(ctx)
	return &Network{ctx: ctx, cfg: cfg}, nil
}

// Context holding the variables and hyperparameters of the network.
func (n *Network) Context() *context.Context { return n.ctx }

// Config of the network.
func (n *Network) Config() Config { return n.cfg }

// ForwardGraph builds the forward computation of the network for the given inputs, shaped
// [batch, InputSize] or [batch, InputPlanes, 8, 8].
//
// If ctx is in training mode for the graph, the normalizations use the batch statistics and the
// new moving statistics are scheduled in updates (which can be nil if they are not needed).
func (n *Network) ForwardGraph(ctx *context.Context, inputs *Node, updates *Updates) Outputs {
	ctx = ctx.In(ModelScope)
	cfg := n.cfg
	trunk := Tower(ctx.In("tower"), inputs, cfg, updates)
	return Outputs{
		Policy: PolicyHead(ctx.In("policy_head"), trunk, cfg, updates),
		Value: ValueOrMovesLeftHead(ctx.In("value_head"), trunk, WDLSize,
			cfg.ValueFilters, cfg.HeadHiddenDim, cfg.ConstrainNorms, false, updates),
		MovesLeft: ValueOrMovesLeftHead(ctx.In("moves_left_head"), trunk, 1,
			cfg.MovesLeftFilters, cfg.HeadHiddenDim, cfg.ConstrainNorms, true, updates),
	}
}

// LossGraph compares outputs with the targets and combines the three losses with the configured weights.
func (n *Network) LossGraph(outputs Outputs, targets Targets) Losses {
	var l Losses
	l.Policy = PolicyLoss(targets.Policy, outputs.Policy)
	l.Value = ValueLoss(targets.WDL, outputs.Value)
	l.MovesLeft = MovesLeftLoss(n.cfg.MovesLeftLoss, targets.MovesLeft, outputs.MovesLeft)
	l.Total = TotalLoss(n.cfg, l.Policy, l.Value, l.MovesLeft)
	return l
}

// inModelScope returns whether v was created under ModelScope.
func inModelScope(v *context.Variable) bool {
	scope := v.Scope()
	root := context.ScopeSeparator + ModelScope
	return scope == root || strings.HasPrefix(scope, root+context.ScopeSeparator)
}

// Variables returns all the variables of the model (trainable or not) in ctx, sorted by their
// scope and name. Optimizer and other training variables are not included.
func Variables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if inModelScope(v) {
			vars = append(vars, v)
		}
	})
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	return vars
}

// TrainableVariables returns the subset of Variables that are trained by gradient descent.
func TrainableVariables(ctx *context.Context) []*context.Variable {
	return slices.DeleteFunc(Variables(ctx), func(v *context.Variable) bool {
		return !v.Trainable
	})
}
