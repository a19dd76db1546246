// Package learner trains the network: it owns the model context (variables and hyperparameters),
// the compiled computation graphs to evaluate and train it, and its checkpoints.
package learner

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lc0go/internal/chunks"
	"github.com/janpfeifer/lc0go/internal/generics"
	"github.com/janpfeifer/lc0go/internal/network"
	"github.com/janpfeifer/lc0go/internal/optimizer"
	"github.com/janpfeifer/lc0go/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	paramKeep   = "keep"
	defaultKeep = 10
)

var (
	// backend is a singleton, the same for all learners.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// ErrHelpRequested is returned by New if the parameters asked for help.
	ErrHelpRequested = errors.New("model hyperparameters help requested")

	// ErrNonFiniteLoss is returned by TrainStep when the total loss is not finite for too many
	// consecutive steps.
	ErrNonFiniteLoss = errors.New("non-finite total loss")
)

// Learner holds a network and trains it one batch at a time.
type Learner struct {
	net *network.Network
	cfg Config

	optimizer optimizer.Optimizer
	gradients optimizer.GradientComputer

	// Executors.
	forwardExec, lossExec, trainStepExec *context.Exec

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// muLearning "write" for training and changing variables, and "read" for evaluating.
	muLearning sync.RWMutex

	// muSave makes saving sequential.
	muSave sync.Mutex

	// nonFiniteSteps is the number of consecutive steps with a non-finite total loss.
	nonFiniteSteps int

	// NumCompilations of computation graphs.
	NumCompilations int
}

// Losses of one batch.
type Losses struct {
	Policy, Value, MovesLeft, Total float32

	// Skipped is true if the parameters were not updated, because the gradients were not finite.
	Skipped bool

	// GradNorm is the global norm of the gradients, before clipping. Only set by TrainStep.
	GradNorm float32
}

// Predictions of the network for a batch, flat and aligned by position.
type Predictions struct {
	// Policy logits, shaped [batch, network.PolicySize].
	Policy []float32

	// Value logits for win/draw/loss, shaped [batch, network.WDLSize].
	Value []float32

	// MovesLeft shaped [batch].
	MovesLeft []float32
}

// New creates a Learner configured with params, a "key=value,..." configuration (see
// parameters.NewFromConfigString). Unknown keys are an error. If params has the key "help",
// the available hyperparameters are logged and ErrHelpRequested is returned.
//
// If checkpointDir is not empty, the model is saved there, and if it already has a checkpoint,
// the model (hyperparameters and variables) is loaded from it. Hyperparameters in params
// take precedence over those of the checkpoint.
func New(checkpointDir string, params parameters.Params) (*Learner, error) {
	ctx := context.New()
	ctx.SetParams(network.DefaultParams())
	ctx.SetParams(DefaultParams())

	// Help if requested.
	if _, found := params["help"]; found {
		writeHyperparametersHelp(ctx)
		return nil, ErrHelpRequested
	}

	keep, err := parameters.PopParamOr(params, paramKeep, defaultKeep)
	if err != nil {
		return nil, err
	}
	l := &Learner{}
	if checkpointDir != "" {
		l.checkpoint, err = checkpoints.Build(ctx).Dir(checkpointDir).Keep(keep).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = extractParams(params, ctx); err != nil {
		return nil, err
	}
	if err = parameters.AssertEmpty(params); err != nil {
		return nil, errors.WithMessage(err, "model configuration")
	}

	l.net, err = network.New(ctx)
	if err != nil {
		return nil, err
	}
	l.cfg, err = ConfigFromContext(ctx, l.net.Config().MixedPrecision)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid training configuration")
	}
	l.optimizer, err = optimizer.FromName(l.cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	if l.net.Config().MixedPrecision {
		l.gradients = optimizer.NewLossScaled(ctx)
	} else {
		l.gradients = optimizer.FullPrecision{}
	}
	_ = optimizer.LearningRateVar(ctx)

	err = exceptions.TryCatch[error](func() {
		l.createExecutors()
		l.initializeVariables()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build the model")
	}
	klog.V(1).Infof("Created %s", l)
	return l, nil
}

func (l *Learner) createExecutors() {
	ctx := l.net.Context().Checked(false)
	l.forwardExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs *graph.Node) []*graph.Node {
			l.NumCompilations++
			outputs := l.net.ForwardGraph(ctx, inputs, nil)
			return []*graph.Node{outputs.Policy, outputs.Value, outputs.MovesLeft}
		})
	l.forwardExec.SetMaxCache(100)
	l.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndTargets []*graph.Node) []*graph.Node {
			l.NumCompilations++
			outputs := l.net.ForwardGraph(ctx, inputsAndTargets[0], nil)
			losses := l.net.LossGraph(outputs, targetsFromNodes(inputsAndTargets))
			return []*graph.Node{losses.Policy, losses.Value, losses.MovesLeft, losses.Total}
		})
	l.lossExec.SetMaxCache(100)
	l.trainStepExec = l.newTrainStepExec()
}

// newTrainStepExec compiles the training step: forward, losses, gradients and the gated updates.
func (l *Learner) newTrainStepExec() *context.Exec {
	ctx := l.net.Context().Checked(false)
	exec := context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndTargets []*graph.Node) []*graph.Node {
			l.NumCompilations++
			g := inputsAndTargets[0].Graph()
			ctx.SetTraining(g, true)
			updates := &network.Updates{}
			outputs := l.net.ForwardGraph(ctx, inputsAndTargets[0], updates)
			losses := l.net.LossGraph(outputs, targetsFromNodes(inputsAndTargets))

			vars := network.TrainableVariables(ctx)
			grads, accept := l.gradients.Gradients(ctx, losses.Total, vars)
			grads, gradNorm := optimizer.ClipByGlobalNorm(grads, l.cfg.MaxGradNorm)
			l.optimizer.UpdateGraph(ctx, vars, grads, accept)
			updates.Apply(accept)
			return []*graph.Node{losses.Policy, losses.Value, losses.MovesLeft, losses.Total,
				graph.LogicalNot(accept), gradNorm}
		})
	exec.SetMaxCache(100)
	return exec
}

// initializeVariables forces the creation (or loading from the checkpoint) of the model variables.
func (l *Learner) initializeVariables() {
	_ = l.forwardExec.Call(tensors.FromFlatDataAndDimensions(make([]float32, network.InputSize), 1, network.InputSize))
}

func targetsFromNodes(inputsAndTargets []*graph.Node) network.Targets {
	return network.Targets{
		Policy:    inputsAndTargets[1],
		WDL:       inputsAndTargets[2],
		MovesLeft: inputsAndTargets[3],
	}
}

// batchTensors converts the batch to (donated) tensors: inputs and the 3 targets.
func batchTensors(batch *chunks.Batch) []any {
	t := []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(batch.Inputs, batch.Size, network.InputSize),
		tensors.FromFlatDataAndDimensions(batch.Policy, batch.Size, network.PolicySize),
		tensors.FromFlatDataAndDimensions(batch.WDL, batch.Size, network.WDLSize),
		tensors.FromFlatDataAndDimensions(batch.MovesLeft, batch.Size, 1),
	}
	return generics.SliceMap(t, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
}

func lossesFromTensors(results []*tensors.Tensor) Losses {
	l := Losses{
		Policy:    tensors.ToScalar[float32](results[0]),
		Value:     tensors.ToScalar[float32](results[1]),
		MovesLeft: tensors.ToScalar[float32](results[2]),
		Total:     tensors.ToScalar[float32](results[3]),
	}
	if len(results) > 4 {
		l.Skipped = tensors.ToScalar[bool](results[4])
		l.GradNorm = tensors.ToScalar[float32](results[5])
	}
	return l
}

// String implements fmt.Stringer.
func (l *Learner) String() string {
	if l == nil {
		return "<nil>[GoMLX]"
	}
	cfg := l.net.Config()
	name := fmt.Sprintf("lc0net(%dx%d,%s)[GoMLX/%s]", cfg.ResidualBlocks, cfg.Filters, cfg.ComputeDType(), backend().Name())
	if l.checkpoint == nil || l.checkpoint.Dir() == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, l.checkpoint.Dir())
}

// TrainStep runs one training step on the batch: the parameters are updated, unless the gradients
// are not finite (in mixed precision), in which case the step is skipped.
//
// It returns an error if the batch is malformed, or wrapping ErrNonFiniteLoss if the total loss is
// not finite for more than the configured number of consecutive steps.
func (l *Learner) TrainStep(batch *chunks.Batch) (losses Losses, err error) {
	if err = batch.Validate(); err != nil {
		return losses, errors.WithMessage(err, "malformed batch")
	}
	inputs := batchTensors(batch)
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	err = exceptions.TryCatch[error](func() {
		losses = lossesFromTensors(l.trainStepExec.Call(inputs...))
	})
	if err != nil {
		return losses, errors.WithMessage(err, "training step failed")
	}
	if losses.Skipped {
		klog.V(1).Infof("Training step skipped: non-finite gradients, loss scale reduced to %g",
			optimizer.LossScale(l.net.Context()))
	}
	if isFinite(losses.Total) {
		l.nonFiniteSteps = 0
		return losses, nil
	}
	l.nonFiniteSteps++
	if l.nonFiniteSteps > l.cfg.MaxNonFiniteSteps {
		return losses, errors.Wrapf(ErrNonFiniteLoss, "total loss is %g for %d consecutive steps", losses.Total, l.nonFiniteSteps)
	}
	klog.Warningf("Non-finite total loss (%g), %d consecutive step(s)", losses.Total, l.nonFiniteSteps)
	return losses, nil
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// Loss evaluates the losses of the batch, without changing the model.
func (l *Learner) Loss(batch *chunks.Batch) (losses Losses, err error) {
	if err = batch.Validate(); err != nil {
		return losses, errors.WithMessage(err, "malformed batch")
	}
	inputs := batchTensors(batch)
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		losses = lossesFromTensors(l.lossExec.Call(inputs...))
	})
	return losses, err
}

// Forward evaluates the network on batchSize positions, whose inputs are given flat, shaped
// [batchSize, network.InputSize].
func (l *Learner) Forward(batchSize int, inputs []float32) (predictions Predictions, err error) {
	if batchSize <= 0 || len(inputs) != batchSize*network.InputSize {
		return predictions, errors.Errorf("Forward(): got %d input values for %d positions, expected %d",
			len(inputs), batchSize, batchSize*network.InputSize)
	}
	inputsT := tensors.FromFlatDataAndDimensions(inputs, batchSize, network.InputSize)
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		results := l.forwardExec.Call(graph.DonateTensorBuffer(inputsT, backend()))
		predictions.Policy = tensors.CopyFlatData[float32](results[0])
		predictions.Value = tensors.CopyFlatData[float32](results[1])
		predictions.MovesLeft = tensors.CopyFlatData[float32](results[2])
	})
	return predictions, err
}

// Parameters returns the variables of the model (trainable weights and normalization statistics),
// sorted by scope and name.
func (l *Learner) Parameters() []*context.Variable {
	return network.Variables(l.net.Context())
}

// Snapshot returns a copy of the values of the model parameters, indexed by their scope and name.
func (l *Learner) Snapshot() map[string][]float32 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	snapshot := make(map[string][]float32)
	for _, v := range l.Parameters() {
		snapshot[v.ScopeAndName()] = tensors.CopyFlatData[float32](v.Value())
	}
	return snapshot
}

// Restore the model parameters from a Snapshot. The snapshot must have exactly the parameters of the model.
func (l *Learner) Restore(snapshot map[string][]float32) error {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	vars := l.Parameters()
	names := generics.SliceMap(vars, func(v *context.Variable) string { return v.ScopeAndName() })
	unknown := generics.SetWith(slices.Collect(maps.Keys(snapshot))...).Sub(generics.SetWith(names...))
	if len(unknown) > 0 {
		return errors.Errorf("snapshot has unknown parameters %q", generics.Sorted(unknown))
	}
	for _, v := range vars {
		values, found := snapshot[v.ScopeAndName()]
		if !found {
			return errors.Errorf("parameter %q missing from snapshot", v.ScopeAndName())
		}
		if len(values) != v.Shape().Size() {
			return errors.Errorf("parameter %q has %d values in snapshot, expected %d (shape %s)",
				v.ScopeAndName(), len(values), v.Shape().Size(), v.Shape())
		}
	}
	for _, v := range vars {
		v.SetValue(tensors.FromFlatDataAndDimensions(slices.Clone(snapshot[v.ScopeAndName()]), v.Shape().Dimensions...))
	}
	return nil
}

// ClearOptimizer variables and the global step.
// The training step is recompiled, since the graphs compiled so far use the deleted variables.
func (l *Learner) ClearOptimizer() {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	l.optimizer.Clear(l.net.Context())
	l.trainStepExec.Finalize()
	l.trainStepExec = l.newTrainStepExec()
}

// SetLearningRate used by the following training steps.
func (l *Learner) SetLearningRate(lr float64) {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	optimizer.SetLearningRate(l.net.Context(), lr)
}

// LearningRate currently in use.
func (l *Learner) LearningRate() float64 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return optimizer.LearningRate(l.net.Context())
}

// LossScale currently in use, or 0 if not in mixed precision.
func (l *Learner) LossScale() float64 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return optimizer.LossScale(l.net.Context())
}

// SetLossScale overwrites the current loss scale. It's a no-op if not in mixed precision.
func (l *Learner) SetLossScale(scale float64) {
	lossScaled, ok := l.gradients.(*optimizer.LossScaled)
	if !ok {
		return
	}
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	lossScaled.LossScaleVar(l.net.Context()).SetValue(tensors.FromScalar(float32(scale)))
}

// GlobalStep is the number of (not skipped) training steps so far.
func (l *Learner) GlobalStep() int64 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return tensors.ToScalar[int64](optimizers.GetGlobalStepVar(l.net.Context()).Value())
}

// BatchSize returns the configured batch size.
func (l *Learner) BatchSize() int {
	return l.cfg.BatchSize
}

// Config returns the training configuration.
func (l *Learner) Config() Config {
	return l.cfg
}

// NetworkConfig returns the configuration of the network.
func (l *Learner) NetworkConfig() network.Config {
	return l.net.Config()
}

// CheckpointDir returns the directory where the model is saved, or "" if it isn't.
func (l *Learner) CheckpointDir() string {
	if l.checkpoint == nil {
		return ""
	}
	return l.checkpoint.Dir()
}

// Save the model (hyperparameters, parameters and optimizer state) to a new checkpoint.
func (l *Learner) Save() error {
	if l.checkpoint == nil {
		klog.Warningf("%s is not associated to a checkpoint directory, not saving", l)
		return nil
	}
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	l.muSave.Lock()
	defer l.muSave.Unlock()
	return l.checkpoint.Save()
}

// Finalize frees the resources of the learner, leaving it in an invalid state.
func (l *Learner) Finalize() {
	l.forwardExec.Finalize()
	l.lossExec.Finalize()
	l.trainStepExec.Finalize()
	l.net.Context().Finalize()
}
