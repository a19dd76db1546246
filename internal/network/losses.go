package network

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// movesLeftScale brings the moves-left values (in plies) to a range similar to the other losses.
	movesLeftScale = 20.0

	// movesLeftHuberDelta is the Huber delta, in plies.
	movesLeftHuberDelta = 10.0
)

// meanIfNotScalar reduces per-example losses to their mean over the batch.
func meanIfNotScalar(loss *Node) *Node {
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

// PolicyLoss is the cross-entropy between the target move distribution and the policy logits, both
// shaped [batch, PolicySize]. The target doesn't need to be one-hot: any probability distribution
// works (e.g. visit counts).
func PolicyLoss(target, logits *Node) *Node {
	return softCrossEntropy(target, logits)
}

// ValueLoss is the cross-entropy between the target win/draw/loss distribution and the value logits,
// both shaped [batch, WDLSize].
func ValueLoss(target, logits *Node) *Node {
	return softCrossEntropy(target, logits)
}

func softCrossEntropy(target, logits *Node) *Node {
	target = StopGradient(castTo(target, dtypes.Float32))
	logits = castTo(logits, dtypes.Float32)
	return meanIfNotScalar(losses.CategoricalCrossEntropyLogits([]*Node{target}, []*Node{logits}))
}

// MovesLeftLoss is the regression loss of the moves-left output against its target, both
// shaped [batch, 1]. Values are scaled down by 20 plies before comparison.
//
// lossType is one of MovesLeftLossHuber (delta of 10 plies), MovesLeftLossMAE or MovesLeftLossMSE.
func MovesLeftLoss(lossType string, target, output *Node) *Node {
	target = DivScalar(StopGradient(castTo(target, dtypes.Float32)), movesLeftScale)
	output = DivScalar(castTo(output, dtypes.Float32), movesLeftScale)
	if target.Rank() != output.Rank() {
		target = Reshape(target, output.Shape().Dimensions...)
	}
	var loss *Node
	switch lossType {
	case MovesLeftLossMAE:
		loss = losses.MeanAbsoluteError([]*Node{target}, []*Node{output})
	case MovesLeftLossMSE:
		loss = losses.MeanSquaredError([]*Node{target}, []*Node{output})
	default:
		loss = huber(target, output, movesLeftHuberDelta/movesLeftScale)
	}
	return meanIfNotScalar(loss)
}

// huber loss: quadratic for errors up to delta, linear after that.
func huber(labels, predictions *Node, delta float64) *Node {
	g := labels.Graph()
	absErr := Abs(Sub(predictions, labels))
	quadratic := Min(absErr, Scalar(g, absErr.DType(), delta))
	linear := Sub(absErr, quadratic)
	return Add(MulScalar(Square(quadratic), 0.5), MulScalar(linear, delta))
}

// TotalLoss combines the three losses with the weights of the configuration.
func TotalLoss(cfg Config, policyLoss, valueLoss, movesLeftLoss *Node) *Node {
	return Add(
		Add(MulScalar(policyLoss, cfg.PolicyLossWeight), MulScalar(valueLoss, cfg.ValueLossWeight)),
		MulScalar(movesLeftLoss, cfg.MovesLeftLossWeight))
}
