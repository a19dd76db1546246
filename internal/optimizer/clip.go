package optimizer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// sumOfSquares of all the gradients, in float32.
func sumOfSquares(grads []*Node) *Node {
	var total *Node
	for _, grad := range grads {
		s := ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32)))
		if total == nil {
			total = s
		} else {
			total = Add(total, s)
		}
	}
	return total
}

// GlobalNorm returns the L2 norm of all the gradients combined, as a float32 scalar.
func GlobalNorm(grads []*Node) *Node {
	return Sqrt(sumOfSquares(grads))
}

// AllFinite returns a boolean scalar that is true if all the gradients are finite.
func AllFinite(grads []*Node) *Node {
	return IsFinite(sumOfSquares(grads))
}

// ClipByGlobalNorm scales all gradients uniformly so that their global norm is at most maxNorm.
// It returns the clipped gradients and the global norm before clipping.
//
// If maxNorm <= 0 the gradients are returned unchanged.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) (clipped []*Node, norm *Node) {
	norm = GlobalNorm(grads)
	if maxNorm <= 0 {
		return grads, norm
	}
	g := norm.Graph()
	maxNormNode := Scalar(g, dtypes.Float32, maxNorm)
	factor := Div(maxNormNode, Max(norm, maxNormNode))
	clipped = make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(factor, grad.DType()))
	}
	return clipped, norm
}
