package network

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// All blocks below work on channels-last feature maps, shaped [batch, 8, 8, channels], in the
// compute dtype of the network. Their variables are float32, converted to the dtype of the input
// when used.

// ConvBlock applies a bias-free "same" convolution with the given number of filters and square
// kernel, followed by a normalization and, if relu is set, a ReLU.
//
// If scale is false, the normalization scale is fixed to 1.
func ConvBlock(ctx *context.Context, x *Node, filters, kernelSize int, scale, relu bool, updates *Updates) *Node {
	g := x.Graph()
	inputChannels := lastDim(x)
	kernelVar := ctx.In("conv").VariableWithShape("weights",
		shapes.Make(dtypes.Float32, kernelSize, kernelSize, inputChannels, filters))
	kernel := castTo(kernelVar.ValueGraph(g), x.DType())
	output := Convolve(x, kernel).PadSame().Done()
	output = normalize(ctx.In("norm"), output, scale, updates)
	if relu {
		output = activations.Relu(output)
	}
	return output
}

// SqueezeExcite gates each channel of x with a value in [0, 1], computed from the global average of
// all channels through a bottleneck of channels/ratio units.
func SqueezeExcite(ctx *context.Context, x *Node, ratio int) *Node {
	channels := lastDim(x)
	batchSize := x.Shape().Dimensions[0]
	pooled := ReduceMean(x, 1, 2) // [batch, channels]
	hidden := activations.Relu(Dense(ctx.In("squeeze"), pooled, channels/ratio))
	gate := Sigmoid(Dense(ctx.In("excite"), hidden, channels))
	gate = BroadcastToDims(Reshape(gate, batchSize, 1, 1, channels), x.Shape().Dimensions...)
	return Mul(x, gate)
}

// ResidualBlock applies two 3x3 ConvBlock (the second without the ReLU), with an optional
// SqueezeExcite gate between them, adds the input back and applies the final ReLU.
//
// Input and output shapes are the same. seRatio = 0 disables the squeeze-excite gate.
func ResidualBlock(ctx *context.Context, x *Node, seRatio int, constrainNorms bool, updates *Updates) *Node {
	channels := lastDim(x)
	output := ConvBlock(ctx.In("conv_0"), x, channels, 3, !constrainNorms, true, updates)
	if seRatio > 0 {
		output = SqueezeExcite(ctx.In("se"), output, seRatio)
	}
	output = ConvBlock(ctx.In("conv_1"), output, channels, 3, !constrainNorms, false, updates)
	return activations.Relu(Add(output, x))
}

// Dense is a fully connected layer (with bias) of x, shaped [batch, inputDim], to [batch, outputDim].
func Dense(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	inputDim := lastDim(x)
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtypes.Float32, inputDim, outputDim))
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtypes.Float32, outputDim))
	output := Einsum("bi,io->bo", x, castTo(weightsVar.ValueGraph(g), x.DType()))
	return Add(output, broadcastChannels(castTo(biasesVar.ValueGraph(g), x.DType()), output))
}
