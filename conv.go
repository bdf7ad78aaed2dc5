// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// MaskedConvBuilder is a helper to build a masked convolution. Create it with
// MaskedConvolution, set the desired parameters, and when all is set, call Done.
type MaskedConvBuilder struct {
	ctx            *context.Context
	x              *Node
	mask           *tensors.Tensor
	outputChannels int
	kernelSize     []int
	dilation       int
	bias           bool
	newScope       bool
}

// MaskedConvolution prepares a 2D convolution on x whose kernel weights are
// multiplied element-wise by mask before every application.
//
// x must be shaped [batch, channels, height, width] (channels-first) and mask
// must be a 2D grid matching the kernel's spatial extent, see VerticalMask and
// HorizontalMask.
//
// The stored weights are never overwritten by the mask: the effective kernel
// `weights * mask` is recomputed at every application, so the masking stays
// correct across optimizer updates of the weights. The mask itself is kept in a
// non-trainable variable: it is serialized with the model state but never
// receives gradients.
//
// It returns a MaskedConvBuilder for configuration. Channels and
// KernelSizePerAxis must be set; then call Done and it will return the convolved
// x with the spatial dimensions preserved (stride 1, zero-padding of
// dilation*(kernelSize-1)/2 per spatial axis).
func MaskedConvolution(ctx *context.Context, x *Node, mask *tensors.Tensor) *MaskedConvBuilder {
	if x.Rank() != 4 {
		exceptions.Panicf("MaskedConvolution: input must be shaped [batch, channels, height, width], got rank %d (%s)",
			x.Rank(), x.Shape())
	}
	if mask.Rank() != 2 {
		exceptions.Panicf("MaskedConvolution: mask must be a 2D spatial grid, got shape %s", mask.Shape())
	}
	return &MaskedConvBuilder{
		ctx:      ctx,
		x:        x,
		mask:     mask,
		dilation: 1,
		bias:     true,
		newScope: true,
	}
}

// Channels sets the number of output channels.
// There is no default, and this number must be set before Done is called.
func (conv *MaskedConvBuilder) Channels(channels int) *MaskedConvBuilder {
	if channels <= 0 {
		exceptions.Panicf("MaskedConvolution: number of channels must be > 0, got %d", channels)
	}
	conv.outputChannels = channels
	return conv
}

// KernelSizePerAxis sets the kernel spatial dimensions (height, width).
// There is no default, and this value must be set before Done is called.
func (conv *MaskedConvBuilder) KernelSizePerAxis(height, width int) *MaskedConvBuilder {
	conv.kernelSize = []int{height, width}
	return conv
}

// Dilation sets the kernel dilation for both spatial axes. The default is 1.
// The zero-padding grows with the dilation so the output keeps the input's
// spatial dimensions.
func (conv *MaskedConvBuilder) Dilation(dilation int) *MaskedConvBuilder {
	if dilation < 1 {
		exceptions.Panicf("MaskedConvolution: dilation must be >= 1, got %d", dilation)
	}
	conv.dilation = dilation
	return conv
}

// UseBias sets whether to add a trainable bias term. Default is true.
func (conv *MaskedConvBuilder) UseBias(useBias bool) *MaskedConvBuilder {
	conv.bias = useBias
	return conv
}

// CurrentScope configures the convolution not to create a sub-scope for its
// variables, and instead use the one given in MaskedConvolution.
//
// By default, a sub-scope named "masked_conv" is created.
func (conv *MaskedConvBuilder) CurrentScope() *MaskedConvBuilder {
	conv.newScope = false
	return conv
}

// Done creates the convolution variables (weights, biases and the fixed mask)
// and returns the resulting Node.
func (conv *MaskedConvBuilder) Done() *Node {
	ctxInScope := conv.ctx
	if conv.newScope {
		ctxInScope = ctxInScope.In("masked_conv")
	}
	if len(conv.kernelSize) == 0 || conv.outputChannels <= 0 {
		exceptions.Panicf("MaskedConvolution requires Channels and KernelSizePerAxis to be set")
	}
	maskDims := conv.mask.Shape().Dimensions
	if maskDims[0] != conv.kernelSize[0] || maskDims[1] != conv.kernelSize[1] {
		exceptions.Panicf("MaskedConvolution: shape mismatch, mask dimensions %v differ from kernel dimensions %v",
			maskDims, conv.kernelSize)
	}

	g := conv.x.Graph()
	xShape := conv.x.Shape()
	dtype := xShape.DType
	inputChannels := xShape.Dimensions[1]
	kernelShape := shapes.Make(dtype, conv.outputChannels, inputChannels, conv.kernelSize[0], conv.kernelSize[1])
	weightsVar := ctxInScope.VariableWithShape("weights", kernelShape)
	maskVar := ctxInScope.VariableWithValue("mask", conv.mask).SetTrainable(false)

	weights := weightsVar.ValueGraph(g)
	mask := ConvertDType(maskVar.ValueGraph(g), dtype)
	// Effective kernel: the mask is reapplied here on every graph execution.
	effective := Mul(weights, Reshape(mask, 1, 1, conv.kernelSize[0], conv.kernelSize[1]))

	padH := conv.dilation * (conv.kernelSize[0] - 1) / 2
	padW := conv.dilation * (conv.kernelSize[1] - 1) / 2
	output := Convolve(conv.x, effective).
		ChannelsAxis(images.ChannelsFirst).
		PaddingPerDim([][2]int{{padH, padH}, {padW, padW}}).
		DilationPerAxis(conv.dilation, conv.dilation).
		Done()

	if conv.bias {
		biasVar := ctxInScope.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, conv.outputChannels))
		bias := Reshape(biasVar.ValueGraph(g), 1, conv.outputChannels, 1, 1)
		output = Add(output, bias)
	}
	return output
}

// VerticalStack applies a masked convolution whose receptive field covers the
// rows above the current pixel (and the current row when maskCenter is false).
// The kernel is square with the given size.
func VerticalStack(ctx *context.Context, x *Node, kernelSize, channels, dilation int, maskCenter bool) *Node {
	return MaskedConvolution(ctx.In("vertical"), x, VerticalMask(kernelSize, maskCenter)).
		CurrentScope().
		Channels(channels).
		KernelSizePerAxis(kernelSize, kernelSize).
		Dilation(dilation).
		Done()
}

// HorizontalStack applies a masked convolution whose receptive field covers the
// pixels to the left on the current row (and the current pixel when maskCenter
// is false). The kernel is 1×kernelSize.
func HorizontalStack(ctx *context.Context, x *Node, kernelSize, channels, dilation int, maskCenter bool) *Node {
	return MaskedConvolution(ctx.In("horizontal"), x, HorizontalMask(kernelSize, maskCenter)).
		CurrentScope().
		Channels(channels).
		KernelSizePerAxis(1, kernelSize).
		Dilation(dilation).
		Done()
}
