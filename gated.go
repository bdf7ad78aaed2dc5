// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// gatedActivation is the element-wise tanh(value)·sigmoid(gate) unit, with value
// and gate taken as the two halves of the channels axis.
func gatedActivation(x *Node) *Node {
	halves := Split(x, 1, 2)
	return Mul(Tanh(halves[0]), Sigmoid(halves[1]))
}

// GatedBlock applies one gated masked-convolution block to the (vertical,
// horizontal) feature map pair and returns the updated pair.
//
// The vertical stream goes through a vertical-stack convolution to 2C channels
// followed by the gated activation. The horizontal stream goes through a
// horizontal-stack convolution to 2C channels, receives a 1×1 projection of the
// pre-activation vertical features, is gated, projected back to C channels by
// another 1×1 convolution, and added to the incoming h as a residual.
//
// Information only flows from the vertical stream into the horizontal one,
// never the other way around: the vertical stream must stay blind to pixels on
// the current row.
func GatedBlock(ctx *context.Context, v, h *Node, kernelSize, dilation int) (vOut, hOut *Node) {
	if !v.Shape().Equal(h.Shape()) {
		exceptions.Panicf("GatedBlock: vertical and horizontal features must have the same shape, got %s and %s",
			v.Shape(), h.Shape())
	}
	channels := v.Shape().Dimensions[1]

	vFeatures := VerticalStack(ctx, v, kernelSize, 2*channels, dilation, false)
	vOut = gatedActivation(vFeatures)

	hFeatures := HorizontalStack(ctx, h, kernelSize, 2*channels, dilation, false)
	vToH := layers.Convolution(ctx.In("vertical_to_horizontal"), vFeatures).
		CurrentScope().
		Channels(2 * channels).
		KernelSize(1).
		ChannelsAxis(images.ChannelsFirst).
		Done()
	hGated := gatedActivation(Add(hFeatures, vToH))
	hProjected := layers.Convolution(ctx.In("horizontal_out"), hGated).
		CurrentScope().
		Channels(channels).
		KernelSize(1).
		ChannelsAxis(images.ChannelsFirst).
		Done()
	hOut = Add(h, hProjected)
	return
}
