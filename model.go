// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// IntensityLevels is the number of discrete values a subpixel can take. Each
// subpixel gets one categorical distribution over this many classes.
const IntensityLevels = 256

// UnfilledPixel is the sentinel marking a not-yet-sampled cell in a seed image.
const UnfilledPixel = -1

// baseDilations is cycled through to give each gated block its dilation, so
// deeper models repeat the same receptive-field growth pattern.
var baseDilations = []int{1, 2, 1, 4, 1, 2, 1}

// dilationSchedule returns the dilation for each of numBlocks gated blocks.
func dilationSchedule(numBlocks int) []int {
	schedule := make([]int, numBlocks)
	for i := range schedule {
		schedule[i] = baseDilations[i%len(baseDilations)]
	}
	return schedule
}

// modelDType reads the model dtype from the context hyperparameters.
func modelDType(ctx *context.Context) dtypes.DType {
	dtypeStr := context.GetParamOr(ctx, "dtype", "float32")
	dtype, err := dtypes.DTypeString(dtypeStr)
	if err != nil {
		exceptions.Panicf("invalid hyperparameter dtype=%q: %v", dtypeStr, err)
	}
	return dtype
}

// elu is the exponential linear unit: x if x >= 0, e^x - 1 otherwise.
func elu(x *Node) *Node {
	return Where(GreaterOrEqual(x, ScalarZero(x.Graph(), x.DType())), x, Expm1(x))
}

// ForwardGraph builds the PixelCNN forward graph: it takes an integer-valued
// image shaped [batch, channels, height, width] with intensities in [0, 255]
// (the UnfilledPixel sentinel is tolerated, its cells just contribute garbage
// the masks keep away from earlier positions) and returns the logits shaped
// [batch, IntensityLevels, channels, height, width].
//
// The logits at cell (channel, row, col) are a pure function of the pixels
// strictly preceding it in raster-then-channel order. This is enforced only by
// the kernel masks: the initial stack pair masks the center pixel, every gated
// block after it does not.
//
// Hyperparameters read from ctx: "hidden" (feature channels per stack),
// "kernel_size", "num_gated_blocks" and "dtype".
func ForwardGraph(ctx *context.Context, image *Node) *Node {
	if image.Rank() != 4 {
		exceptions.Panicf("ForwardGraph: image must be shaped [batch, channels, height, width], got %s", image.Shape())
	}
	dims := image.Shape().Dimensions
	batchSize, numChannels := dims[0], dims[1]
	dtype := modelDType(ctx)
	hidden := context.GetParamOr(ctx, ParamHiddenWidth, 64)
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)
	numBlocks := context.GetParamOr(ctx, ParamNumGatedBlocks, 7)
	ctx = ctx.In("pixelcnn").WithInitializer(initializers.XavierNormalFn(ctx))

	// Rescale from [0, 255] to [-1, 1].
	x := ConvertDType(image, dtype)
	x = AddScalar(MulScalar(x, 2.0/255.0), -1.0)

	// The initial pair masks the center so position (c,h,w) never sees itself.
	v := VerticalStack(ctx.In("input_vertical"), x, kernelSize, hidden, 1, true)
	h := HorizontalStack(ctx.In("input_horizontal"), x, kernelSize, hidden, 1, true)
	for i, dilation := range dilationSchedule(numBlocks) {
		blockCtx := ctx.In(fmt.Sprintf("%03d_gated_block", i))
		v, h = GatedBlock(blockCtx, v, h, kernelSize, dilation)
	}

	out := elu(h)
	out = layers.Convolution(ctx.In("output"), out).
		CurrentScope().
		Channels(numChannels * IntensityLevels).
		KernelSize(1).
		ChannelsAxis(images.ChannelsFirst).
		Done()
	// The channels axis splits row-major into (intensity class, image channel).
	return Reshape(out, batchSize, IntensityLevels, numChannels, dims[2], dims[3])
}

// PixelModel wraps a context holding (or about to hold) the model variables and
// exposes the forward and likelihood computations over concrete tensors.
// Sampling is provided separately by Sampler, which owns the random state.
type PixelModel struct {
	backend        backends.Backend
	ctx            *context.Context
	forwardExec    *context.Exec
	likelihoodExec *context.Exec
}

// New creates a PixelModel on the given context. Variables are created (or
// reused, if the context was loaded from a checkpoint) on the first execution.
func New(backend backends.Backend, ctx *context.Context) *PixelModel {
	return &PixelModel{
		backend: backend,
		ctx:     ctx,
		forwardExec: context.MustNewExec(backend, ctx, func(ctx *context.Context, image *Node) *Node {
			return ForwardGraph(ctx, image)
		}),
		likelihoodExec: context.MustNewExec(backend, ctx, func(ctx *context.Context, image *Node) *Node {
			return LikelihoodGraph(ctx, image)
		}),
	}
}

// Context returns the context holding the model variables.
func (m *PixelModel) Context() *context.Context { return m.ctx }

// Forward runs the model on an integer image batch shaped
// [batch, channels, height, width] with values in [0, 255] and returns the
// logits shaped [batch, IntensityLevels, channels, height, width].
func (m *PixelModel) Forward(image *tensors.Tensor) *tensors.Tensor {
	validatePixels(image, false)
	return m.forwardExec.MustExec(image)[0]
}

// Likelihood evaluates the model on an integer image batch and returns the
// batch mean bits-per-dimension, a non-negative scalar.
func (m *PixelModel) Likelihood(image *tensors.Tensor) float64 {
	validatePixels(image, false)
	result := m.likelihoodExec.MustExec(image)[0]
	return shapes.ConvertTo[float64](result.Value())
}

// validatePixels fails immediately on images that are not rank-4 or hold
// intensities outside [0, 255]. When allowUnfilled is set the UnfilledPixel
// sentinel is also accepted, for seed images given to sampling.
func validatePixels(image *tensors.Tensor, allowUnfilled bool) {
	if image.Rank() != 4 {
		exceptions.Panicf("image must be shaped [batch, channels, height, width], got %s", image.Shape())
	}
	switch image.DType() {
	case dtypes.Uint8:
		// Always within [0, 255], and cannot hold the unfilled sentinel.
	case dtypes.Int32:
		err := tensors.ConstFlatData(image, func(flat []int32) {
			for _, value := range flat {
				if value >= 0 && value < IntensityLevels {
					continue
				}
				if allowUnfilled && value == UnfilledPixel {
					continue
				}
				exceptions.Panicf("invalid pixel value %d: intensities must be in [0, %d]", value, IntensityLevels-1)
			}
		})
		if err != nil {
			exceptions.Panicf("failed to read image data: %v", err)
		}
	default:
		exceptions.Panicf("image dtype must be Uint8 or Int32, got %s", image.DType())
	}
}
