// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Sampler generates images from a PixelCNN one subpixel at a time, in
// raster-then-channel order. It owns an explicit random number generator state,
// so two samplers created with the same seed over the same model produce
// bit-identical images.
//
// Each step runs the forward pass on the image cropped to the rows up to and
// including the current one. Later rows cannot influence the current position's
// distribution, so the cropping only saves compute. The step graph is compiled
// once per distinct prefix height (the position is a graph input, not a
// constant), giving O(height) compilations and O(height×width×channels) forward
// executions per image grid, an intentional cost of exact sequential sampling.
type Sampler struct {
	ctx      *context.Context
	step     *context.Exec
	rngState *tensors.Tensor
}

// NewSampler creates a Sampler over the model variables held by ctx, seeding
// its random state with seed.
func NewSampler(backend backends.Backend, ctx *context.Context, seed int64) *Sampler {
	rngState, err := RNGStateFromSeed(seed)
	if err != nil {
		exceptions.Panicf("failed to create random state from seed %d: %v", seed, err)
	}
	s := &Sampler{ctx: ctx, rngState: rngState}
	s.step = context.MustNewExec(backend, ctx, s.stepGraph)
	s.step.SetMaxCache(-1) // No limit: the prefix height varies from row to row.
	return s
}

// stepGraph draws one value per batch element for the cell at (channel, row,
// col) of the row-prefix image. It returns the advanced random state, the drawn
// values shaped [batch] and a healthiness flag that is false when the logits at
// the cell are degenerate (non-finite), in which case the draw is meaningless
// and the caller must fail.
func (s *Sampler) stepGraph(ctx *context.Context, prefix, channel, row, col, rngState *Node) []*Node {
	g := prefix.Graph()
	logits := ForwardGraph(ctx, prefix)
	dims := logits.Shape().Dimensions
	zero := Const(g, int32(0))
	cell := DynamicSlice(logits,
		[]*Node{zero, zero, channel, row, col},
		[]int{dims[0], dims[1], 1, 1, 1})
	cell = Reshape(cell, dims[0], dims[1])
	healthy := LogicalAll(IsFinite(cell))

	// Gumbel-argmax draw, equivalent to softmax followed by a categorical draw.
	newState, uniform := RandomUniform(rngState, shapes.Make(cell.DType(), dims[0], dims[1]))
	uniform = Max(uniform, Scalar(g, cell.DType(), 1e-10))
	gumbel := Neg(Log(Neg(Log(uniform))))
	choice := ArgMax(Add(cell, gumbel), -1, dtypes.Int32)
	return []*Node{newState, choice, healthy}
}

// Sample generates a batch of images shaped [batchSize, channels, height,
// width] with values in [0, 255], dtype Int32.
//
// seedImage is optional: when given it must be an Int32 tensor of the target
// shape whose values are either in [0, 255] (pre-filled cells, preserved in the
// output) or UnfilledPixel. A nil seedImage means fully unfilled. Cells are
// filled in raster-then-channel order; pre-filled cells are kept per batch
// element, so seed images may differ in fill pattern across the batch. A
// position is skipped entirely only when every element already has it filled.
func (s *Sampler) Sample(batchSize, channels, height, width int, seedImage *tensors.Tensor) *tensors.Tensor {
	flat := make([]int32, batchSize*channels*height*width)
	if seedImage == nil {
		for i := range flat {
			flat[i] = UnfilledPixel
		}
	} else {
		wantShape := shapes.Make(dtypes.Int32, batchSize, channels, height, width)
		if !seedImage.Shape().Equal(wantShape) {
			exceptions.Panicf("Sample: shape mismatch, seed image is %s, want %s", seedImage.Shape(), wantShape)
		}
		validatePixels(seedImage, true)
		err := tensors.ConstFlatData(seedImage, func(seed []int32) {
			copy(flat, seed)
		})
		if err != nil {
			exceptions.Panicf("failed to read seed image: %v", err)
		}
	}

	cellIdx := func(b, c, h, w int) int {
		return ((b*channels+c)*height+h)*width + w
	}
	for h := 0; h < height; h++ {
		for w := 0; w < width; w++ {
			for c := 0; c < channels; c++ {
				filledForAll := true
				for b := 0; b < batchSize; b++ {
					if flat[cellIdx(b, c, h, w)] == UnfilledPixel {
						filledForAll = false
						break
					}
				}
				if filledForAll {
					continue
				}

				prefix := rowPrefix(flat, batchSize, channels, height, width, h+1)
				results := s.step.MustExec(prefix, int32(c), int32(h), int32(w), s.rngState)
				s.rngState = results[0]
				if !tensors.ToScalar[bool](results[2]) {
					exceptions.Panicf("sampling failed: degenerate (non-finite) distribution at channel=%d, row=%d, col=%d", c, h, w)
				}
				err := tensors.ConstFlatData(results[1], func(draws []int32) {
					for b := 0; b < batchSize; b++ {
						if flat[cellIdx(b, c, h, w)] == UnfilledPixel {
							flat[cellIdx(b, c, h, w)] = draws[b]
						}
					}
				})
				if err != nil {
					exceptions.Panicf("failed to read sampled values: %v", err)
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, channels, height, width)
}

// rowPrefix copies the first numRows rows of every (batch, channel) plane into
// a fresh [batchSize, channels, numRows, width] tensor. Rows are contiguous
// within a plane, so each plane is one copy.
func rowPrefix(flat []int32, batchSize, channels, height, width, numRows int) *tensors.Tensor {
	prefix := make([]int32, batchSize*channels*numRows*width)
	planeSize := numRows * width
	for plane := 0; plane < batchSize*channels; plane++ {
		src := flat[plane*height*width:]
		copy(prefix[plane*planeSize:(plane+1)*planeSize], src[:planeSize])
	}
	return tensors.FromFlatDataAndDimensions(prefix, batchSize, channels, numRows, width)
}
