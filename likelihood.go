// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// LikelihoodGraph builds the graph computing the model's bits-per-dimension on
// an integer image batch shaped [batch, channels, height, width]: the
// cross-entropy of each subpixel under its predicted categorical distribution,
// averaged per image over (channels, height, width), converted from nats to
// bits, and averaged over the batch. The result is a non-negative scalar.
func LikelihoodGraph(ctx *context.Context, image *Node) *Node {
	logits := ForwardGraph(ctx, image)
	return BitsPerDimension(logits, image)
}

// BitsPerDimension reduces logits shaped [batch, IntensityLevels, channels,
// height, width] against the integer targets shaped [batch, channels, height,
// width] into the batch mean bits-per-dimension scalar.
func BitsPerDimension(logits, targets *Node) *Node {
	// Move the class axis last: [batch, channels, height, width, IntensityLevels].
	classLast := TransposeAllDims(logits, 0, 2, 3, 4, 1)
	logProbs := LogSoftmax(classLast)
	oneHot := OneHot(ConvertDType(targets, dtypes.Int32), IntensityLevels, logProbs.DType())
	nll := Neg(ReduceSum(Mul(logProbs, oneHot), -1))
	perImage := ReduceMean(nll, 1, 2, 3)
	return ReduceAllMean(MulScalar(perImage, math.Log2E))
}
