// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// VerticalMask returns the binary spatial mask for a vertical-stack convolution
// with a square kernel of the given size: every row strictly below the center is
// zeroed, and the center row itself is also zeroed when maskCenter is set.
//
// The mask is a kernelSize×kernelSize Float32 tensor. It is converted to the
// kernel dtype at graph building time, so a single mask value serves any model
// dtype. The returned tensor must be treated as immutable: it is shared by every
// application of the convolution that owns it.
func VerticalMask(kernelSize int, maskCenter bool) *tensors.Tensor {
	center := kernelSize / 2
	flat := make([]float32, kernelSize*kernelSize)
	for row := 0; row < kernelSize; row++ {
		if row > center || (row == center && maskCenter) {
			continue
		}
		for col := 0; col < kernelSize; col++ {
			flat[row*kernelSize+col] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, kernelSize, kernelSize)
}

// HorizontalMask returns the binary spatial mask for a horizontal-stack
// convolution: a 1×kernelSize grid where every column strictly right of the
// center is zeroed, and the center column itself is also zeroed when maskCenter
// is set.
//
// See VerticalMask for dtype and immutability notes.
func HorizontalMask(kernelSize int, maskCenter bool) *tensors.Tensor {
	center := kernelSize / 2
	flat := make([]float32, kernelSize)
	for col := 0; col < kernelSize; col++ {
		if col < center || (col == center && !maskCenter) {
			flat[col] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, 1, kernelSize)
}
