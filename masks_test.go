// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func countZeros(t *testing.T, mask *tensors.Tensor) int {
	zeros := 0
	require.NoError(t, tensors.ConstFlatData(mask, func(flat []float32) {
		for _, v := range flat {
			switch v {
			case 0:
				zeros++
			case 1:
				// Masks are strictly binary.
			default:
				t.Fatalf("mask value %v is neither 0 nor 1", v)
			}
		}
	}))
	return zeros
}

func TestMaskZeroCounts(t *testing.T) {
	for _, k := range []int{3, 5, 7} {
		t.Run(fmt.Sprintf("kernel_size=%d", k), func(t *testing.T) {
			vMasked := VerticalMask(k, true)
			require.Equal(t, []int{k, k}, vMasked.Shape().Dimensions)
			require.Equal(t, (k/2+1)*k, countZeros(t, vMasked))

			vOpen := VerticalMask(k, false)
			require.Equal(t, (k/2)*k, countZeros(t, vOpen))

			hMasked := HorizontalMask(k, true)
			require.Equal(t, []int{1, k}, hMasked.Shape().Dimensions)
			require.Equal(t, k/2+1, countZeros(t, hMasked))

			hOpen := HorizontalMask(k, false)
			require.Equal(t, k/2, countZeros(t, hOpen))
		})
	}
}

func TestMaskZeroPattern(t *testing.T) {
	// For k=3 the vertical mask (center not masked) keeps rows 0 and 1, and the
	// horizontal mask (center masked) keeps only the column left of center.
	require.NoError(t, tensors.ConstFlatData(VerticalMask(3, false), func(flat []float32) {
		require.Equal(t, []float32{1, 1, 1, 1, 1, 1, 0, 0, 0}, flat)
	}))
	require.NoError(t, tensors.ConstFlatData(HorizontalMask(3, true), func(flat []float32) {
		require.Equal(t, []float32{1, 0, 0}, flat)
	}))
}
