// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"math"
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// testContext returns a context with a small model, to keep tests fast.
func testContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamHiddenWidth:    8,
		ParamNumGatedBlocks: 2,
	})
	return ctx
}

func TestForwardLogitsShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(backend, testContext())
	logits := model.Forward(tensors.FromScalarAndDimensions(int32(0), 2, 1, 8, 8))
	require.Equal(t, []int{2, IntensityLevels, 1, 8, 8}, logits.Shape().Dimensions)
}

func TestForwardRejectsInvalidPixels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(backend, testContext())
	require.Panics(t, func() {
		model.Forward(tensors.FromScalarAndDimensions(int32(300), 1, 1, 4, 4))
	})
	require.Panics(t, func() {
		model.Forward(tensors.FromScalarAndDimensions(int32(-1), 1, 1, 4, 4))
	})
	require.Panics(t, func() {
		// Rank 3, missing the channels axis.
		model.Forward(tensors.FromScalarAndDimensions(int32(0), 1, 4, 4))
	})
}

func TestCausality(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, image *Node) *Node {
		return ForwardGraph(ctx, image)
	})

	const height, width = 6, 6
	rng := rand.New(rand.NewSource(17))
	base := make([]int32, height*width)
	for i := range base {
		base[i] = int32(rng.Intn(IntensityLevels))
	}
	// Perturb the pixel at (row=3, col=3): logits at that position and at every
	// earlier position in raster order must not change.
	const pRow, pCol = 3, 3
	perturbed := make([]int32, len(base))
	copy(perturbed, base)
	perturbed[pRow*width+pCol] = (base[pRow*width+pCol] + 100) % IntensityLevels

	logitsA := exec.MustExec(tensors.FromFlatDataAndDimensions(base, 1, 1, height, width))[0]
	logitsB := exec.MustExec(tensors.FromFlatDataAndDimensions(perturbed, 1, 1, height, width))[0]

	var flatA, flatB []float32
	require.NoError(t, tensors.ConstFlatData(logitsA, func(flat []float32) {
		flatA = append(flatA, flat...)
	}))
	require.NoError(t, tensors.ConstFlatData(logitsB, func(flat []float32) {
		flatB = append(flatB, flat...)
	}))

	// Logits are shaped [1, IntensityLevels, 1, height, width].
	logitAt := func(flat []float32, class, row, col int) float32 {
		return flat[(class*height+row)*width+col]
	}
	laterDiffers := false
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			causal := row < pRow || (row == pRow && col <= pCol)
			for class := 0; class < IntensityLevels; class++ {
				a := logitAt(flatA, class, row, col)
				b := logitAt(flatB, class, row, col)
				if causal {
					require.Equalf(t, a, b,
						"logits at (row=%d, col=%d) changed after perturbing the later pixel (row=%d, col=%d)",
						row, col, pRow, pCol)
				} else if a != b {
					laterDiffers = true
				}
			}
		}
	}
	// Sanity check that the perturbation was seen at all.
	require.True(t, laterDiffers, "perturbing (row=%d, col=%d) changed no later logits", pRow, pCol)
}

func TestLikelihoodOnZeroBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(backend, testContext())
	bpd := model.Likelihood(tensors.FromScalarAndDimensions(int32(0), 2, 1, 8, 8))
	require.Falsef(t, math.IsNaN(bpd) || math.IsInf(bpd, 0), "bits-per-dimension is not finite: %v", bpd)
	require.Greater(t, bpd, 0.0)
}
