// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// zeroedModelContext builds a small model and sets every trainable variable to
// zero, giving a uniform predicted distribution at every position.
func zeroedModelContext(t *testing.T, backend backends.Backend) *context.Context {
	ctx := testContext()
	model := New(backend, ctx)
	_ = model.Forward(tensors.FromScalarAndDimensions(int32(0), 1, 1, 4, 4))
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			v.MustSetValue(tensors.FromShape(v.Shape()))
		}
	})
	return ctx
}

func requireAllInRange(t *testing.T, image *tensors.Tensor) {
	require.NoError(t, tensors.ConstFlatData(image, func(flat []int32) {
		for i, v := range flat {
			require.Truef(t, v >= 0 && v < IntensityLevels, "pixel #%d out of range: %d", i, v)
		}
	}))
}

func TestSampleZeroModelReproducible(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := zeroedModelContext(t, backend)

	first := NewSampler(backend, ctx, 42).Sample(1, 1, 4, 4, nil)
	require.Equal(t, []int{1, 1, 4, 4}, first.Shape().Dimensions)
	requireAllInRange(t, first)

	// Same model, same seed: bit-for-bit the same image.
	second := NewSampler(backend, ctx, 42).Sample(1, 1, 4, 4, nil)
	require.Equal(t, first.Value(), second.Value())

	// A different seed should give a different draw somewhere.
	other := NewSampler(backend, ctx, 43).Sample(1, 1, 4, 4, nil)
	require.NotEqual(t, first.Value(), other.Value())
}

func TestSampleDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext() // Randomly initialized variables, shared by both samplers.
	first := NewSampler(backend, ctx, 7).Sample(2, 1, 5, 5, nil)
	second := NewSampler(backend, ctx, 7).Sample(2, 1, 5, 5, nil)
	require.Equal(t, first.Value(), second.Value())
	requireAllInRange(t, first)
}

func TestSamplePreservesSeedImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext()

	const height, width = 4, 4
	seed := make([]int32, height*width)
	for i := range seed {
		seed[i] = UnfilledPixel
	}
	seed[0] = 200         // (row=0, col=0)
	seed[1*width+2] = 17  // (row=1, col=2)
	seed[3*width+3] = 255 // (row=3, col=3)
	seedImage := tensors.FromFlatDataAndDimensions(seed, 1, 1, height, width)

	sampled := NewSampler(backend, ctx, 3).Sample(1, 1, height, width, seedImage)
	requireAllInRange(t, sampled)
	require.NoError(t, tensors.ConstFlatData(sampled, func(flat []int32) {
		require.Equal(t, int32(200), flat[0])
		require.Equal(t, int32(17), flat[1*width+2])
		require.Equal(t, int32(255), flat[3*width+3])
	}))
}

func TestSampleHeterogeneousSeedBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext()

	// Element 0 has (0,0) pre-filled, element 1 does not: the pre-filled cell
	// must survive while element 1 still gets a value drawn there.
	const height, width = 3, 3
	seed := make([]int32, 2*height*width)
	for i := range seed {
		seed[i] = UnfilledPixel
	}
	seed[0] = 7
	seedImage := tensors.FromFlatDataAndDimensions(seed, 2, 1, height, width)

	sampled := NewSampler(backend, ctx, 11).Sample(2, 1, height, width, seedImage)
	requireAllInRange(t, sampled)
	require.NoError(t, tensors.ConstFlatData(sampled, func(flat []int32) {
		require.Equal(t, int32(7), flat[0])
	}))
}

func TestSampleRejectsInvalidSeedImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext()
	sampler := NewSampler(backend, ctx, 1)
	require.Panics(t, func() {
		// Value outside the valid range and not the unfilled sentinel.
		sampler.Sample(1, 1, 2, 2, tensors.FromScalarAndDimensions(int32(300), 1, 1, 2, 2))
	})
	require.Panics(t, func() {
		// Seed image shape differs from the target shape.
		sampler.Sample(1, 1, 4, 4, tensors.FromScalarAndDimensions(int32(UnfilledPixel), 1, 1, 2, 2))
	})
}
