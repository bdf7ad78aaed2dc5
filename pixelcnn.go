// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixelcnn implements a gated PixelCNN, an autoregressive generative
// model over images: the joint distribution of pixels is factorized as a
// product of per-subpixel categorical distributions under a fixed
// raster-then-channel scan order, and the causal ordering is enforced purely
// through the zero pattern of convolution kernels.
//
// The model is built with GoMLX. Its main entry points are:
//
//   - ForwardGraph: builds the graph computing per-subpixel logits.
//   - LikelihoodGraph: builds the graph computing the batch mean bits-per-dimension.
//   - Sampler: generates images one subpixel at a time.
//   - TrainModel: trains on MNIST, with checkpointing.
package pixelcnn

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
)

const (
	// ParamHiddenWidth is the hyperparameter with the number of feature channels
	// carried by each of the vertical and horizontal stacks.
	ParamHiddenWidth = "hidden"

	// ParamKernelSize is the hyperparameter with the masked kernels' spatial
	// extent. The default is 3.
	ParamKernelSize = "kernel_size"

	// ParamNumGatedBlocks is the hyperparameter with the number of gated blocks.
	// Their dilations cycle through [1, 2, 1, 4, 1, 2, 1].
	ParamNumGatedBlocks = "num_gated_blocks"

	// ParamLearningRateDecay is the hyperparameter with the multiplicative decay
	// applied to the learning rate once per epoch.
	ParamLearningRateDecay = "learning_rate_decay"
)

// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext)
// that shouldn't be loaded from model checkpoints.
//
// These are appended to the list of settings given in the command line with -set.
var ParamsExcludedFromLoading = []string{
	"data_dir", "train_steps",
}

// CreateDefaultContext sets the context with the default hyperparameters to use
// with TrainModel and the PixelModel/Sampler constructors.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"train_steps":          10_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 128,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 256,

		// dtype to use for the model.
		"dtype": "float32",

		// PixelCNN model:
		ParamHiddenWidth:    64,
		ParamKernelSize:     3,
		ParamNumGatedBlocks: 7,

		// samples_seed makes generated sample grids reproducible.
		"samples_seed": int64(42),

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		ParamLearningRateDecay:       0.99,
	})
	return ctx
}

// Config holds everything the training and sampling entry points need: the
// backend, the context with hyperparameters (and model variables, once
// created), and where data and checkpoints live.
type Config struct {
	Backend backends.Backend
	Context *context.Context
	DataDir string

	// ParamsSet are hyperparameters overridden on the command line; they are not
	// reloaded from a checkpoint.
	ParamsSet []string

	DType                    dtypes.DType
	BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a configuration from the context hyperparameters.
//
// paramsSet are hyperparameters overridden that should not be loaded from the
// checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	return &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ParamsSet:     paramsSet,
		DType:         modelDType(ctx),
		BatchSize:     context.GetParamOr(ctx, "batch_size", 128),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 256),
	}
}

// AttachCheckpoint loads a checkpoint from the given directory into the config's
// context if one exists there, and keeps saving to it. An empty checkpointPath
// is a no-op and leaves Config.Checkpoint nil.
func (c *Config) AttachCheckpoint(checkpointPath string) {
	if checkpointPath == "" {
		return
	}
	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 3)
	checkpoint, err := checkpoints.Build(c.Context).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append(c.ParamsSet, ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		exceptions.Panicf("failed to attach checkpoint to %q: %v", checkpointPath, err)
	}
	c.Checkpoint = checkpoint
}
