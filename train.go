// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"fmt"
	"math/rand"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// BuildTrainComputation builds the ModelFn for training and evaluation: it
// returns the logits as predictions and the batch bits-per-dimension as the
// loss, computed inside the model so the trainer's loss function just picks it
// up.
func BuildTrainComputation(config *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images := inputs[0]
		logits := ForwardGraph(ctx, images)
		loss := BitsPerDimension(logits, images)
		return []*Node{logits, loss}
	}
}

// TrainModel trains the PixelCNN on MNIST with the hyperparameters in the
// config's context, saving to the attached checkpoint (if any) periodically and
// decaying the learning rate once per epoch.
func TrainModel(config *Config, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	must.M(Download(config.DataDir))
	shuffle := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	trainDS, trainEvalDS, testEvalDS := must.M3(config.CreateDatasets(shuffle))

	// The model computes its own loss, see BuildTrainComputation.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		backend, ctx, BuildTrainComputation(config), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if config.Checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return config.Checkpoint.Save()
			})
	}

	// Multiplicative learning rate decay once per epoch.
	decay := context.GetParamOr(ctx, ParamLearningRateDecay, 0.99)
	initialLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3)
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, initialLR)
	stepsPerEpoch := trainDS.(*Dataset).NumExamples() / config.BatchSize
	if stepsPerEpoch > 0 && decay > 0 && decay < 1 {
		train.EveryNSteps(loop, stepsPerEpoch, "learning rate decay", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				lr := tensors.ToScalar[float32](must.M1(lrVar.Value()))
				return lrVar.SetValue(tensors.FromValue(lr * float32(decay)))
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if err != nil {
			if config.Checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				if errSave := config.Checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to the current global step.\n", numTrainSteps)
	}

	// Reports the bits-per-dimension (the loss) on train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
	}
}
