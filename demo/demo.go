// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// demo trains and samples from a gated PixelCNN on MNIST.
//
//  1. `demo -download`: only downloads and unpacks the dataset.
//  2. `demo -train -checkpoint=<name>`: trains the model, saving checkpoints.
//  3. `demo -sample=16 -checkpoint=<name>`: generates 16 digits from the
//     checkpointed model and writes them as PNG files.
//
// Hyperparameters can be overridden with -set, e.g. -set="hidden=128;train_steps=20000".
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/pixelcnn"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/pixelcnn", "Directory to cache downloaded dataset and checkpoint files.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to -data. If left empty, no checkpoints are created.")
	flagDownload   = flag.Bool("download", false, "Only download the dataset and exit.")
	flagTrain      = flag.Bool("train", true, "Train the model.")
	flagEval       = flag.Bool("eval", true, "Evaluate bits-per-dimension on the train and test datasets after training.")
	flagSample     = flag.Int("sample", 0, "Number of images to sample after training. They are written as PNG files under -output.")
	flagOutput     = flag.String("output", ".", "Directory where sampled images are written.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := pixelcnn.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	config := pixelcnn.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	err := exceptions.TryCatch[error](func() {
		if *flagDownload {
			must.M(pixelcnn.Download(config.DataDir))
			klog.Infof("Dataset downloaded to %s", config.DataDir)
			return
		}
		config.AttachCheckpoint(*flagCheckpoint)
		if *flagTrain {
			pixelcnn.TrainModel(config, *flagEval, *flagVerbosity)
		}
		if *flagSample > 0 {
			sampleImages(config)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// sampleImages generates -sample images from the model held by the config's
// context and writes one PNG per image.
func sampleImages(config *pixelcnn.Config) {
	seed := context.GetParamOr(config.Context, "samples_seed", int64(42))
	sampler := pixelcnn.NewSampler(config.Backend, config.Context, seed)
	fmt.Printf("Sampling %d images (seed %d), one subpixel at a time...\n", *flagSample, seed)
	samples := sampler.Sample(*flagSample, pixelcnn.ImageChannels, pixelcnn.ImageSize, pixelcnn.ImageSize, nil)
	must.M(os.MkdirAll(*flagOutput, 0777))
	err := tensors.ConstFlatData(samples, func(flat []int32) {
		pixelsPerImage := pixelcnn.ImageChannels * pixelcnn.ImageSize * pixelcnn.ImageSize
		for i := 0; i < *flagSample; i++ {
			img := image.NewGray(image.Rect(0, 0, pixelcnn.ImageSize, pixelcnn.ImageSize))
			for j, value := range flat[i*pixelsPerImage : (i+1)*pixelsPerImage] {
				img.Pix[j] = uint8(value)
			}
			imgPath := path.Join(*flagOutput, fmt.Sprintf("sample_%03d.png", i))
			f := must.M1(os.Create(imgPath))
			must.M(png.Encode(f, img))
			must.M(f.Close())
		}
	})
	must.M(err)
	klog.Infof("Wrote %d images to %s", *flagSample, *flagOutput)
}
