// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelcnn

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	data "github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// The MNIST database of handwritten digits, served in the original idx format.
const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"

	// ImageSize is the height and width of an MNIST digit.
	ImageSize = 28

	// ImageChannels is the number of color channels of an MNIST digit.
	ImageChannels = 1

	imageMagic = 0x00000803
)

var datasetFiles = map[string]string{
	"train": trainImagesFilename,
	"test":  testImagesFilename,
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

// Download fetches the MNIST image files to baseDir, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	for _, file := range datasetFiles {
		fileURL, _ := url.JoinPath(downloadURL, file)
		filePath := path.Join(baseDir, file)
		if err := data.DownloadIfMissing(fileURL, filePath, ""); err != nil {
			return errors.Wrapf(err, "failed to download %q", fileURL)
		}
	}
	return nil
}

var _ train.Dataset = (*Dataset)(nil)

// Dataset implements train.Dataset, yielding batches of MNIST digits as Int32
// tensors shaped [batch, ImageChannels, ImageSize, ImageSize] with intensities
// in [0, 255], the model's input format. There are no labels: the image is its
// own training target.
type Dataset struct {
	name      string
	images    []byte // All pixels, one ImageSize×ImageSize block per example.
	numImages int
	batchSize int
	shuffle   *rand.Rand
	indices   []int
	position  int
}

// NewDataset creates a train.Dataset over the MNIST images previously fetched
// with Download. mode chooses between "train" and "test"; a nil shuffle yields
// examples in file order.
func NewDataset(name, baseDir, mode string, batchSize int, shuffle *rand.Rand) (*Dataset, error) {
	filename, ok := datasetFiles[mode]
	if !ok {
		return nil, errors.Errorf("unknown dataset mode %q, want \"train\" or \"test\"", mode)
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images, numImages, err := loadImageFile(path.Join(baseDir, filename))
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		numImages: numImages,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	ds.reshuffle()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples returns the number of images in the dataset.
func (ds *Dataset) NumExamples() int { return ds.numImages }

func (ds *Dataset) reshuffle() {
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(ds.numImages)
		return
	}
	ds.indices = make([]int, ds.numImages)
	for i := range ds.indices {
		ds.indices[i] = i
	}
}

// Yield implements train.Dataset. It returns one batch of images as the single
// input tensor and no labels.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.position >= len(ds.indices) {
		ds.position = 0
		ds.reshuffle()
	}
	start := ds.position
	end := start + ds.batchSize
	if end >= len(ds.indices) {
		end = len(ds.indices)
		err = io.EOF
	}
	ds.position = end

	pixelsPerImage := ImageChannels * ImageSize * ImageSize
	flat := make([]int32, (end-start)*pixelsPerImage)
	for i, exampleIdx := range ds.indices[start:end] {
		example := ds.images[exampleIdx*pixelsPerImage : (exampleIdx+1)*pixelsPerImage]
		for j, pixel := range example {
			flat[i*pixelsPerImage+j] = int32(pixel)
		}
	}
	batch := tensors.FromFlatDataAndDimensions(flat, end-start, ImageChannels, ImageSize, ImageSize)
	return ds, []*tensors.Tensor{batch}, nil, err
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.position = 0
}

func loadImageFile(filename string) (pixels []byte, numImages int, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open %q", filename)
	}
	defer f.Close()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decompress %q", filename)
	}
	defer reader.Close()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read header of %q", filename)
	}
	if header.Magic != imageMagic || header.Width != ImageSize || header.Height != ImageSize {
		return nil, 0, errors.Errorf("%q is not an MNIST image file", filename)
	}
	pixels = make([]byte, int(header.NumImages)*ImageSize*ImageSize)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read image data of %q", filename)
	}
	return pixels, int(header.NumImages), nil
}

// CreateDatasets builds the training and evaluation datasets used by
// TrainModel. The training dataset is shuffled; evaluation datasets iterate in
// file order.
func (c *Config) CreateDatasets(shuffle *rand.Rand) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	trainDS, err = NewDataset("train", c.DataDir, "train", c.BatchSize, shuffle)
	if err != nil {
		return
	}
	trainEvalDS, err = NewDataset("train-eval", c.DataDir, "train", c.EvalBatchSize, nil)
	if err != nil {
		return
	}
	testEvalDS, err = NewDataset("test-eval", c.DataDir, "test", c.EvalBatchSize, nil)
	if err != nil {
		return
	}
	return
}
