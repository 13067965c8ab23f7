// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

const (
	// NormalizationMean and NormalizationStdDev applied to the [0, 1] pixel intensities.
	NormalizationMean   = 0.5
	NormalizationStdDev = 0.5
)

// Normalize converts a raw pixel value to the model input range [-1, 1].
func Normalize(pixel byte) float32 {
	return (float32(pixel)/255 - NormalizationMean) / NormalizationStdDev
}

// Denormalize is the inverse of Normalize, clipping to the valid pixel range.
func Denormalize(value float32) byte {
	v := (float64(value)*NormalizationStdDev + NormalizationMean) * 255
	return byte(math.Round(math.Max(0, math.Min(255, v))))
}

// Examples holds one split of the dataset in memory.
type Examples struct {
	Variant Variant
	Split   Split
	Images  []Image
	Labels  []Label
}

// LoadExamples parses the images and labels of a split, previously fetched with Download.
func LoadExamples(variant Variant, dataDir string, split Split) (*Examples, error) {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	dir := path.Join(dataDir, variant.SubDir())
	imagesFile, labelsFile := split.files()
	images, err := loadImageFile(path.Join(dir, imagesFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s %s images", variant, split)
	}
	labels, err := loadLabelFile(path.Join(dir, labelsFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s %s labels", variant, split)
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("%s %s split has %d images but %d labels", variant, split, len(images), len(labels))
	}
	return &Examples{Variant: variant, Split: split, Images: images, Labels: labels}, nil
}

// Len returns the number of examples.
func (e *Examples) Len() int { return len(e.Images) }

// Take returns a view of the first n examples (or all of them if there are fewer).
func (e *Examples) Take(n int) *Examples {
	n = min(n, e.Len())
	return &Examples{Variant: e.Variant, Split: e.Split, Images: e.Images[:n], Labels: e.Labels[:n]}
}

// Sample returns n examples drawn without replacement using rng.
func (e *Examples) Sample(n int, rng *rand.Rand) *Examples {
	n = min(n, e.Len())
	sample := &Examples{Variant: e.Variant, Split: e.Split, Images: make([]Image, n), Labels: make([]Label, n)}
	for ii, idx := range rng.Perm(e.Len())[:n] {
		sample.Images[ii] = e.Images[idx]
		sample.Labels[ii] = e.Labels[idx]
	}
	return sample
}

// GoImages returns the images as image.Image values.
func (e *Examples) GoImages() []image.Image {
	images := make([]image.Image, len(e.Images))
	for ii, img := range e.Images {
		images[ii] = img
	}
	return images
}

func normalizedFlat[T constraints.Float](images []Image) []T {
	flat := make([]T, len(images)*NumPixels)
	for ii := range images {
		base := ii * NumPixels
		for jj, pixel := range images[ii] {
			flat[base+jj] = T(Normalize(pixel))
		}
	}
	return flat
}

// ImagesTensor converts images to a normalized tensor shaped [len(images), Height, Width, 1].
func ImagesTensor(images []Image, dtype dtypes.DType) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(normalizedFlat[float32](images), len(images), Height, Width, 1), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(normalizedFlat[float64](images), len(images), Height, Width, 1), nil
	}
	return nil, errors.Errorf("images can only be converted to Float32 or Float64, got %s", dtype)
}

// ToTensors returns the normalized images ([N, Height, Width, 1]) and the labels ([N, 1] of Int32).
func (e *Examples) ToTensors(dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	images, err = ImagesTensor(e.Images, dtype)
	if err != nil {
		return nil, nil, err
	}
	flatLabels := make([]int32, len(e.Labels))
	for ii, label := range e.Labels {
		flatLabels[ii] = int32(label)
	}
	labels = tensors.FromFlatDataAndDimensions(flatLabels, len(flatLabels), 1)
	return images, labels, nil
}

// Stats summarizes the raw pixel intensities (scaled to [0, 1]) and the class balance of a split.
type Stats struct {
	NumExamples  int
	PixelMean    float64
	PixelStdDev  float64
	ClassCounts  [NumClasses]int
	MinPixelMean float64
	MaxPixelMean float64
}

// Stats computes pixel statistics. The global variance is combined from per-image mean and variance.
func (e *Examples) Stats() Stats {
	s := Stats{NumExamples: e.Len()}
	if e.Len() == 0 {
		return s
	}
	means := make([]float64, e.Len())
	variances := make([]float64, e.Len())
	pixels := make([]float64, NumPixels)
	s.MinPixelMean, s.MaxPixelMean = math.Inf(1), math.Inf(-1)
	for ii, img := range e.Images {
		for jj, p := range img {
			pixels[jj] = float64(p) / 255
		}
		means[ii], variances[ii] = stat.PopMeanVariance(pixels, nil)
		s.MinPixelMean = math.Min(s.MinPixelMean, means[ii])
		s.MaxPixelMean = math.Max(s.MaxPixelMean, means[ii])
	}
	s.PixelMean = stat.Mean(means, nil)
	_, betweenVariance := stat.PopMeanVariance(means, nil)
	s.PixelStdDev = math.Sqrt(stat.Mean(variances, nil) + betweenVariance)
	for _, label := range e.Labels {
		s.ClassCounts[label]++
	}
	return s
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d examples, pixel mean=%.4f, stddev=%.4f, per-image mean in [%.4f, %.4f], class counts=%v",
		s.NumExamples, s.PixelMean, s.PixelStdDev, s.MinPixelMean, s.MaxPixelMean, s.ClassCounts)
}

// NewDataset creates an in-memory GoMLX dataset yielding normalized images and labels. It is not batched
// yet: call BatchSize on the returned dataset.
func NewDataset(backend backends.Backend, name string, examples *Examples, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	if examples.Len() == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	images, labels, err := examples.ToTensors(dtype)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	return ds, nil
}

// Config of the datasets used for training and evaluation.
type Config struct {
	Variant       Variant
	DataDir       string
	DType         dtypes.DType
	BatchSize     int
	EvalBatchSize int

	// MaxTrainExamples and MaxTestExamples, if > 0, truncate the splits. Used for quick runs.
	MaxTrainExamples, MaxTestExamples int
}

// ConfigFromContext reads the batch sizes from the context hyperparameters "batch_size" and "eval_batch_size".
func ConfigFromContext(ctx *context.Context, variant Variant, dataDir string) *Config {
	config := &Config{
		Variant:          variant,
		DataDir:          dataDir,
		DType:            dtypes.Float32,
		BatchSize:        context.GetParamOr(ctx, "batch_size", 64),
		EvalBatchSize:    context.GetParamOr(ctx, "eval_batch_size", 0),
		MaxTrainExamples: context.GetParamOr(ctx, "max_train_examples", 0),
		MaxTestExamples:  context.GetParamOr(ctx, "max_test_examples", 0),
	}
	if config.EvalBatchSize <= 0 {
		config.EvalBatchSize = config.BatchSize
	}
	return config
}

// CreateDatasets loads both splits and returns: the shuffled training dataset, the same training
// examples in evaluation order, and the test dataset used for validation.
func CreateDatasets(backend backends.Backend, config *Config) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	if config.BatchSize <= 0 {
		return nil, nil, nil, errors.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	evalBatchSize := config.EvalBatchSize
	if evalBatchSize <= 0 {
		evalBatchSize = config.BatchSize
	}
	trainExamples, err := LoadExamples(config.Variant, config.DataDir, Train)
	if err != nil {
		return
	}
	testExamples, err := LoadExamples(config.Variant, config.DataDir, Test)
	if err != nil {
		return
	}
	if config.MaxTrainExamples > 0 {
		trainExamples = trainExamples.Take(config.MaxTrainExamples)
	}
	if config.MaxTestExamples > 0 {
		testExamples = testExamples.Take(config.MaxTestExamples)
	}
	baseTrain, err := NewDataset(backend, "Training", trainExamples, config.DType)
	if err != nil {
		return
	}
	baseTest, err := NewDataset(backend, "Test", testExamples, config.DType)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(config.BatchSize, false).Shuffle()
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}
