// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier classifies images with a model restored from a checkpoint.
//
// Any image.Image is accepted: it is converted to grayscale and resized to the 28x28
// resolution of the training images.
package classifier

import (
	"image"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/fashionmnist/checkpoint"
	"github.com/gomlx/fashionmnist/dataset"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Classifier holds a restored model ready for inference.
type Classifier struct {
	predictor *fcmodel.Predictor
	variant   dataset.Variant

	// Invert the intensity of the images before classifying: training images are bright
	// objects on a black background, while photos and drawings are usually the opposite.
	Invert bool
}

// New loads the checkpoint in checkpointDir and creates a Classifier for it.
// Class names default to the Fashion-MNIST ones, see WithVariant.
func New(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	c, err := checkpoint.Load(checkpointDir)
	if err != nil {
		return nil, err
	}
	ctx, err := checkpoint.Rebuild(c)
	if err != nil {
		return nil, err
	}
	return NewFromContext(backend, ctx)
}

// NewFromContext creates a Classifier for the model in ctx, e.g. one just trained.
func NewFromContext(backend backends.Backend, ctx *context.Context) (*Classifier, error) {
	predictor, err := fcmodel.NewPredictor(backend, ctx)
	if err != nil {
		return nil, err
	}
	arch := predictor.Architecture()
	if arch.InputSize != dataset.NumPixels {
		return nil, errors.Errorf("model takes %d inputs, but images have %dx%d=%d pixels",
			arch.InputSize, dataset.Width, dataset.Height, dataset.NumPixels)
	}
	return &Classifier{predictor: predictor, variant: dataset.FashionMNIST}, nil
}

// WithVariant sets the dataset variant used to name the classes. It returns the Classifier itself.
func (c *Classifier) WithVariant(variant dataset.Variant) *Classifier {
	c.variant = variant
	return c
}

// ToImage converts img to a 28x28 grayscale dataset.Image. Transparent pixels are
// taken as background.
func ToImage(img image.Image, invert bool) dataset.Image {
	if converted, ok := img.(dataset.Image); ok && !invert {
		return converted
	}
	bounds := img.Bounds()
	nrgba := imaging.Grayscale(img)
	if bounds.Dx() != dataset.Width || bounds.Dy() != dataset.Height {
		nrgba = imaging.Resize(nrgba, dataset.Width, dataset.Height, imaging.Lanczos)
	}
	var result dataset.Image
	for y := range dataset.Height {
		for x := range dataset.Width {
			offset := nrgba.PixOffset(x, y)
			gray, alpha := uint32(nrgba.Pix[offset]), uint32(nrgba.Pix[offset+3])
			if invert {
				gray = 255 - gray
			}
			result.Set(x, y, byte(gray*alpha/255))
		}
	}
	return result
}

// Classify returns the class probabilities for img.
func (c *Classifier) Classify(img image.Image) (Prediction, error) {
	predictions, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return Prediction{}, err
	}
	return predictions[0], nil
}

// ClassifyBatch classifies several images in one execution of the model.
func (c *Classifier) ClassifyBatch(images []image.Image) ([]Prediction, error) {
	if len(images) == 0 {
		return nil, nil
	}
	converted := make([]dataset.Image, len(images))
	for ii, img := range images {
		if img == nil {
			return nil, errors.Errorf("image #%d is nil", ii)
		}
		converted[ii] = ToImage(img, c.Invert)
	}
	batch, err := dataset.ImagesTensor(converted, fcmodel.DType)
	if err != nil {
		return nil, err
	}
	probs, err := c.predictor.Probabilities(batch)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, len(probs))
	for ii, p := range probs {
		predictions[ii] = newPrediction(converted[ii], p, c.variant)
	}
	return predictions, nil
}

// ClassProbability is the probability the model assigns to one class.
type ClassProbability struct {
	Label       dataset.Label
	Name        string
	Probability float32
}

// Prediction of the model for one image.
type Prediction struct {
	// Image actually fed to the model.
	Image dataset.Image

	// Probabilities indexed by label.
	Probabilities []float32

	// Label with the highest probability.
	Label dataset.Label
	Name  string

	variant dataset.Variant
}

func newPrediction(img dataset.Image, probs []float32, variant dataset.Variant) Prediction {
	best := 0
	for ii, p := range probs {
		if p > probs[best] {
			best = ii
		}
	}
	return Prediction{
		Image:         img,
		Probabilities: probs,
		Label:         dataset.Label(best),
		Name:          variant.ClassName(dataset.Label(best)),
		variant:       variant,
	}
}

// ClassNames for the labels of the prediction.
func (p Prediction) ClassNames() []string {
	names := make([]string, len(p.Probabilities))
	for ii := range names {
		names[ii] = p.variant.ClassName(dataset.Label(ii))
	}
	return names
}

// TopK returns the k most likely classes, in decreasing order of probability. Ties are
// broken by label.
func (p Prediction) TopK(k int) []ClassProbability {
	all := make([]ClassProbability, len(p.Probabilities))
	for ii, prob := range p.Probabilities {
		all[ii] = ClassProbability{Label: dataset.Label(ii), Name: p.variant.ClassName(dataset.Label(ii)), Probability: prob}
	}
	slices.SortStableFunc(all, func(a, b ClassProbability) int {
		switch {
		case a.Probability > b.Probability:
			return -1
		case a.Probability < b.Probability:
			return 1
		}
		return 0
	})
	return all[:max(0, min(k, len(all)))]
}
