// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/gomlx/fashionmnist/checkpoint"
	"github.com/gomlx/fashionmnist/dataset"
	"github.com/gomlx/fashionmnist/fcmodel"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToImage(t *testing.T) {
	// White square on black background, at twice the resolution.
	img := image.NewRGBA(image.Rect(0, 0, 2*dataset.Width, 2*dataset.Height))
	for y := range 2 * dataset.Height {
		for x := range 2 * dataset.Width {
			c := color.RGBA{A: 255}
			if x >= 20 && x < 36 && y >= 20 && y < 36 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	converted := ToImage(img, false)
	assert.Equal(t, uint8(0), converted[0])
	assert.Greater(t, converted[14*dataset.Width+14], uint8(200))

	inverted := ToImage(img, true)
	assert.Equal(t, uint8(255), inverted[0])
	assert.Less(t, inverted[14*dataset.Width+14], uint8(55))

	// Transparent pixels are background.
	transparent := image.NewNRGBA(image.Rect(0, 0, dataset.Width, dataset.Height))
	assert.Equal(t, dataset.Image{}, ToImage(transparent, true))

	// dataset.Image is used as is.
	var original dataset.Image
	original.Set(3, 4, 77)
	assert.Equal(t, original, ToImage(original, false))
}

func TestClassifier(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	arch := fcmodel.Architecture{InputSize: dataset.NumPixels, OutputSize: dataset.NumClasses, HiddenLayers: []int{8}}
	ctx, err := fcmodel.New(backend, arch)
	require.NoError(t, err)
	c, err := checkpoint.FromContext(ctx)
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, c.Save(dir))

	classifier, err := New(backend, dir)
	require.NoError(t, err)
	var img dataset.Image
	for ii := range img {
		img[ii] = byte(ii % 256)
	}
	prediction, err := classifier.Classify(img)
	require.NoError(t, err)
	require.Len(t, prediction.Probabilities, dataset.NumClasses)
	top := prediction.TopK(3)
	require.Len(t, top, 3)
	assert.Equal(t, prediction.Label, top[0].Label)
	assert.Equal(t, prediction.Name, top[0].Name)
	assert.GreaterOrEqual(t, top[0].Probability, top[1].Probability)
	assert.GreaterOrEqual(t, top[1].Probability, top[2].Probability)
	assert.Len(t, prediction.TopK(100), dataset.NumClasses)
	assert.Equal(t, "T-shirt/top", prediction.ClassNames()[0])

	// Same result from the original context.
	direct, err := NewFromContext(backend, ctx)
	require.NoError(t, err)
	direct.WithVariant(dataset.MNIST)
	predictions, err := direct.ClassifyBatch([]image.Image{img, image.NewGray(image.Rect(0, 0, 10, 10))})
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	assert.Equal(t, prediction.Probabilities, predictions[0].Probabilities)
	assert.Equal(t, "0", predictions[0].ClassNames()[0])

	_, err = direct.ClassifyBatch([]image.Image{nil})
	require.Error(t, err)
}

func TestClassifierWrongInputSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, err := fcmodel.New(backend, fcmodel.Architecture{InputSize: 10, OutputSize: 2, HiddenLayers: []int{4}})
	require.NoError(t, err)
	_, err = NewFromContext(backend, ctx)
	require.ErrorContains(t, err, "model takes 10 inputs")
}

func TestTopK(t *testing.T) {
	p := newPrediction(dataset.Image{}, []float32{0.1, 0.4, 0.1, 0.4}, dataset.FashionMNIST)
	assert.Equal(t, dataset.Label(1), p.Label)
	assert.Equal(t, "Trouser", p.Name)
	top := p.TopK(3)
	assert.Equal(t, []dataset.Label{1, 3, 0}, []dataset.Label{top[0].Label, top[1].Label, top[2].Label})
	assert.Empty(t, p.TopK(0))
	assert.Empty(t, p.TopK(-1))
}
