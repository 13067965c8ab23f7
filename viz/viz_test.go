// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viz

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/gomlx/fashionmnist/dataset"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() dataset.Image {
	var img dataset.Image
	for y := 6; y < 22; y++ {
		for x := 10; x < 18; x++ {
			img.Set(x, y, 255)
		}
	}
	return img
}

var testProbs = []float32{0.05, 0.7, 0, 0, 0.05, 0, 0.2, 0, 0, 0}

func TestViewClassify(t *testing.T) {
	names := dataset.FashionMNIST.ClassNames()
	content, err := ViewClassify(testImage(), testProbs, names)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Greater(t, decoded.Bounds().Dx(), decoded.Bounds().Dy())

	_, err = ViewClassify(testImage(), testProbs, names[:3])
	require.Error(t, err)
	_, err = ViewClassify(testImage(), nil, nil)
	require.Error(t, err)
}

func TestImageToPNG(t *testing.T) {
	content, err := ImageToPNG(testImage(), 4)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4*dataset.Width, 4*dataset.Height), decoded.Bounds())
	r, _, _, _ := decoded.At(4*12, 4*10).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	r, _, _, _ = decoded.At(1, 1).RGBA()
	assert.Equal(t, uint32(0), r)

	_, err = ImageToPNG(testImage(), 0)
	require.Error(t, err)
}

func TestTerminal(t *testing.T) {
	term := NewTerminalWithProfile(termenv.Ascii)
	rendered := term.Image(testImage())
	lines := strings.Split(rendered, "\n")
	require.Len(t, lines, dataset.Height+2) // Plus borders.
	assert.Contains(t, lines[1+10], strings.Repeat("█", 16))
	assert.NotContains(t, lines[1], "█")

	probs := term.Probabilities(testProbs, dataset.FashionMNIST.ClassNames())
	assert.Contains(t, probs, "Trouser")
	assert.Contains(t, probs, " 70.0%")
	assert.Contains(t, probs, strings.Repeat("█", 21))
	assert.NotContains(t, probs, "\x1b[", "no escape sequences with the Ascii profile")

	both := term.Render(testImage(), testProbs, dataset.FashionMNIST.ClassNames())
	assert.Contains(t, both, "Ankle Boot")
}

func testHistory() *fcmodel.History {
	return &fcmodel.History{
		NumEpochs: 2,
		Points: []fcmodel.HistoryPoint{
			{Epoch: 1, Step: 40, TrainLoss: 1.25, TestLoss: 0.875, TestAccuracy: 0.625},
			{Epoch: 1, Step: 80, TrainLoss: 0.75, TestLoss: 0.625, TestAccuracy: 0.75},
			{Epoch: 2, Step: 120, TrainLoss: 0.5, TestLoss: 0.5, TestAccuracy: 0.8125},
		},
	}
}

func TestHistoryCSV(t *testing.T) {
	history := testHistory()
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&buf, history))
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "Epoch,Step,TrainLoss,TestLoss,TestAccuracy", header)

	read, err := ReadHistoryCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, history, read)

	require.Error(t, WriteHistoryCSV(&buf, &fcmodel.History{}))
	_, err = ReadHistoryCSV(strings.NewReader("a,b\n1,2\n"))
	require.Error(t, err)
}

func TestHistoryTable(t *testing.T) {
	table := NewTerminalWithProfile(termenv.Ascii).HistoryTable(testHistory())
	assert.Contains(t, table, "Test Accuracy")
	assert.Contains(t, table, "2/2")
	assert.Contains(t, table, "81.25%")
}

func TestHistoryPlots(t *testing.T) {
	svg, err := HistorySVG(testHistory(), 800, 300)
	require.NoError(t, err)
	assert.Contains(t, svg, "<svg")
	assert.Contains(t, svg, "Validation loss")

	figs := HistoryFigures(testHistory())
	require.Len(t, figs, 2)
	assert.Len(t, figs[0].Data, 2)
	assert.Len(t, figs[1].Data, 1)

	var buf bytes.Buffer
	require.NoError(t, HistoryHTML(&buf, "Fashion-MNIST", testHistory()))
	assert.Contains(t, buf.String(), "<title>Fashion-MNIST</title>")
	assert.Equal(t, 2, strings.Count(buf.String(), "Plotly.newPlot"))

	_, err = HistorySVG(&fcmodel.History{}, 800, 300)
	require.Error(t, err)
}

func TestDisplayOutsideNotebook(t *testing.T) {
	if IsNotebook() {
		t.Skip("running in a notebook")
	}
	require.Error(t, DisplayPNG(nil))
	require.Error(t, DisplayClassify(testImage(), testProbs, dataset.FashionMNIST.ClassNames()))
	require.Error(t, DisplayHistory(testHistory(), true))
	require.Error(t, DisplayImages(nil, nil, 1))
}
