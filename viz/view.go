// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package viz draws images, predictions and training histories: as PNG, SVG and HTML files,
// in the terminal, or directly in a GoNB notebook.
package viz

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	// ViewWidth and ViewHeight are the dimensions of the images generated by ViewClassify.
	ViewWidth  = 6 * vg.Inch
	ViewHeight = 9 * vg.Inch / 4

	barColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
)

// ViewClassify draws the image on the left and a horizontal bar chart of the class
// probabilities on the right, and returns it encoded as PNG.
func ViewClassify(img image.Image, probs []float32, classNames []string) ([]byte, error) {
	if len(probs) == 0 {
		return nil, errors.New("no probabilities to plot")
	}
	if len(classNames) != len(probs) {
		return nil, errors.Errorf("%d class names given for %d probabilities", len(classNames), len(probs))
	}

	imagePlot := plot.New()
	bounds := img.Bounds()
	imagePlot.Add(plotter.NewImage(img, 0, 0, float64(bounds.Dx()), float64(bounds.Dy())))
	imagePlot.HideAxes()

	probsPlot := plot.New()
	probsPlot.Title.Text = "Class Probability"
	values := make(plotter.Values, len(probs))
	for ii, p := range probs {
		values[ii] = float64(p)
	}
	bars, err := plotter.NewBarChart(values, vg.Points(10))
	if err != nil {
		return nil, errors.Wrap(err, "creating bar chart")
	}
	bars.Horizontal = true
	bars.Color = barColor
	bars.LineStyle.Width = 0
	probsPlot.Add(bars)
	probsPlot.NominalY(classNames...)
	probsPlot.X.Min, probsPlot.X.Max = 0, 1.1

	canvas := vgimg.New(ViewWidth, ViewHeight)
	dc := draw.New(canvas)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 2,
		PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2, PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{imagePlot, probsPlot}}, tiles, dc)
	imagePlot.Draw(canvases[0][0])
	probsPlot.Draw(canvases[0][1])

	var buf bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "encoding PNG")
	}
	return buf.Bytes(), nil
}

// ImageToPNG upscales the image by an integer factor, keeping the pixels sharp, and
// returns it encoded as PNG.
func ImageToPNG(img image.Image, scale int) ([]byte, error) {
	if scale <= 0 {
		return nil, errors.Errorf("invalid scale %d, it must be > 0", scale)
	}
	bounds := img.Bounds()
	if scale > 1 {
		img = imaging.Resize(img, scale*bounds.Dx(), scale*bounds.Dy(), imaging.NearestNeighbor)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "encoding PNG")
	}
	return buf.Bytes(), nil
}
