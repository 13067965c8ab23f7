// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viz

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	mg "github.com/erkkah/margaid"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/fashionmnist/fcmodel"
	gonbplotly "github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
)

// History column names, as written by WriteHistoryCSV.
const (
	ColEpoch        = "Epoch"
	ColStep         = "Step"
	ColTrainLoss    = "TrainLoss"
	ColTestLoss     = "TestLoss"
	ColTestAccuracy = "TestAccuracy"
)

// HistoryDataFrame converts the history to a dataframe, one row per validation report.
func HistoryDataFrame(history *fcmodel.History) dataframe.DataFrame {
	return dataframe.LoadStructs(history.Points)
}

// WriteHistoryCSV writes the history as CSV, with a header row.
func WriteHistoryCSV(w io.Writer, history *fcmodel.History) error {
	if len(history.Points) == 0 {
		return errors.New("empty training history")
	}
	df := HistoryDataFrame(history)
	if df.Err != nil {
		return errors.Wrap(df.Err, "converting history to dataframe")
	}
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrap(err, "writing history CSV")
	}
	return nil
}

// ReadHistoryCSV reads a history written with WriteHistoryCSV. NumEpochs is taken from the last report.
func ReadHistoryCSV(r io.Reader) (*fcmodel.History, error) {
	df := dataframe.ReadCSV(r)
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading history CSV")
	}
	epochs, err := df.Col(ColEpoch).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", ColEpoch)
	}
	steps, err := df.Col(ColStep).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", ColStep)
	}
	trainLoss := df.Col(ColTrainLoss).Float()
	testLoss := df.Col(ColTestLoss).Float()
	testAccuracy := df.Col(ColTestAccuracy).Float()
	if err := df.Err; err != nil {
		return nil, errors.Wrap(err, "reading history columns")
	}
	history := &fcmodel.History{Points: make([]fcmodel.HistoryPoint, df.Nrow())}
	for ii := range history.Points {
		history.Points[ii] = fcmodel.HistoryPoint{
			Epoch:        epochs[ii],
			Step:         steps[ii],
			TrainLoss:    trainLoss[ii],
			TestLoss:     testLoss[ii],
			TestAccuracy: testAccuracy[ii],
		}
	}
	history.NumEpochs = history.Last().Epoch
	return history, nil
}

// HistorySVG plots the training and test losses over the training steps, as SVG.
func HistorySVG(history *fcmodel.History, width, height int) (string, error) {
	if len(history.Points) == 0 {
		return "", errors.New("empty training history")
	}
	trainSeries := mg.NewSeries(mg.Titled("Training loss"))
	testSeries := mg.NewSeries(mg.Titled("Validation loss"))
	allPoints := mg.NewSeries()
	for _, p := range history.Points {
		step := float64(p.Step)
		trainSeries.Add(mg.MakeValue(step, p.TrainLoss))
		testSeries.Add(mg.MakeValue(step, p.TestLoss))
		allPoints.Add(mg.MakeValue(step, p.TrainLoss), mg.MakeValue(step, p.TestLoss))
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allPoints),
		mg.WithAutorange(mg.YAxis, allPoints),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range []*mg.Series{trainSeries, testSeries} {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title("Training and validation loss")
	diagram.Legend(mg.BottomLeft)
	var buf bytes.Buffer
	if err := diagram.Render(&buf); err != nil {
		return "", errors.Wrap(err, "failed to render loss plot")
	}
	return buf.String(), nil
}

// HistoryFigures creates the Plotly figures of the history: the losses, and the test accuracy.
func HistoryFigures(history *fcmodel.History) []*grob.Fig {
	steps := make([]float64, len(history.Points))
	trainLoss := make([]float64, len(history.Points))
	testLoss := make([]float64, len(history.Points))
	testAccuracy := make([]float64, len(history.Points))
	for ii, p := range history.Points {
		steps[ii] = float64(p.Step)
		trainLoss[ii], testLoss[ii], testAccuracy[ii] = p.TrainLoss, p.TestLoss, p.TestAccuracy
	}
	newFig := func(title, yTitle string) *grob.Fig {
		return &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{Text: ptypes.S(title)},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
					Title:    &grob.LayoutXaxisTitle{Text: ptypes.S("Steps")},
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
					Title:    &grob.LayoutYaxisTitle{Text: ptypes.S(yTitle)},
				},
				Legend: &grob.LayoutLegend{},
			},
		}
	}
	line := func(name string, values []float64) *grob.Scatter {
		return &grob.Scatter{
			Name: ptypes.S(name),
			Line: &grob.ScatterLine{Shape: grob.ScatterLineShapeLinear},
			Mode: "lines+markers",
			X:    ptypes.DataArray(steps),
			Y:    ptypes.DataArray(values),
		}
	}
	lossFig := newFig("Loss", "NLL")
	lossFig.Data = append(lossFig.Data, line("Training loss", trainLoss), line("Validation loss", testLoss))
	accuracyFig := newFig("Validation accuracy", "Accuracy")
	accuracyFig.Data = append(accuracyFig.Data, line("Validation accuracy", testAccuracy))
	return []*grob.Fig{lossFig, accuracyFig}
}

var (
	historyHTML = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="utf-8">
		<title>{{ .Title }}</title>
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		Plotly.newPlot('plot{{ $i }}', JSON.parse(atob('{{ $f }}')));
{{- end }}
	</script>
	</body>
</html>`
	historyHTMLTmpl = template.Must(template.New("history").Parse(historyHTML))
)

// HistoryHTML writes a standalone HTML page with the Plotly figures of the history.
func HistoryHTML(w io.Writer, title string, history *fcmodel.History) error {
	if len(history.Points) == 0 {
		return errors.New("empty training history")
	}
	figs := HistoryFigures(history)
	data := &struct {
		Title, CDN string
		Figures    []string
	}{Title: title, CDN: gonbplotly.PlotlySrc}
	for _, fig := range figs {
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return errors.Wrap(err, "failed to marshal plotly figure")
		}
		data.Figures = append(data.Figures, base64.StdEncoding.EncodeToString(figAsJSON))
	}
	if err := historyHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render history page")
	}
	return nil
}
