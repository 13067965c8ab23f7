// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viz

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/muesli/termenv"
)

// shades from background to foreground, each pixel is drawn with 2 characters to keep the aspect ratio.
var shades = []rune(" ░▒▓█")

const (
	barWidth     = 30
	highlightBar = "#ff8700"
	normalBar    = "#5f87d7"
)

// Terminal renders images and predictions with text, using colors if the output supports them.
type Terminal struct {
	renderer *lipgloss.Renderer
}

// NewTerminal creates a Terminal renderer for w, detecting its color support.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{renderer: lipgloss.NewRenderer(w)}
}

// NewTerminalWithProfile creates a Terminal renderer with the given color profile, e.g. termenv.Ascii
// for no colors.
func NewTerminalWithProfile(profile termenv.Profile) *Terminal {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(profile)
	return &Terminal{renderer: r}
}

// RenderTerminal renders the image and the class probabilities for stdout.
func RenderTerminal(img image.Image, probs []float32, classNames []string) string {
	return NewTerminal(os.Stdout).Render(img, probs, classNames)
}

// Image renders img as shaded blocks, one line per row.
func (t *Terminal) Image(img image.Image) string {
	bounds := img.Bounds()
	var sb strings.Builder
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if y > bounds.Min.Y {
			sb.WriteByte('\n')
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
			shade := shades[int(gray)*len(shades)/256]
			sb.WriteRune(shade)
			sb.WriteRune(shade)
		}
	}
	return t.renderer.NewStyle().Border(lipgloss.NormalBorder()).Render(sb.String())
}

// Probabilities renders one horizontal bar per class, highlighting the most likely one.
func (t *Terminal) Probabilities(probs []float32, classNames []string) string {
	best := 0
	nameWidth := 0
	for ii, p := range probs {
		if p > probs[best] {
			best = ii
		}
		nameWidth = max(nameWidth, len(className(classNames, ii)))
	}
	nameStyle := t.renderer.NewStyle().Width(nameWidth + 1)
	lines := make([]string, len(probs))
	for ii, p := range probs {
		barHex := normalBar
		if ii == best {
			barHex = highlightBar
		}
		barStyle := t.renderer.NewStyle().Foreground(lipgloss.Color(barHex))
		n := int(float32(barWidth)*p + 0.5)
		n = max(0, min(n, barWidth))
		lines[ii] = nameStyle.Render(className(classNames, ii)) +
			barStyle.Render(strings.Repeat("█", n)) + strings.Repeat(" ", barWidth-n) +
			fmt.Sprintf(" %5.1f%%", 100*p)
	}
	return t.renderer.NewStyle().Padding(1, 2).Render(strings.Join(lines, "\n"))
}

// Render the image on the left of its class probabilities.
func (t *Terminal) Render(img image.Image, probs []float32, classNames []string) string {
	return lipgloss.JoinHorizontal(lipgloss.Center, t.Image(img), t.Probabilities(probs, classNames))
}

// HistoryTable renders the validation reports of a training session as a table.
func (t *Terminal) HistoryTable(history *fcmodel.History) string {
	cellStyle := t.renderer.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := t.renderer.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Epoch", "Step", "Training Loss", "Test Loss", "Test Accuracy")
	for _, p := range history.Points {
		table.Row(
			fmt.Sprintf("%d/%d", p.Epoch, history.NumEpochs),
			fmt.Sprintf("%d", p.Step),
			fmt.Sprintf("%.3f", p.TrainLoss),
			fmt.Sprintf("%.3f", p.TestLoss),
			fmt.Sprintf("%.2f%%", 100*p.TestAccuracy))
	}
	return table.String()
}

func className(classNames []string, idx int) string {
	if idx < len(classNames) {
		return classNames[idx]
	}
	return fmt.Sprintf("#%d", idx)
}
