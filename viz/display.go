// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viz

import (
	"encoding/base64"
	"fmt"
	"image"

	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/janpfeifer/gonb/gonbui"
	gonbplotly "github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
)

// IsNotebook returns whether the program is running as a GoNB notebook cell, in which case
// the Display* functions are available.
func IsNotebook() bool { return gonbui.IsNotebook }

func errNotNotebook() error {
	return errors.New("not running in a GoNB notebook")
}

// DisplayPNG displays PNG encoded content in the notebook.
func DisplayPNG(png []byte) error {
	if !gonbui.IsNotebook {
		return errNotNotebook()
	}
	gonbui.DisplayHTML(fmt.Sprintf(`<img src="data:image/png;base64,%s"/>`, base64.StdEncoding.EncodeToString(png)))
	return nil
}

// DisplayImages displays the images side by side, upscaled by scale, each with its caption.
func DisplayImages(images []image.Image, captions []string, scale int) error {
	if !gonbui.IsNotebook {
		return errNotNotebook()
	}
	html := `<table><tr>`
	for ii, img := range images {
		png, err := ImageToPNG(img, scale)
		if err != nil {
			return err
		}
		var caption string
		if ii < len(captions) {
			caption = captions[ii]
		}
		html += fmt.Sprintf(`<td style="text-align: center"><img src="data:image/png;base64,%s"/><br/>%s</td>`,
			base64.StdEncoding.EncodeToString(png), caption)
	}
	html += `</tr></table>`
	gonbui.DisplayHTML(html)
	return nil
}

// DisplayClassify displays the ViewClassify plot of an image and its class probabilities.
func DisplayClassify(img image.Image, probs []float32, classNames []string) error {
	if !gonbui.IsNotebook {
		return errNotNotebook()
	}
	png, err := ViewClassify(img, probs, classNames)
	if err != nil {
		return err
	}
	return DisplayPNG(png)
}

// DisplayHistory displays the training history: the loss plot drawn with Margaid if svg is true,
// otherwise the interactive Plotly figures.
func DisplayHistory(history *fcmodel.History, svg bool) error {
	if !gonbui.IsNotebook {
		return errNotNotebook()
	}
	if svg {
		plot, err := HistorySVG(history, 1024, 400)
		if err != nil {
			return err
		}
		gonbui.DisplayHTML(plot)
		return nil
	}
	for _, fig := range HistoryFigures(history) {
		if err := gonbplotly.DisplayFig(fig); err != nil {
			return errors.WithMessage(err, "displaying plotly figure")
		}
	}
	return nil
}
