// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// maxPrealloc bounds the number of entries allocated from a header count, before any data is read.
	maxPrealloc = 1 << 16
)

// Image is one 28x28 grayscale image, stored row by row. 0 is the background and 255 the
// foreground intensity.
type Image [NumPixels]byte

// Label is the class index, from 0 to NumClasses-1.
type Label = uint8

var _ image.Image = Image{}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// ColorModel implements the image.Image interface.
func (img Image) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements the image.Image interface.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= Width || y >= Height {
		return color.Gray{}
	}
	return color.Gray{Y: img[y*Width+x]}
}

// Set modifies the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) {
	img[y*Width+x] = v
}

// openGzip opens a gzipped file, returning the decompressed reader and a function to close both.
func openGzip(filePath string) (io.Reader, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to read gzip header of %q", filePath)
	}
	return reader, func() {
		_ = reader.Close()
		_ = f.Close()
	}, nil
}

// loadImageFile parses a gzipped IDX3 images file.
func loadImageFile(filePath string) ([]Image, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("%q is not an IDX images file: magic number 0x%08x, wanted 0x%08x",
			filePath, header.Magic, imageMagic)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q holds images of %dx%d, only %dx%d is supported",
			filePath, header.Width, header.Height, Width, Height)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("%q has invalid number of images %d", filePath, header.NumImages)
	}

	images := make([]Image, 0, min(int(header.NumImages), maxPrealloc))
	for ii := 0; ii < int(header.NumImages); ii++ {
		var img Image
		if _, err = io.ReadFull(reader, img[:]); err != nil {
			return nil, errors.Wrapf(err, "%q truncated: failed reading image #%d of %d", filePath, ii, header.NumImages)
		}
		images = append(images, img)
	}
	return images, nil
}

// loadLabelFile parses a gzipped IDX1 labels file.
func loadLabelFile(filePath string) ([]Label, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not an IDX labels file: magic number 0x%08x, wanted 0x%08x",
			filePath, header.Magic, labelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("%q has invalid number of labels %d", filePath, header.NumLabels)
	}
	labels, err := io.ReadAll(io.LimitReader(reader, int64(header.NumLabels)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading labels of %q", filePath)
	}
	if len(labels) != int(header.NumLabels) {
		return nil, errors.Errorf("%q truncated: read %d of %d labels", filePath, len(labels), header.NumLabels)
	}
	for ii, label := range labels {
		if int(label) >= NumClasses {
			return nil, errors.Errorf("%q: label #%d is %d, but there are only %d classes",
				filePath, ii, label, NumClasses)
		}
	}
	return labels, nil
}
