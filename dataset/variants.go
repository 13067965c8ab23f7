// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset downloads, parses and serves the Fashion-MNIST (and the original MNIST) image
// datasets, as gzipped IDX files, to GoMLX training loops.
package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// Width and Height of every image, in pixels.
	Width  = 28
	Height = 28

	// NumPixels is the flattened size of one image, the input size of the classifier.
	NumPixels = Width * Height

	// NumClasses in both Fashion-MNIST and MNIST.
	NumClasses = 10

	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"
)

// Variant of the dataset: the file layout is the same, only the source and the class names differ.
type Variant int

const (
	FashionMNIST Variant = iota
	MNIST
)

var variantNames = []string{"fashion", "mnist"}

// String implements fmt.Stringer. The names are the ones accepted by ParseVariant.
func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

// ParseVariant converts a name ("fashion" or "mnist") to a Variant.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(name) {
	case "fashion", "fashion-mnist", "fashionmnist":
		return FashionMNIST, nil
	case "mnist", "digits":
		return MNIST, nil
	}
	return 0, errors.Errorf("unknown dataset variant %q, valid values are %q", name, variantNames)
}

// BaseURL from where the four IDX files are downloaded.
func (v Variant) BaseURL() string {
	if v == MNIST {
		return "https://storage.googleapis.com/cvdf-datasets/mnist"
	}
	return "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com"
}

// SubDir is the subdirectory of the data directory where the variant files are stored.
func (v Variant) SubDir() string {
	if v == MNIST {
		return "MNIST"
	}
	return "F_MNIST_data"
}

var (
	fashionClassNames = []string{
		"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
		"Sandal", "Shirt", "Sneaker", "Bag", "Ankle Boot",
	}
	digitClassNames = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
)

// ClassNames returns the human-readable names of the classes, indexed by label.
func (v Variant) ClassNames() []string {
	if v == MNIST {
		return digitClassNames
	}
	return fashionClassNames
}

// ClassName returns the name of the given label, or a "#<label>" placeholder if out of range.
func (v Variant) ClassName(label Label) string {
	names := v.ClassNames()
	if int(label) >= len(names) {
		return fmt.Sprintf("#%d", label)
	}
	return names[label]
}

// Split selects the train or the test files.
type Split int

const (
	Train Split = iota
	Test
)

// String implements fmt.Stringer.
func (s Split) String() string {
	if s == Test {
		return "test"
	}
	return "train"
}

// files returns the images and labels file names of the split.
func (s Split) files() (images, labels string) {
	if s == Test {
		return testImagesFilename, testLabelsFilename
	}
	return trainImagesFilename, trainLabelsFilename
}
