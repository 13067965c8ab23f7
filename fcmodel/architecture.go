// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fcmodel implements a fully-connected ("feed-forward") classifier with GoMLX: a stack of
// hidden dense layers with ReLU and dropout, followed by an output layer with log-softmax.
//
// The architecture is stored in the context hyperparameters, so it is saved along with the
// checkpoints and a model can be rebuilt from a checkpoint alone.
package fcmodel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

const (
	// ParamInputSize is the context hyperparameter with the flattened input size.
	ParamInputSize = "input_size"

	// ParamOutputSize is the context hyperparameter with the number of classes.
	ParamOutputSize = "output_size"

	// ParamHiddenLayers is the context hyperparameter with the widths of the hidden layers, a []int.
	ParamHiddenLayers = "hidden_layers"

	// ParamDropoutRate applied after each hidden layer during training.
	ParamDropoutRate = layers.ParamDropoutRate

	// ModelScope is the context scope under which all the model variables are created.
	ModelScope = "model"

	// OutputLayerScope is the scope (under ModelScope) of the output layer.
	OutputLayerScope = "output"

	weightsName = "weights"
	biasesName  = "biases"
)

// DType of the model parameters.
var DType = dtypes.Float32

// Architecture describes the network: it is all that is needed to recreate a model with
// the same parameter shapes.
type Architecture struct {
	InputSize    int
	OutputSize   int
	HiddenLayers []int
	DropoutRate  float64
}

// NewArchitecture creates and validates an Architecture.
func NewArchitecture(inputSize, outputSize int, hiddenLayers []int, dropoutRate float64) (Architecture, error) {
	arch := Architecture{
		InputSize:    inputSize,
		OutputSize:   outputSize,
		HiddenLayers: slices.Clone(hiddenLayers),
		DropoutRate:  dropoutRate,
	}
	return arch, arch.Validate()
}

// Validate checks that sizes are positive, there is at least one hidden layer and the
// dropout rate is in [0, 1).
func (a Architecture) Validate() error {
	if a.InputSize <= 0 {
		return errors.Errorf("invalid input size %d, it must be > 0", a.InputSize)
	}
	if a.OutputSize <= 0 {
		return errors.Errorf("invalid output size %d, it must be > 0", a.OutputSize)
	}
	if len(a.HiddenLayers) == 0 {
		return errors.New("at least one hidden layer is required")
	}
	for ii, width := range a.HiddenLayers {
		if width <= 0 {
			return errors.Errorf("invalid width %d for hidden layer #%d, it must be > 0", width, ii)
		}
	}
	if a.DropoutRate < 0 || a.DropoutRate >= 1 {
		return errors.Errorf("invalid dropout rate %g, it must be in [0, 1)", a.DropoutRate)
	}
	return nil
}

// Equal returns whether both architectures have the same layer sizes. The dropout rate is
// ignored since it doesn't change any parameter shape.
func (a Architecture) Equal(other Architecture) bool {
	return a.InputSize == other.InputSize && a.OutputSize == other.OutputSize &&
		slices.Equal(a.HiddenLayers, other.HiddenLayers)
}

// ArchitectureFromContext reads the architecture from the context hyperparameters.
func ArchitectureFromContext(ctx *context.Context) (Architecture, error) {
	hidden, found := ctx.GetParam(ParamHiddenLayers)
	if !found {
		return Architecture{}, errors.Errorf("context hyperparameter %q not set", ParamHiddenLayers)
	}
	arch := Architecture{
		InputSize:   context.GetParamOr(ctx, ParamInputSize, 0),
		OutputSize:  context.GetParamOr(ctx, ParamOutputSize, 0),
		DropoutRate: context.GetParamOr(ctx, ParamDropoutRate, 0.0),
	}
	switch h := hidden.(type) {
	case []int:
		arch.HiddenLayers = slices.Clone(h)
	case int:
		arch.HiddenLayers = []int{h}
	default:
		return Architecture{}, errors.Errorf("context hyperparameter %q must be a []int, got %T", ParamHiddenLayers, hidden)
	}
	if err := arch.Validate(); err != nil {
		return Architecture{}, errors.WithMessage(err, "invalid architecture in context")
	}
	return arch, nil
}

// SetInContext stores the architecture in the context hyperparameters.
func (a Architecture) SetInContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamInputSize:    a.InputSize,
		ParamOutputSize:   a.OutputSize,
		ParamHiddenLayers: slices.Clone(a.HiddenLayers),
		ParamDropoutRate:  a.DropoutRate,
	})
}

// HiddenLayerScope is the scope (under ModelScope) of the hidden layer #i.
func HiddenLayerScope(i int) string {
	return fmt.Sprintf("hidden_%d", i)
}

// ParameterSpec is the absolute scope, name and shape of one model variable.
type ParameterSpec struct {
	Scope, Name string
	Shape       shapes.Shape
}

// Key is the absolute "scope/name" of the variable, as in context.Variable.ScopeAndName.
func (p ParameterSpec) Key() string {
	return context.JoinScope(p.Scope, p.Name)
}

// Parameters lists, in layer order, the variables a model with this architecture holds.
func (a Architecture) Parameters() []ParameterSpec {
	specs := make([]ParameterSpec, 0, 2*(len(a.HiddenLayers)+1))
	addLayer := func(scope string, in, out int) {
		absScope := context.RootScope + ModelScope + context.ScopeSeparator + scope
		specs = append(specs,
			ParameterSpec{Scope: absScope, Name: weightsName, Shape: shapes.Make(DType, in, out)},
			ParameterSpec{Scope: absScope, Name: biasesName, Shape: shapes.Make(DType, out)})
	}
	in := a.InputSize
	for ii, width := range a.HiddenLayers {
		addLayer(HiddenLayerScope(ii), in, width)
		in = width
	}
	addLayer(OutputLayerScope, in, a.OutputSize)
	return specs
}

// NumParameters is the total number of scalar values in the model variables.
func (a Architecture) NumParameters() int {
	total := 0
	for _, p := range a.Parameters() {
		total += p.Shape.Size()
	}
	return total
}

// String prints the layer stack, one layer per line.
func (a Architecture) String() string {
	var sb strings.Builder
	sb.WriteString("Network(\n")
	in := a.InputSize
	for ii, width := range a.HiddenLayers {
		_, _ = fmt.Fprintf(&sb, "  (%s): Linear(in_features=%d, out_features=%d) -> ReLU", HiddenLayerScope(ii), in, width)
		if a.DropoutRate > 0 {
			_, _ = fmt.Fprintf(&sb, " -> Dropout(p=%g)", a.DropoutRate)
		}
		sb.WriteString("\n")
		in = width
	}
	_, _ = fmt.Fprintf(&sb, "  (%s): Linear(in_features=%d, out_features=%d) -> LogSoftmax\n", OutputLayerScope, in, a.OutputSize)
	_, _ = fmt.Fprintf(&sb, ")  # %s parameters", humanize.Comma(int64(a.NumParameters())))
	return sb.String()
}
