// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fcmodel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
)

// CreateDefaultContext sets the context with default hyperparameters: a 784 -> [512, 256, 128] -> 10
// network trained with Adam for 2 epochs.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"batch_size":      64,
		"eval_batch_size": 1000,
		"num_epochs":      2,

		// print_every is the number of training steps between validation reports.
		"print_every":     40,
		"num_checkpoints": 3,

		// max_train_examples and max_test_examples, if > 0, truncate the datasets, for quick experiments.
		"max_train_examples": 0,
		"max_test_examples":  0,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: false,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
	})
	Architecture{
		InputSize:    784,
		OutputSize:   10,
		HiddenLayers: []int{512, 256, 128},
		DropoutRate:  0.5,
	}.SetInContext(ctx)
	return ctx
}

// dense is a fully connected layer with biases, with the variables "weights" and "biases" created in ctx.
func dense(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.VariableWithShape(weightsName, shapes.Make(x.DType(), inputDim, outputDim)).ValueGraph(g)
	biases := ctx.VariableWithShape(biasesName, shapes.Make(x.DType(), outputDim)).ValueGraph(g)
	return Add(MatMul(x, weights), InsertAxes(biases, 0))
}

// ModelGraph builds the network for the images in inputs[0], shaped [batch_size, ...], whose
// flattened size must match the architecture input size. It returns the log-probabilities
// of each class, shaped [batch_size, output_size].
//
// ctx is expected to be scoped under ModelScope. Dropout is only applied while training.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	arch, err := ArchitectureFromContext(ctx)
	if err != nil {
		panic(err)
	}
	g := inputs[0].Graph()
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]
	if x.Shape().Size() != batchSize*arch.InputSize {
		exceptions.Panicf("model input shaped %s has %d features per example, but the network expects input_size=%d",
			x.Shape(), x.Shape().Size()/max(batchSize, 1), arch.InputSize)
	}
	x = Reshape(x, batchSize, arch.InputSize)
	if x.DType() != DType {
		x = ConvertDType(x, DType)
	}

	for ii, width := range arch.HiddenLayers {
		layerCtx := ctx.In(HiddenLayerScope(ii))
		x = dense(layerCtx, x, width)
		x = activations.Relu(x)
		if arch.DropoutRate > 0 {
			x = layers.DropoutNormalize(layerCtx, x, Scalar(g, x.DType(), arch.DropoutRate), true)
		}
	}
	logits := dense(ctx.In(OutputLayerScope), x, arch.OutputSize)
	return []*Node{LogSoftmax(logits, -1)}
}

// NLLLoss is the negative log-likelihood loss, averaged over the batch. predictions[0] are
// log-probabilities shaped [batch_size, num_classes] and labels[0] the class indices, shaped [batch_size, 1].
func NLLLoss(labels, predictions []*Node) *Node {
	logProbs := predictions[0]
	labels0 := labels[0]
	if !labels0.DType().IsInt() {
		exceptions.Panicf("labels must be integer class indices, got %s", labels0.Shape())
	}
	batchSize := logProbs.Shape().Dimensions[0]
	if labels0.Shape().Size() != batchSize {
		exceptions.Panicf("labels shaped %s don't match predictions shaped %s", labels0.Shape(), logProbs.Shape())
	}
	numClasses := logProbs.Shape().Dimensions[logProbs.Rank()-1]
	oneHot := OneHot(Reshape(labels0, batchSize), numClasses, logProbs.DType())
	return Neg(ReduceAllMean(ReduceSum(Mul(oneHot, logProbs), -1)))
}

// CreateVariables creates (without initializing) the model variables of the architecture in ctx,
// which can be any reference to the root context.
func (a Architecture) CreateVariables(ctx *context.Context) {
	for _, p := range a.Parameters() {
		ctx.InAbsPath(p.Scope).Checked(false).VariableWithShape(p.Name, p.Shape)
	}
}

// HasVariables returns whether any of the model variables of the architecture already exists in ctx.
func (a Architecture) HasVariables(ctx *context.Context) bool {
	for _, p := range a.Parameters() {
		if ctx.GetVariableByScopeAndName(p.Scope, p.Name) != nil {
			return true
		}
	}
	return false
}

// New creates a fresh model: a root context with the architecture hyperparameters and randomly
// initialized variables.
func New(backend backends.Backend, arch Architecture) (*context.Context, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	ctx := context.New()
	arch.SetInContext(ctx)
	err := exceptions.TryCatch[error](func() { arch.CreateVariables(ctx) })
	if err != nil {
		return nil, err
	}
	if err = ctx.InitializeVariables(backend, nil); err != nil {
		return nil, errors.WithMessage(err, "initializing model variables")
	}
	return ctx, nil
}
