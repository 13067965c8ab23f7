// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fcmodel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor runs inference (dropout disabled) on a model whose variables are already in the context.
type Predictor struct {
	arch Architecture
	exec *context.Exec
}

// NewPredictor creates a Predictor for the model in ctx, the root context with the architecture
// hyperparameters and the model variables.
func NewPredictor(backend backends.Backend, ctx *context.Context) (*Predictor, error) {
	arch, err := ArchitectureFromContext(ctx)
	if err != nil {
		return nil, err
	}
	modelCtx := ctx.In(ModelScope).Reuse()
	exec, err := context.NewExec(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		logProbs := ModelGraph(ctx, nil, []*Node{images})[0]
		return Exp(logProbs)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating model executor")
	}
	return &Predictor{arch: arch, exec: exec}, nil
}

// Architecture of the model.
func (p *Predictor) Architecture() Architecture { return p.arch }

// Probabilities of each class for a batch of images, shaped [batch_size, ...] with the flattened size
// of each example equal to the architecture input size. The result is shaped [batch_size, output_size].
func (p *Predictor) Probabilities(images *tensors.Tensor) (probs [][]float32, err error) {
	var output *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		output = p.exec.MustExec1(images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "running the model")
	}
	defer output.MustFinalizeAll()
	flat := tensors.MustCopyFlatData[float32](output)
	batchSize := output.Shape().Dimensions[0]
	probs = make([][]float32, batchSize)
	for ii := range probs {
		probs[ii] = flat[ii*p.arch.OutputSize : (ii+1)*p.arch.OutputSize]
	}
	return probs, nil
}
