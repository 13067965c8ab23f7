// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fcmodel

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamsExcludedFromSaving are hyperparameters that shouldn't be saved along with the checkpoints,
// and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", "num_epochs", "num_checkpoints", "plots", "max_train_examples", "max_test_examples",
}

// HistoryPoint is one validation report during training.
type HistoryPoint struct {
	Epoch        int
	Step         int
	TrainLoss    float64
	TestLoss     float64
	TestAccuracy float64
}

// String formats the point as the training report line.
func (p HistoryPoint) String() string {
	return fmt.Sprintf("Training Loss: %.3f.. Test Loss: %.3f.. Test Accuracy: %.3f",
		p.TrainLoss, p.TestLoss, p.TestAccuracy)
}

// History of the validation reports of a training session.
type History struct {
	NumEpochs int
	Points    []HistoryPoint
}

// Last point of the history, or a zero point if it is empty.
func (h *History) Last() HistoryPoint {
	if len(h.Points) == 0 {
		return HistoryPoint{}
	}
	return h.Points[len(h.Points)-1]
}

// TrainOptions configure Train. The zero value is valid: no checkpoints, no progress bar, reports
// printed to stdout.
type TrainOptions struct {
	// Checkpoint, if not nil, is saved periodically and at the end of training.
	Checkpoint *checkpoints.Handler

	// CheckpointPeriod between checkpoint saves. Defaults to 1 minute.
	CheckpointPeriod time.Duration

	// ProgressBar attaches a command-line progress bar to the training loop.
	ProgressBar bool

	// TrainEvalDS is optionally used for plots.
	TrainEvalDS train.Dataset

	// Out is where the validation reports are written. Defaults to os.Stdout; set to io.Discard to silence.
	Out io.Writer
}

// NewTrainer creates the train.Trainer for the model: NLL loss, the optimizer configured in the
// context, and the accuracy metrics. ctx must be the root context, the model is created under ModelScope.
func NewTrainer(backend backends.Backend, ctx *context.Context) (*train.Trainer, error) {
	arch, err := ArchitectureFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx = ctx.In(ModelScope)
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(backend, ctx, ModelGraph,
		NLLLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	if arch.HasVariables(ctx) || optimizers.GetGlobalStep(ctx) > 0 {
		// Variables were already created, e.g. loaded from a checkpoint.
		trainer.SetContext(ctx.Reuse())
	}
	return trainer, nil
}

// metricValue converts a scalar metric tensor to float64.
func metricValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return math.NaN()
}

// Validation evaluates the trainer's model on ds, with dropout disabled, and returns the mean
// loss and accuracy. ds is reset at the end.
func Validation(trainer *train.Trainer, ds train.Dataset) (loss, accuracy float64, err error) {
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "evaluating on %q", ds.Name())
	}
	loss, accuracy = math.NaN(), math.NaN()
	for ii, metric := range trainer.EvalMetrics() {
		switch metric.MetricType() {
		case metrics.LossMetricType:
			loss = metricValue(values[ii])
		case metrics.AccuracyMetricType:
			accuracy = metricValue(values[ii])
		}
	}
	for _, v := range values {
		v.MustFinalizeAll()
	}
	return loss, accuracy, nil
}

// Train trains the model in ctx for "num_epochs" epochs over trainDS. Every "print_every" steps it
// evaluates on testDS and reports the average training loss since the last report, the test loss
// and the test accuracy.
//
// If the context holds a model already trained (its global step is > 0), training continues from there.
func Train(backend backends.Backend, ctx *context.Context, trainDS, testDS train.Dataset, opts TrainOptions) (*History, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if context.GetParamOr(ctx, "run_id", "") == "" {
		ctx.SetParam("run_id", uuid.NewString())
	}
	trainer, err := NewTrainer(backend, ctx)
	if err != nil {
		return nil, err
	}
	numEpochs := context.GetParamOr(ctx, "num_epochs", 1)
	printEvery := context.GetParamOr(ctx, "print_every", 40)
	if numEpochs <= 0 || printEvery <= 0 {
		return nil, errors.Errorf("num_epochs (%d) and print_every (%d) must be > 0", numEpochs, printEvery)
	}

	loop := train.NewLoop(trainer)
	if opts.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	batchLossIdx, err := batchLossMetricIndex(trainer)
	if err != nil {
		return nil, err
	}

	history := &History{NumEpochs: numEpochs}
	var runningLoss float64
	var runningSteps int
	loop.OnStep("accumulate training loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		runningLoss += metricValue(metrics[batchLossIdx])
		runningSteps++
		return nil
	})
	report := func(epoch, step int) error {
		if runningSteps == 0 {
			return nil
		}
		testLoss, testAccuracy, err := Validation(trainer, testDS)
		if err != nil {
			return err
		}
		point := HistoryPoint{
			Epoch:        epoch + 1,
			Step:         step,
			TrainLoss:    runningLoss / float64(runningSteps),
			TestLoss:     testLoss,
			TestAccuracy: testAccuracy,
		}
		history.Points = append(history.Points, point)
		_, _ = fmt.Fprintf(out, "Epoch: %d/%d.. %s\n", point.Epoch, numEpochs, point)
		runningLoss, runningSteps = 0, 0
		return nil
	}
	train.EveryNSteps(loop, printEvery, "validation report", 10,
		func(loop *train.Loop, _ []*tensors.Tensor) error { return report(loop.Epoch, loop.LoopStep+1) })
	loop.OnEnd("final validation report", 10, func(loop *train.Loop, _ []*tensors.Tensor) error {
		// Epoch is past the last one when the loop ends.
		return report(min(loop.Epoch, numEpochs-1), loop.LoopStep)
	})

	if opts.Checkpoint != nil {
		period := opts.CheckpointPeriod
		if period <= 0 {
			period = time.Minute
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return opts.Checkpoint.Save()
			})
	}

	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotDatasets := []train.Dataset{testDS}
		if opts.TrainEvalDS != nil {
			plotDatasets = append([]train.Dataset{opts.TrainEvalDS}, plotDatasets...)
		}
		_ = plotly.New().
			WithCheckpoint(opts.Checkpoint).
			Dynamic().
			WithDatasets(plotDatasets...).
			ScheduleExponential(loop, 200, 1.2)
	}

	klog.V(1).Infof("training for %d epochs, starting at global step %d", numEpochs, optimizers.GetGlobalStep(ctx.In(ModelScope)))
	if _, err = loop.RunEpochs(trainDS, numEpochs); err != nil {
		return history, errors.WithMessage(err, "training failed")
	}
	klog.V(1).Infof("[Step %d] median train step: %d microseconds",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	return history, nil
}

// batchLossMetricIndex returns the index of the loss of the last training batch in the trainer's
// training metrics: the first metric of loss type.
func batchLossMetricIndex(trainer *train.Trainer) (int, error) {
	for ii, metric := range trainer.TrainMetrics() {
		if metric.MetricType() == metrics.LossMetricType {
			return ii, nil
		}
	}
	return -1, errors.New("trainer has no training loss metric")
}
