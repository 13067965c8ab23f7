// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fcmodel

import (
	"bytes"
	"math"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitecture(t *testing.T) {
	ctx := CreateDefaultContext()
	arch, err := ArchitectureFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 784, arch.InputSize)
	assert.Equal(t, 10, arch.OutputSize)
	assert.Equal(t, []int{512, 256, 128}, arch.HiddenLayers)
	assert.Equal(t, 0.5, arch.DropoutRate)
	assert.Equal(t, 784*512+512+512*256+256+256*128+128+128*10+10, arch.NumParameters())

	params := arch.Parameters()
	require.Len(t, params, 8)
	assert.Equal(t, "/model/hidden_0/weights", params[0].Key())
	assert.Equal(t, []int{784, 512}, params[0].Shape.Dimensions)
	assert.Equal(t, "/model/hidden_2/biases", params[5].Key())
	assert.Equal(t, []int{128}, params[5].Shape.Dimensions)
	assert.Equal(t, "/model/output/weights", params[6].Key())
	assert.Equal(t, []int{128, 10}, params[6].Shape.Dimensions)

	summary := arch.String()
	assert.Contains(t, summary, "(hidden_1): Linear(in_features=512, out_features=256) -> ReLU -> Dropout(p=0.5)")
	assert.Contains(t, summary, "(output): Linear(in_features=128, out_features=10) -> LogSoftmax")
	assert.Contains(t, summary, "567,434 parameters")

	// Architecture in a fresh context.
	other := context.New()
	_, err = ArchitectureFromContext(other)
	require.Error(t, err)
	arch.SetInContext(other)
	arch2, err := ArchitectureFromContext(other)
	require.NoError(t, err)
	assert.True(t, arch.Equal(arch2))

	// Changing the slice in the context doesn't change arch.
	arch2.HiddenLayers[0] = 1
	assert.Equal(t, 512, arch.HiddenLayers[0])
	assert.False(t, arch.Equal(arch2))
}

func TestArchitectureValidate(t *testing.T) {
	for name, arch := range map[string]Architecture{
		"input":   {InputSize: 0, OutputSize: 10, HiddenLayers: []int{4}},
		"output":  {InputSize: 4, OutputSize: -1, HiddenLayers: []int{4}},
		"hidden":  {InputSize: 4, OutputSize: 10},
		"width":   {InputSize: 4, OutputSize: 10, HiddenLayers: []int{4, 0}},
		"dropout": {InputSize: 4, OutputSize: 10, HiddenLayers: []int{4}, DropoutRate: 1},
	} {
		assert.Error(t, arch.Validate(), "invalid %s should fail", name)
	}
	_, err := NewArchitecture(784, 10, []int{400, 200, 100}, 0.2)
	require.NoError(t, err)
}

func TestNLLLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(logProbs, labels *Node) *Node {
		return NLLLoss([]*Node{labels}, []*Node{logProbs})
	})
	logProbs := [][]float32{
		{float32(math.Log(0.5)), float32(math.Log(0.25)), float32(math.Log(0.25))},
		{float32(math.Log(0.1)), float32(math.Log(0.1)), float32(math.Log(0.8))},
	}
	labels := [][]int32{{0}, {2}}
	loss, err := exec.Exec1(logProbs, labels)
	require.NoError(t, err)
	want := -(math.Log(0.5) + math.Log(0.8)) / 2
	assert.InDelta(t, want, tensors.ToScalar[float32](loss), 1e-5)
}

func smallArchitecture() Architecture {
	return Architecture{InputSize: 4, OutputSize: 2, HiddenLayers: []int{8, 6}, DropoutRate: 0.25}
}

func TestPredictor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	arch := smallArchitecture()
	ctx, err := New(backend, arch)
	require.NoError(t, err)
	var numModelParams int
	for v := range ctx.In(ModelScope).IterVariablesInScope() {
		numModelParams += v.Shape().Size()
	}
	assert.Equal(t, arch.NumParameters(), numModelParams)
	assert.True(t, arch.HasVariables(ctx))

	predictor, err := NewPredictor(backend, ctx)
	require.NoError(t, err)
	images := tensors.FromValue([][][][]float32{
		{{{0.1}, {-0.3}}, {{0.7}, {1}}},
		{{{-1}, {0}}, {{0.2}, {0.5}}},
		{{{0}, {0}}, {{0}, {0}}},
	})
	probs, err := predictor.Probabilities(images)
	require.NoError(t, err)
	require.Len(t, probs, 3)
	for _, row := range probs {
		require.Len(t, row, arch.OutputSize)
		var sum float64
		for _, p := range row {
			assert.True(t, p >= 0 && p <= 1)
			sum += float64(p)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Inference is deterministic: dropout is disabled.
	probs2, err := predictor.Probabilities(images)
	require.NoError(t, err)
	assert.Equal(t, probs, probs2)

	// Wrong input size.
	_, err = predictor.Probabilities(tensors.FromValue([][]float32{{1, 2, 3}}))
	require.ErrorContains(t, err, "input_size=4")
}

func TestPredictorWithoutVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	smallArchitecture().SetInContext(ctx)
	predictor, err := NewPredictor(backend, ctx)
	require.NoError(t, err)
	_, err = predictor.Probabilities(tensors.FromValue([][]float32{{1, 2, 3, 4}}))
	require.Error(t, err)
}

// separableData returns n examples of 4 features where the label is 1 if the first feature is positive.
func separableData(n int) (inputs [][]float32, labels [][]int32) {
	inputs = make([][]float32, n)
	labels = make([][]int32, n)
	for ii := range n {
		sign := float32(1 - 2*(ii%2))
		inputs[ii] = []float32{sign * (0.5 + float32(ii%5)/10), float32(ii%3) / 3, -0.2, 0.1}
		labels[ii] = []int32{int32(1 - ii%2)}
	}
	return
}

func TestTrain(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"num_epochs":                 5,
		"print_every":                5,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.01,
	})
	Architecture{InputSize: 4, OutputSize: 2, HiddenLayers: []int{16}, DropoutRate: 0.1}.SetInContext(ctx)

	inputs, labels := separableData(40)
	trainDS, err := datasets.InMemoryFromData(backend, "train", []any{inputs}, []any{labels})
	require.NoError(t, err)
	trainDS.BatchSize(8, false)
	testDS := trainDS.Copy().SetName("test").BatchSize(8, false)

	var out bytes.Buffer
	history, err := Train(backend, ctx, trainDS, testDS, TrainOptions{Out: &out})
	require.NoError(t, err)

	// 5 steps per epoch, one report every 5 steps.
	require.Len(t, history.Points, 5)
	for ii, point := range history.Points {
		assert.Equal(t, ii+1, point.Epoch)
		assert.Equal(t, 5*(ii+1), point.Step)
		assert.False(t, math.IsNaN(point.TrainLoss))
		assert.False(t, math.IsNaN(point.TestLoss))
		assert.True(t, point.TestAccuracy >= 0 && point.TestAccuracy <= 1)
	}
	assert.Equal(t, 5, history.NumEpochs)
	assert.Equal(t, history.Points[4], history.Last())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "Epoch: 1/5.. Training Loss: "))
	assert.Contains(t, lines[4], "Test Accuracy: ")
	assert.NotEmpty(t, context.GetParamOr(ctx, "run_id", ""))
	assert.Equal(t, int64(25), optimizers.GetGlobalStep(ctx.In(ModelScope)))

	// The trained model can be used for inference.
	predictor, err := NewPredictor(backend, ctx)
	require.NoError(t, err)
	probs, err := predictor.Probabilities(tensors.FromValue(inputs[:2]))
	require.NoError(t, err)
	require.Len(t, probs, 2)

	// Continuing training reuses the variables.
	ctx.SetParam("num_epochs", 1)
	history, err = Train(backend, ctx, trainDS, testDS, TrainOptions{Out: &out})
	require.NoError(t, err)
	require.Len(t, history.Points, 1)
	assert.Equal(t, int64(30), optimizers.GetGlobalStep(ctx.In(ModelScope)))
}

func TestBatchLossMetricIndex(t *testing.T) {
	ctx := context.New()
	Architecture{InputSize: 4, OutputSize: 2, HiddenLayers: []int{3}}.SetInContext(ctx)
	trainer, err := NewTrainer(graphtest.BuildTestBackend(), ctx)
	require.NoError(t, err)
	idx, err := batchLossMetricIndex(trainer)
	require.NoError(t, err)
	assert.Equal(t, metrics.LossMetricType, trainer.TrainMetrics()[idx].MetricType())
	for _, metric := range trainer.TrainMetrics()[:idx] {
		assert.NotEqual(t, metrics.LossMetricType, metric.MetricType())
	}
}
