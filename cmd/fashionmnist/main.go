// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fashionmnist trains a fully-connected classifier on Fashion-MNIST (or MNIST), and saves and
// restores it from checkpoints.
//
//  1. With `fashionmnist -download -train=false`: it simply downloads the dataset.
//  2. With `fashionmnist -train -save=~/work/fashionmnist/model`: trains the model and saves a checkpoint.
//  3. With `fashionmnist -train=false -load=~/work/fashionmnist/model -eval -view=5`: restores the model,
//     evaluates it and shows the classification of 5 random test images.
//  4. With `fashionmnist -mismatch`: shows the error when restoring a checkpoint into a model with
//     different hidden layers.
//
// Hyperparameters can be changed with -set, e.g. `-set="num_epochs=5;hidden_layers=400,200,100"`.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fashionmnist/checkpoint"
	"github.com/gomlx/fashionmnist/classifier"
	"github.com/gomlx/fashionmnist/dataset"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/gomlx/fashionmnist/viz"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir  = flag.String("data", "~/work/fashionmnist", "Directory to cache downloaded dataset files.")
	flagVariant  = flag.String("variant", "fashion", `Dataset variant: "fashion" for Fashion-MNIST or "mnist" for the hand-written digits.`)
	flagDownload = flag.Bool("download", true, "Download the dataset files if not yet present.")
	flagTrain    = flag.Bool("train", true, "Train the model.")
	flagEval     = flag.Bool("eval", true, "Evaluate the model on the test split in the end.")

	// Checkpoints.
	flagCheckpoint = flag.String("checkpoint", "",
		"Training directory (relative to -data if not absolute) where to periodically save the full training state, "+
			"and from where to continue training. If empty, no training checkpoints are saved.")
	flagSave = flag.String("save", "", "Save the trained model (architecture and parameters only) to this directory.")
	flagLoad = flag.String("load", "", "Restore the model (architecture and parameters) from this directory before training or evaluating.")
	flagNpz  = flag.String("npz", "", "Export the model parameters to this NumPy .npz file.")

	// Outputs.
	flagView       = flag.Int("view", 0, "Number of random test images to classify and display.")
	flagViewPNG    = flag.String("view_png", "", "If set, directory where to write the images of the -view classifications.")
	flagHistoryDir = flag.String("history_dir", "", "If set, directory where to write the training history as CSV, SVG and HTML.")
	flagMismatch   = flag.Bool("mismatch", false,
		"Demonstrates restoring a checkpoint into a model with a different architecture, which fails.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	// Flags with context settings.
	ctx := fcmodel.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() { run(ctx, *settings) })
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

func run(ctx *context.Context, settings string) {
	logHost()
	variant := must.M1(dataset.ParseVariant(*flagVariant))
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	must.M(os.MkdirAll(dataDir, 0777))
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, settings))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	if *flagMismatch {
		demonstrateMismatch(backend)
		return
	}

	needsData := *flagTrain || *flagEval || *flagView > 0
	if *flagDownload && needsData {
		must.M(dataset.Download(variant, dataDir, *flagVerbosity >= 1))
		klog.V(1).Infof("dataset %s available in %q", variant, dataDir)
	}

	hasModel := false
	if *flagLoad != "" {
		restore(ctx, fsutil.MustReplaceTildeInDir(*flagLoad))
		hasModel = true
	}

	var history *fcmodel.History
	if *flagTrain {
		history = trainModel(backend, ctx, variant, dataDir)
		hasModel = true
	} else if !hasModel && *flagCheckpoint != "" {
		// Use the latest training checkpoint.
		restore(ctx, checkpointDir(dataDir))
		hasModel = true
	}
	if !hasModel {
		if needsData || *flagSave != "" || *flagNpz != "" {
			exceptions.Panicf("no model to use: set -train, -load or -checkpoint")
		}
		return
	}

	if history != nil && *flagHistoryDir != "" {
		writeHistory(history, fsutil.MustReplaceTildeInDir(*flagHistoryDir))
	}
	if *flagSave != "" || *flagNpz != "" {
		c := must.M1(checkpoint.FromContext(ctx))
		if *flagSave != "" {
			saveDir := fsutil.MustReplaceTildeInDir(*flagSave)
			must.M(c.Save(saveDir))
			fmt.Printf("Model saved to %q (%s parameters)\n", saveDir, humanize.Comma(int64(c.NumParameters())))
		}
		if *flagNpz != "" {
			npzPath := fsutil.MustReplaceTildeInDir(*flagNpz)
			must.M(c.ExportNpz(npzPath))
			fmt.Printf("Parameters exported to %q\n", npzPath)
		}
	}

	if !*flagEval && *flagView <= 0 {
		return
	}
	testExamples := must.M1(dataset.LoadExamples(variant, dataDir, dataset.Test))
	if *flagEval {
		evaluate(backend, ctx, testExamples)
	}
	if *flagView > 0 {
		view(backend, ctx, testExamples)
	}
}

// logHost logs the CPU the program is running on.
func logHost() {
	klog.V(1).Infof("CPU: %s, %d physical cores (%d logical), AVX2=%v, AVX512F=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}

func checkpointDir(dataDir string) string {
	dir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(dataDir, dir)
	}
	return dir
}

// restore the model saved in dir into ctx, replacing the architecture hyperparameters.
func restore(ctx *context.Context, dir string) {
	c := must.M1(checkpoint.Load(dir))
	if *flagVerbosity >= 1 {
		fmt.Printf("Restoring model from %q:\n%s\n", dir, c.Summary())
	}
	c.Architecture().SetInContext(ctx)
	must.M(c.Restore(ctx))
}

func trainModel(backend backends.Backend, ctx *context.Context, variant dataset.Variant, dataDir string) *fcmodel.History {
	config := dataset.ConfigFromContext(ctx, variant, dataDir)
	trainDS, trainEvalDS, testEvalDS := must.M3(dataset.CreateDatasets(backend, config))

	var opts fcmodel.TrainOptions
	opts.ProgressBar = *flagVerbosity >= 1
	opts.TrainEvalDS = trainEvalDS
	if *flagCheckpoint != "" {
		numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
		opts.Checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(*flagCheckpoint, dataDir).
			Keep(numCheckpoints).
			ExcludeParams(fcmodel.ParamsExcludedFromSaving...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", opts.Checkpoint.Dir())
	}

	arch := must.M1(fcmodel.ArchitectureFromContext(ctx))
	if *flagVerbosity >= 1 {
		fmt.Println(arch)
	}
	start := time.Now()
	history := must.M1(fcmodel.Train(backend, ctx, trainDS, testEvalDS, opts))
	if opts.Checkpoint != nil {
		must.M(opts.Checkpoint.Save())
	}
	fmt.Printf("Training of %d epochs took %s\n", history.NumEpochs, time.Since(start).Round(time.Millisecond))
	if *flagVerbosity >= 1 && len(history.Points) > 0 {
		fmt.Println(viz.NewTerminal(os.Stdout).HistoryTable(history))
	}
	if viz.IsNotebook() && len(history.Points) > 0 {
		must.M(viz.DisplayHistory(history, false))
	}
	return history
}

func writeHistory(history *fcmodel.History, dir string) {
	if len(history.Points) == 0 {
		klog.Warningf("no validation reports in the training history, nothing written to %q", dir)
		return
	}
	must.M(os.MkdirAll(dir, 0777))
	csvPath := filepath.Join(dir, "history.csv")
	f := must.M1(os.Create(csvPath))
	must.M(viz.WriteHistoryCSV(f, history))
	must.M(f.Close())

	svgPath := filepath.Join(dir, "loss.svg")
	svg := must.M1(viz.HistorySVG(history, 1024, 400))
	must.M(os.WriteFile(svgPath, []byte(svg), 0666))

	htmlPath := filepath.Join(dir, "history.html")
	f = must.M1(os.Create(htmlPath))
	must.M(viz.HistoryHTML(f, "Training history", history))
	must.M(f.Close())
	fmt.Printf("Training history written to %q, %q and %q\n", csvPath, svgPath, htmlPath)
}

func evaluate(backend backends.Backend, ctx *context.Context, examples *dataset.Examples) {
	config := dataset.ConfigFromContext(ctx, examples.Variant, "")
	testEvalDS := must.M1(dataset.NewDataset(backend, "Test", examples, config.DType))
	testEvalDS.BatchSize(config.EvalBatchSize, false)
	trainer := must.M1(fcmodel.NewTrainer(backend, ctx))
	loss, accuracy := must.M2(fcmodel.Validation(trainer, testEvalDS))
	fmt.Printf("Test Loss: %.3f.. Test Accuracy: %.2f%%\n", loss, 100*accuracy)
}

func view(backend backends.Backend, ctx *context.Context, examples *dataset.Examples) {
	c := must.M1(classifier.NewFromContext(backend, ctx))
	c.WithVariant(examples.Variant)
	sample := examples.Sample(*flagView, rand.New(rand.NewSource(time.Now().UnixNano())))
	predictions := must.M1(c.ClassifyBatch(sample.GoImages()))
	term := viz.NewTerminal(os.Stdout)
	var pngDir string
	if *flagViewPNG != "" {
		pngDir = fsutil.MustReplaceTildeInDir(*flagViewPNG)
		must.M(os.MkdirAll(pngDir, 0777))
	}
	for ii, prediction := range predictions {
		label := sample.Labels[ii]
		fmt.Printf("\nImage #%d: label %q, predicted %q\n", ii, examples.Variant.ClassName(label), prediction.Name)
		fmt.Println(term.Render(prediction.Image, prediction.Probabilities, prediction.ClassNames()))
		if pngDir != "" || viz.IsNotebook() {
			png := must.M1(viz.ViewClassify(prediction.Image, prediction.Probabilities, prediction.ClassNames()))
			if pngDir != "" {
				must.M(os.WriteFile(filepath.Join(pngDir, fmt.Sprintf("view_%03d.png", ii)), png, 0666))
			}
			if viz.IsNotebook() {
				must.M(viz.DisplayPNG(png))
			}
		}
	}
}

// demonstrateMismatch saves a model with hidden layers [400, 200, 100] and tries to restore it into
// the default model, with hidden layers [512, 256, 128].
func demonstrateMismatch(backend backends.Backend) {
	trained := must.M1(fcmodel.NewArchitecture(dataset.NumPixels, dataset.NumClasses, []int{400, 200, 100}, 0.2))
	c := must.M1(checkpoint.FromContext(must.M1(fcmodel.New(backend, trained))))
	dir := must.M1(os.MkdirTemp("", "fashionmnist-mismatch-*"))
	defer func() { _ = os.RemoveAll(dir) }()
	must.M(c.Save(dir))
	loaded := must.M1(checkpoint.Load(dir))
	fmt.Printf("Saved and loaded:\n%s\n\n", loaded.Summary())

	target := must.M1(fcmodel.ArchitectureFromContext(fcmodel.CreateDefaultContext()))
	model := must.M1(fcmodel.New(backend, target))
	fmt.Printf("Restoring into:\n%s\n\n", target)
	err := loaded.Restore(model)
	if !checkpoint.IsShapeMismatch(err) {
		exceptions.Panicf("expected a shape mismatch error, got %v", err)
	}
	fmt.Printf("Restore failed, as expected:\n%v\n", err)
}
