// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/fashionmnist/checkpoint"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemonstrateMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode: it creates the full size models")
	}
	require.NotPanics(t, func() { demonstrateMismatch(graphtest.BuildTestBackend()) })
}

func TestCheckpointDir(t *testing.T) {
	old := *flagCheckpoint
	defer func() { *flagCheckpoint = old }()

	*flagCheckpoint = "run1"
	assert.Equal(t, filepath.Join("/data", "run1"), checkpointDir("/data"))
	*flagCheckpoint = "/abs/run1"
	assert.Equal(t, "/abs/run1", checkpointDir("/data"))
}

func TestRestore(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	arch := fcmodel.Architecture{InputSize: 784, OutputSize: 10, HiddenLayers: []int{16, 8}}
	model, err := fcmodel.New(backend, arch)
	require.NoError(t, err)
	c, err := checkpoint.FromContext(model)
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, c.Save(dir))

	// Restoring replaces the default architecture, but keeps the other hyperparameters.
	ctx := fcmodel.CreateDefaultContext()
	restore(ctx, dir)
	restoredArch, err := fcmodel.ArchitectureFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, restoredArch.Equal(arch))
	assert.Equal(t, 64, context.GetParamOr(ctx, "batch_size", 0))
	restored, err := checkpoint.FromContext(ctx)
	require.NoError(t, err)
	assert.True(t, c.StateDict.Equal(restored.StateDict))
}
