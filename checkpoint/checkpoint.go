// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and restores trained fully-connected models.
//
// A Checkpoint holds the architecture metadata (input size, output size, hidden layer widths)
// and the "state dict": the value of every model parameter keyed by its absolute scope and
// name in the context (e.g. "/model/hidden_0/weights").
//
// On disk a Checkpoint is a regular GoMLX checkpoint directory (see package
// github.com/gomlx/gomlx/pkg/ml/context/checkpoints): the metadata are stored as context
// hyperparameters and the state dict as variables. So directories written during training
// can be loaded as well.
//
// Restoring requires the target model to have exactly the same architecture: any difference
// in the parameter shapes is reported as a *ShapeMismatchError.
package checkpoint

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateDict maps the absolute "scope/name" of each model parameter to its value.
type StateDict map[string]*tensors.Tensor

// Keys returns the sorted keys of the state dict.
func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// Clone returns a deep copy of the state dict, with local copies of the tensors.
func (sd StateDict) Clone() (StateDict, error) {
	clone := make(StateDict, len(sd))
	for key, t := range sd {
		c, err := t.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "cloning parameter %q", key)
		}
		clone[key] = c
	}
	return clone, nil
}

// Equal returns whether both state dicts have the same keys, shapes and values, bit for bit.
func (sd StateDict) Equal(other StateDict) bool {
	if len(sd) != len(other) {
		return false
	}
	for key, t := range sd {
		o, found := other[key]
		if !found || !t.Shape().Equal(o.Shape()) || !t.Equal(o) {
			return false
		}
	}
	return true
}

// Checkpoint of a trained model.
type Checkpoint struct {
	InputSize    int
	OutputSize   int
	HiddenLayers []int

	// DropoutRate only matters to continue training, it doesn't change the parameter shapes.
	DropoutRate float64

	StateDict StateDict
}

// New creates a Checkpoint for the architecture and state dict. The state dict is not copied.
func New(arch fcmodel.Architecture, stateDict StateDict) *Checkpoint {
	return &Checkpoint{
		InputSize:    arch.InputSize,
		OutputSize:   arch.OutputSize,
		HiddenLayers: slices.Clone(arch.HiddenLayers),
		DropoutRate:  arch.DropoutRate,
		StateDict:    stateDict,
	}
}

// Architecture described by the checkpoint metadata.
func (c *Checkpoint) Architecture() fcmodel.Architecture {
	return fcmodel.Architecture{
		InputSize:    c.InputSize,
		OutputSize:   c.OutputSize,
		HiddenLayers: slices.Clone(c.HiddenLayers),
		DropoutRate:  c.DropoutRate,
	}
}

// Validate checks that the metadata describe a valid architecture and that the state dict holds
// exactly the parameters, with the shapes, that architecture requires.
func (c *Checkpoint) Validate() error {
	arch := c.Architecture()
	if err := arch.Validate(); err != nil {
		return errors.WithMessage(err, "invalid checkpoint metadata")
	}
	if err := compareShapes(arch.Parameters(), c.StateDict); err != nil {
		return errors.WithMessage(err, "checkpoint metadata don't match its state dict")
	}
	return nil
}

// FromContext creates a Checkpoint from the model in ctx: the architecture is read from the
// context hyperparameters and the state dict from the model variables. The values are copied,
// so further training doesn't change the Checkpoint.
//
// Other variables in the context (optimizer state, global step, random number generator state)
// are not included.
func FromContext(ctx *context.Context) (*Checkpoint, error) {
	arch, err := fcmodel.ArchitectureFromContext(ctx)
	if err != nil {
		return nil, err
	}
	stateDict := make(StateDict)
	for _, p := range arch.Parameters() {
		v := ctx.GetVariableByScopeAndName(p.Scope, p.Name)
		if v == nil {
			return nil, errors.Errorf("model variable %q not found in context, was the model created?", p.Key())
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", p.Key())
		}
		stateDict[p.Key()], err = value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying variable %q", p.Key())
		}
	}
	c := New(arch, stateDict)
	return c, c.Validate()
}

// Restore loads the state dict into ctx, the context of a model constructed with the
// architecture in its hyperparameters, typically created with fcmodel.New.
//
// The architecture of the model must produce exactly the parameter shapes of the state dict:
// otherwise a *ShapeMismatchError is returned, and ctx is left unchanged.
func (c *Checkpoint) Restore(ctx *context.Context) error {
	arch, err := fcmodel.ArchitectureFromContext(ctx)
	if err != nil {
		return errors.WithMessage(err, "restoring checkpoint")
	}
	params := arch.Parameters()
	if err := compareShapes(params, c.StateDict); err != nil {
		return err
	}
	values := make([]*tensors.Tensor, len(params))
	for ii, p := range params {
		values[ii], err = c.StateDict[p.Key()].LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "copying parameter %q", p.Key())
		}
	}
	return exceptions.TryCatch[error](func() {
		for ii, p := range params {
			if v := ctx.GetVariableByScopeAndName(p.Scope, p.Name); v != nil {
				v.MustSetValue(values[ii])
				continue
			}
			ctx.InAbsPath(p.Scope).Checked(false).VariableWithValue(p.Name, values[ii])
		}
	})
}

// Rebuild creates a fresh context with the architecture of the checkpoint, with the parameters
// restored from it. The context can be used for inference (fcmodel.NewPredictor) or to
// continue training.
func Rebuild(c *Checkpoint) (*context.Context, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ctx := context.New()
	c.Architecture().SetInContext(ctx)
	if err := c.Restore(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// toContext creates a context holding only the checkpoint metadata and parameters.
func (c *Checkpoint) toContext() (*context.Context, error) {
	ctx := context.New()
	c.Architecture().SetInContext(ctx)
	if err := c.Restore(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Save writes the checkpoint into dir, replacing any previous checkpoint there.
//
// It is first written to a temporary sibling directory, which is then renamed to dir, so an
// interrupted Save never leaves a partially written checkpoint in dir.
func (c *Checkpoint) Save(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ctx, err := c.toContext()
	if err != nil {
		return err
	}
	dir = filepath.Clean(dir)
	parent, base := filepath.Split(dir)
	if parent == "" {
		parent = "."
	}
	if err := os.MkdirAll(parent, checkpoints.DirPermMode); err != nil {
		return errors.Wrapf(err, "creating directory %q", parent)
	}
	tmpDir, err := os.MkdirTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary directory for checkpoint %q", dir)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	handler, err := checkpoints.Build(ctx).Dir(tmpDir).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint handler for %q", tmpDir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint")
	}
	if err := os.Chmod(tmpDir, checkpoints.DirPermMode); err != nil {
		return errors.Wrapf(err, "setting permissions of %q", tmpDir)
	}

	// Swap the directories: the previous checkpoint is only removed once the new one is in place.
	var oldDir string
	if _, err := os.Stat(dir); err == nil {
		oldDir = filepath.Join(parent, fmt.Sprintf(".%s.old-%d", base, os.Getpid()))
		_ = os.RemoveAll(oldDir)
		if err := os.Rename(dir, oldDir); err != nil {
			return errors.Wrapf(err, "moving previous checkpoint %q out of the way", dir)
		}
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		if oldDir != "" {
			_ = os.Rename(oldDir, dir)
		}
		return errors.Wrapf(err, "renaming %q to %q", tmpDir, dir)
	}
	if oldDir != "" {
		if err := os.RemoveAll(oldDir); err != nil {
			klog.Warningf("failed to remove previous checkpoint in %q: %v", oldDir, err)
		}
	}
	klog.V(1).Infof("saved checkpoint with %d parameters to %q", len(c.StateDict), dir)
	return nil
}

// Load reads the latest checkpoint in dir. dir can also be a training directory (written by
// fcmodel.Train with a checkpoints.Handler): only the architecture and the model parameters are
// kept, the optimizer state is ignored.
func Load(dir string) (*Checkpoint, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("checkpoint %q is not a directory", dir)
	}
	ctx := context.New()
	_, err = checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	c, err := FromContext(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid checkpoint in %q", dir)
	}
	return c, nil
}

// npzName converts a state dict key to the name of the array in a .npz file, which can't be an
// absolute path.
func npzName(key string) string {
	return strings.TrimPrefix(key, context.ScopeSeparator)
}

// ExportNpz writes the state dict to a NumPy .npz file, one array per parameter, named
// by its key without the leading "/", e.g. "model/hidden_0/weights".
func (c *Checkpoint) ExportNpz(path string) error {
	arrays := make(map[string]*tensors.Tensor, len(c.StateDict))
	for key, t := range c.StateDict {
		arrays[npzName(key)] = t
	}
	if err := numpy.ToNpzFile(arrays, path); err != nil {
		return errors.WithMessagef(err, "exporting state dict to %q", path)
	}
	return nil
}

// ImportNpz reads a state dict exported with ExportNpz, and returns it as a Checkpoint of the
// given architecture. It fails with a *ShapeMismatchError if the arrays don't match it.
func ImportNpz(path string, arch fcmodel.Architecture) (*Checkpoint, error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, err
	}
	stateDict := make(StateDict, len(arrays))
	for name, t := range arrays {
		stateDict[context.ScopeSeparator+name] = t
	}
	c := New(arch, stateDict)
	if err := c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "importing %q", path)
	}
	return c, nil
}

// NumParameters is the total number of scalar values in the state dict.
func (c *Checkpoint) NumParameters() int {
	total := 0
	for _, t := range c.StateDict {
		total += t.Shape().Size()
	}
	return total
}

// Summary lists the metadata and the state dict keys with their shapes.
func (c *Checkpoint) Summary() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Checkpoint: input_size=%d, output_size=%d, hidden_layers=%v\n",
		c.InputSize, c.OutputSize, c.HiddenLayers)
	for _, key := range c.StateDict.Keys() {
		_, _ = fmt.Fprintf(&sb, "  %s: %s\n", key, c.StateDict[key].Shape())
	}
	_, _ = fmt.Fprintf(&sb, "%s parameters", humanize.Comma(int64(c.NumParameters())))
	return sb.String()
}
