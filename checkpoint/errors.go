// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fashionmnist/fcmodel"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Mismatch of the shape of one parameter.
type Mismatch struct {
	Key string

	// Checkpoint is the shape in the state dict, Model the shape the architecture requires.
	Checkpoint, Model shapes.Shape
}

// ShapeMismatchError is returned when a state dict doesn't fit a model architecture.
type ShapeMismatchError struct {
	Mismatches []Mismatch

	// Missing are parameters of the model not in the state dict, Unexpected are
	// keys in the state dict the model doesn't have.
	Missing, Unexpected []string
}

// Error implements error, with one line per problem.
func (e *ShapeMismatchError) Error() string {
	var sb strings.Builder
	sb.WriteString("error(s) in loading state dict:")
	for _, key := range e.Missing {
		_, _ = fmt.Fprintf(&sb, "\n\tmissing key %q", key)
	}
	for _, key := range e.Unexpected {
		_, _ = fmt.Fprintf(&sb, "\n\tunexpected key %q", key)
	}
	for _, m := range e.Mismatches {
		_, _ = fmt.Fprintf(&sb, "\n\tsize mismatch for %s: copying a param with shape %v from checkpoint, "+
			"the shape in current model is %v", m.Key, m.Checkpoint.Dimensions, m.Model.Dimensions)
	}
	return sb.String()
}

// IsShapeMismatch returns whether err is or wraps a *ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var mismatchErr *ShapeMismatchError
	return errors.As(err, &mismatchErr)
}

// compareShapes returns a *ShapeMismatchError if stateDict doesn't hold exactly the given
// parameters with the same shapes, or nil.
func compareShapes(params []fcmodel.ParameterSpec, stateDict StateDict) error {
	mismatchErr := &ShapeMismatchError{}
	expected := make(map[string]bool, len(params))
	for _, p := range params {
		key := p.Key()
		expected[key] = true
		t, found := stateDict[key]
		if !found || t == nil {
			mismatchErr.Missing = append(mismatchErr.Missing, key)
			continue
		}
		if !t.Shape().Equal(p.Shape) {
			mismatchErr.Mismatches = append(mismatchErr.Mismatches, Mismatch{Key: key, Checkpoint: t.Shape(), Model: p.Shape})
		}
	}
	for _, key := range stateDict.Keys() {
		if !expected[key] {
			mismatchErr.Unexpected = append(mismatchErr.Unexpected, key)
		}
	}
	if len(mismatchErr.Missing)+len(mismatchErr.Unexpected)+len(mismatchErr.Mismatches) == 0 {
		return nil
	}
	slices.Sort(mismatchErr.Missing)
	return mismatchErr
}
