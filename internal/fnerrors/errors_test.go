// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package fnerrors

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/assert"
)

func TestFormatCausalChain(t *testing.T) {
	root := &NodeFailure{Node: "C", Err: &ProcessFailedError{Description: "compile", ExitCode: 1}}
	err := DependencyFailed("A", "Output", DependencyFailed("B", "Intermediate", root))

	var out bytes.Buffer
	Format(&out, err)

	want := strings.Join([]string{
		"Failed: failed to compute A",
		"  failed to compute B",
		`    C: process "compile" failed with exit code 1`,
		"",
	}, "\n")

	if d := cmp.Diff(want, out.String()); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	cause, ok := RootCause(err)
	assert.Assert(t, ok)
	assert.Equal(t, cause.Node, "C")
}

func TestCancelledMatchesContext(t *testing.T) {
	err := DependencyFailed("A", "Output", &CancelledError{What: "session"})
	assert.Assert(t, IsCancelled(err))
	assert.Assert(t, errors.Is(err, context.Canceled))
}

func TestRemoteClassification(t *testing.T) {
	transient := &RemoteError{Op: "GetActionResult", Transient: true, Err: errors.New("unavailable")}
	permanent := &RemoteError{Op: "GetActionResult", Err: errors.New("denied")}

	assert.Assert(t, IsTransient(transient))
	assert.Assert(t, !IsRemotePermanent(transient))
	assert.Assert(t, IsRemotePermanent(permanent))
	assert.Assert(t, !IsTransient(permanent))
}

func TestCompileErrorKinds(t *testing.T) {
	err := errors.Join(
		&GraphCompileError{Kind: UnsatisfiableDependency, Rule: "compile", Output: "Binary"},
		&GraphCompileError{Kind: CycleError, Cycle: []string{"a", "b", "a"}},
	)

	assert.Assert(t, IsCompileError(err, UnsatisfiableDependency))
	assert.Assert(t, IsCompileError(err, CycleError))
	assert.Assert(t, !IsCompileError(err, AmbiguousDependency))
	assert.ErrorContains(t, err, "a -> b -> a")
}

func TestExpected(t *testing.T) {
	msg, ok := IsExpected(BadInputError("%s: bad", "file"))
	assert.Assert(t, ok)
	assert.Equal(t, msg, "file: bad")

	_, ok = IsExpected(InternalError("oops"))
	assert.Assert(t, !ok)
}
