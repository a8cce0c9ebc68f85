// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package fnerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type CompileErrorKind string

const (
	CycleError              CompileErrorKind = "cycle"
	AmbiguousDependency     CompileErrorKind = "ambiguous"
	UnsatisfiableDependency CompileErrorKind = "unsatisfiable"
)

// GraphCompileError is returned when the declared rules can't be compiled into a graph.
// It is never produced once execution has started.
type GraphCompileError struct {
	Kind       CompileErrorKind
	Rule       string   // The rule whose dependency failed to resolve (empty for queries).
	Output     string   // The requested output type.
	Params     []string // The parameter types available to the request.
	Candidates []string // Set for AmbiguousDependency.
	Cycle      []string // Set for CycleError; first and last entries are the same rule.
}

func (e *GraphCompileError) Error() string {
	switch e.Kind {
	case CycleError:
		return fmt.Sprintf("rules form a cycle: %s", strings.Join(e.Cycle, " -> "))
	case AmbiguousDependency:
		return fmt.Sprintf("%s: ambiguous dependency on %s given %v: candidates are %s",
			e.requester(), e.Output, e.Params, strings.Join(e.Candidates, ", "))
	default:
		return fmt.Sprintf("%s: no rule can provide %s given %v", e.requester(), e.Output, e.Params)
	}
}

func (e *GraphCompileError) requester() string {
	if e.Rule == "" {
		return "query"
	}
	return e.Rule
}

func IsCompileError(err error, kind CompileErrorKind) bool {
	var ce *GraphCompileError
	for _, e := range flatten(err) {
		if errors.As(e, &ce) && ce.Kind == kind {
			return true
		}
	}
	return false
}

func flatten(err error) []error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var all []error
		for _, e := range multi.Unwrap() {
			all = append(all, flatten(e)...)
		}
		return all
	}
	return []error{err}
}

// NodeFailure is the error a rule body reported for a node. It is attributed to that node
// only; dependents see it wrapped in DependencyFailedError.
type NodeFailure struct {
	Node string
	Err  error
}

func (e *NodeFailure) Error() string { return fmt.Sprintf("%s: %v", e.Node, e.Err) }
func (e *NodeFailure) Unwrap() error { return e.Err }

type ProcessFailedError struct {
	Description string
	ExitCode    int32
	Stderr      string // Tail of stderr, if it could be loaded.
}

func (e *ProcessFailedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process %q failed with exit code %d:\n%s", e.Description, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("process %q failed with exit code %d", e.Description, e.ExitCode)
}

type NotFoundError struct {
	What string
}

func NotFound(format string, args ...interface{}) error {
	return &NotFoundError{What: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s: not found", e.What) }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: required path did not match any entries", e.Path)
}

type StoreUnavailableError struct {
	What string
	Err  error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: only available remotely, and the remote store is unavailable: %v", e.What, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

type DuplicateEntryError struct {
	Path string
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("%s: conflicting entries while merging directories", e.Path)
}

type MissingOutputError struct {
	Path string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("%s: declared output was not produced", e.Path)
}

type TimeoutError struct {
	What    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %v", e.What, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CancelledError is returned to waiters of a cancelled session. It matches context.Canceled.
type CancelledError struct {
	What string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("%s: cancelled", e.What) }

func (e *CancelledError) Is(target error) bool { return target == context.Canceled }

func IsCancelled(err error) bool { return errors.Is(err, context.Canceled) }

// RemoteError is a failed call to the remote store, cache or execution service.
type RemoteError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("remote %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient
}

func IsRemotePermanent(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && !re.Transient
}
