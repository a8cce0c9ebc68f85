// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package fnerrors

import (
	"errors"
	"fmt"
	"io"

	"github.com/kr/text"
	"github.com/morikuni/aec"
	pkgerrors "github.com/pkg/errors"
)

// New returns a new error for a format specifier and optionals args with the
// stack trace at the point of invocation.
func New(format string, args ...interface{}) error {
	return &fnError{Err: fmt.Errorf(format, args...), stack: captureStack()}
}

// Unexpected situation.
func InternalError(format string, args ...interface{}) error {
	return &internalError{fnError: fnError{Err: fmt.Errorf(format, args...), stack: captureStack()}}
}

// The input does match our expectations (e.g. missing bits, wrong version, etc).
func BadInputError(format string, args ...interface{}) error {
	return &internalError{fnError: fnError{Err: fmt.Errorf(format, args...), stack: captureStack()}, expected: true}
}

// Configuration or system setup is not correct and requires user intervention.
func UsageError(what, whyFmt string, args ...interface{}) error {
	return &usageError{
		fnError: fnError{Err: fmt.Errorf(whyFmt, args...), stack: captureStack()},
		Why:     fmt.Sprintf(whyFmt, args...),
		What:    what,
	}
}

// Wraps an error with a stack trace at the point of invocation.
type fnError struct {
	Err   error
	stack pkgerrors.StackTrace
}

func (f *fnError) Error() string { return f.Err.Error() }
func (f *fnError) Unwrap() error { return f.Err }

// Signature is compatible with pkg/errors and allows frameworks like Sentry to
// automatically extract the frame.
func (f *fnError) StackTrace() pkgerrors.StackTrace { return f.stack }

type usageError struct {
	fnError
	Why  string
	What string
}

func (e *usageError) Error() string {
	return fmt.Sprintf("%s\n\n  %s", e.Why, e.What)
}

type internalError struct {
	fnError
	expected bool
}

func IsExpected(err error) (string, bool) {
	var x *internalError
	if errors.As(err, &x) && x.expected {
		return x.Err.Error(), true
	}
	return "", false
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func captureStack() pkgerrors.StackTrace {
	st := pkgerrors.New("").(stackTracer).StackTrace()
	// Skip captureStack and the constructor that called it.
	if len(st) > 2 {
		return st[2:]
	}
	return st
}

type FormatOptions struct {
	// true to use ANSI colors.
	colors bool
	// If true, each wrapping layer is printed along with its source location.
	tracing bool
}

type FormatOption func(*FormatOptions)

func WithColors(colors bool) FormatOption {
	return func(opts *FormatOptions) {
		opts.colors = colors
	}
}

func WithTracing(tracing bool) FormatOption {
	return func(opts *FormatOptions) {
		opts.tracing = tracing
	}
}

// Format writes the causal chain of err: the nodes that failed to compute because of a
// dependency, and then the root cause.
func Format(w io.Writer, err error, args ...FormatOption) {
	opts := &FormatOptions{}
	for _, opt := range args {
		opt(opts)
	}

	if opts.colors {
		fmt.Fprint(w, aec.RedF.With(aec.Bold).Apply("Failed: "))
	} else {
		fmt.Fprint(w, "Failed: ")
	}

	cause := err
	for {
		var dep *DependencyFailedError
		if !errors.As(cause, &dep) {
			break
		}

		fmt.Fprintf(w, "failed to compute %s\n", formatLabel(dep.Name, opts.colors))
		if opts.tracing {
			writeSourceFileAndLine(w, dep, opts.colors)
		}
		w = indent(w)
		cause = dep.Err
	}

	format(w, cause, opts)
}

func format(w io.Writer, err error, opts *FormatOptions) {
	if err == nil {
		return
	}

	var nf *NodeFailure
	var ce *GraphCompileError
	var ue *usageError
	var ie *internalError

	switch {
	case errors.As(err, &nf):
		fmt.Fprintf(w, "%s: %s\n", formatLabel(nf.Node, opts.colors), nf.Err)
	case errors.As(err, &ce):
		fmt.Fprintf(w, "%s: %s\n", formatLabel("rule graph", opts.colors), ce.Error())
	case errors.As(err, &ue):
		fmt.Fprintf(w, "%s: %s %s\n", formatLabel("usage error", opts.colors), text.Wrap(ue.Why, 80), bold(ue.What, opts.colors))
	case errors.As(err, &ie) && !ie.expected:
		fmt.Fprintf(w, "%s: %s\n", formatLabel("internal error", opts.colors), ie.Err.Error())
	default:
		fmt.Fprintf(w, "%s\n", err.Error())
	}

	if opts.tracing {
		writeSourceFileAndLine(w, err, opts.colors)
	}
}

func writeSourceFileAndLine(w io.Writer, err error, colors bool) {
	var st stackTracer
	if !errors.As(err, &st) {
		return
	}

	stack := st.StackTrace()
	if len(stack) == 0 {
		return
	}

	sourceInfo := fmt.Sprintf("%+v", stack[0])
	if colors {
		fmt.Fprintf(w, "%s\n", aec.LightBlackF.Apply(sourceInfo))
	} else {
		fmt.Fprintf(w, "%s\n", sourceInfo)
	}
}

func formatLabel(str string, colors bool) string {
	if colors {
		return aec.CyanF.Apply(str)
	}

	return str
}

func bold(str string, colors bool) string {
	if colors {
		return aec.Bold.Apply(str)
	}
	return str
}

func indent(w io.Writer) io.Writer { return text.NewIndentWriter(w, []byte("  ")) }
