// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package rules

import (
	"context"
	"fmt"

	"namespacelabs.dev/buildgraph/internal/executor"
)

// Rule is a pure computation of one output type from a set of parameter types, and the
// outputs of other rules it requests.
type Rule struct {
	Name   string
	Output TypeID
	// Params are the types the rule reads from its parameter set; a node of the rule is
	// identified by these values.
	Params []TypeID
	Gets   []Get
	Func   func(context.Context, Inputs) (any, error)
}

// Get declares a dependency of a rule on another output type.
//
// Gets without Inputs are resolved, concurrently, before the rule body runs; their values
// are available through Inputs.Dep. Gets with Inputs are requested by the rule body,
// through Inputs.Get, with values of exactly those types.
//
// Either way, the candidate rules are those which produce Output from a subset of the
// requesting rule's Params and the Get's Inputs.
type Get struct {
	Output TypeID
	Inputs []TypeID
	// Rule names the rule to use when more than one candidate exists.
	Rule string
	// Tolerant gets report a failure of the dependency to the body, rather than failing
	// the requesting node.
	Tolerant bool
}

func (g Get) String() string {
	if len(g.Inputs) == 0 {
		return fmt.Sprintf("Get(%s)", g.Output.Short())
	}
	return fmt.Sprintf("Get(%s, %v)", g.Output.Short(), shortNames(g.Inputs))
}

func (g Get) eager() bool { return len(g.Inputs) == 0 }

// Inputs is what a rule body sees of its node.
type Inputs interface {
	Params() Params
	// Dep returns the value of the i-th Get of the rule, which must be resolved eagerly.
	Dep(i int) (any, error)
	// Get requests output given inputs, which must match one of the rule's declared Gets.
	Get(ctx context.Context, output TypeID, inputs ...any) (any, error)
}

// Query is a request that may be issued from outside of any rule.
type Query struct {
	Output TypeID
	Params []TypeID
}

func (q Query) String() string {
	return fmt.Sprintf("%s(%v)", q.Output.Short(), shortNames(q.Params))
}

func QueryOf[T any](params ...TypeID) Query {
	return Query{Output: TypeOf[T](), Params: params}
}

// Define returns a rule producing T.
func Define[T any](name string, params []TypeID, f func(context.Context, Inputs) (T, error), gets ...Get) *Rule {
	return &Rule{
		Name:   name,
		Output: TypeOf[T](),
		Params: params,
		Gets:   gets,
		Func: func(ctx context.Context, in Inputs) (any, error) {
			return f(ctx, in)
		},
	}
}

// GetOf returns a Get of T with the specified input types.
func GetOf[T any](inputs ...TypeID) Get {
	return Get{Output: TypeOf[T](), Inputs: inputs}
}

// Param returns the parameter of type T of a rule.
func Param[T any](in Inputs) (T, error) {
	v, ok := ParamOf[T](in.Params())
	if !ok {
		return v, fmt.Errorf("rule did not receive a parameter of type %s", TypeOf[T]())
	}
	return v, nil
}

// Dep returns the value of the i-th Get of a rule.
func Dep[T any](in Inputs, i int) (T, error) {
	var zero T

	v, err := in.Dep(i)
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dependency %d is a %T, expected %s", i, v, TypeOf[T]())
	}
	return typed, nil
}

// Request requests T from within a rule body.
func Request[T any](ctx context.Context, in Inputs, inputs ...any) (T, error) {
	var zero T

	v, err := in.Get(ctx, TypeOf[T](), inputs...)
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("got a %T, expected %s", v, TypeOf[T]())
	}
	return typed, nil
}

// RequestAll requests T once per input, concurrently, and returns the results in order.
func RequestAll[T any, I any](ctx context.Context, in Inputs, inputs []I) ([]T, error) {
	values := make([]T, len(inputs))

	eg, wait := executor.New(ctx, "rules.request-all")
	for k, input := range inputs {
		k, input := k, input
		eg.Go(func(ctx context.Context) error {
			v, err := Request[T](ctx, in, input)
			values[k] = v
			return err
		})
	}

	if err := wait(); err != nil {
		return nil, err
	}

	return values, nil
}
