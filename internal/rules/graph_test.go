// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/assert"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
)

type Source string
type Parsed struct{ Tokens []string }
type Compiled struct{ Object string }
type Linked struct{ Binary string }
type Config struct{ Optimize bool }

func rule[T any](name string, params []TypeID, gets ...Get) *Rule {
	return Define(name, params, func(context.Context, Inputs) (T, error) {
		var zero T
		return zero, nil
	}, gets...)
}

func compileErrors(err error) []*fnerrors.GraphCompileError {
	var res []*fnerrors.GraphCompileError
	for _, e := range flattenJoined(err) {
		var ce *fnerrors.GraphCompileError
		if errors.As(e, &ce) {
			res = append(res, ce)
		}
	}
	return res
}

func flattenJoined(err error) []error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		return multi.Unwrap()
	}
	return []error{err}
}

func TestCompile(t *testing.T) {
	parse := rule[Parsed]("parse", []TypeID{TypeOf[Source]()})
	compile := rule[Compiled]("compile", []TypeID{TypeOf[Source]()}, GetOf[Parsed]())
	link := rule[Linked]("link", []TypeID{TypeOf[Source]()}, GetOf[Compiled]())

	g, err := Compile([]*Rule{parse, compile, link}, []Query{QueryOf[Linked](TypeOf[Source]())})
	assert.NilError(t, err)

	r, err := g.Query(TypeOf[Linked](), []TypeID{TypeOf[Source]()})
	assert.NilError(t, err)
	assert.Equal(t, r.Name, "link")

	assert.Equal(t, g.Dependency(link, 0).Name, "compile")
	assert.Equal(t, g.Dependency(compile, 0).Name, "parse")
	assert.Assert(t, g.Dependency(parse, 0) == nil)

	_, err = g.Query(TypeOf[Compiled](), []TypeID{TypeOf[Source]()})
	assert.ErrorContains(t, err, "no such query")
}

func TestCompileSelectsBySubsetOfParams(t *testing.T) {
	// compile-with-config requires a Config, which only the second Get provides.
	plain := rule[Compiled]("compile", []TypeID{TypeOf[Source]()})
	configured := rule[Compiled]("compile-with-config", []TypeID{TypeOf[Config]()})
	link := rule[Linked]("link", []TypeID{TypeOf[Source]()},
		GetOf[Compiled](),
		GetOf[Compiled](TypeOf[Config]()))

	_, err := Compile([]*Rule{plain, configured, link}, nil)

	ces := compileErrors(err)
	assert.Equal(t, len(ces), 1, "got %v", err)
	assert.Equal(t, ces[0].Kind, fnerrors.AmbiguousDependency)

	link.Gets[1].Rule = "compile-with-config"
	g, err := Compile([]*Rule{plain, configured, link}, nil)
	assert.NilError(t, err)
	assert.Equal(t, g.Dependency(link, 0).Name, "compile")
	assert.Equal(t, g.Dependency(link, 1).Name, "compile-with-config")

	k, ok := g.MatchGet(link, TypeOf[Compiled](), []TypeID{TypeOf[Config]()})
	assert.Assert(t, ok)
	assert.Equal(t, k, 1)

	_, ok = g.MatchGet(link, TypeOf[Compiled](), nil)
	assert.Assert(t, !ok, "eager gets can't be requested by the body")
}

func TestCompileAmbiguous(t *testing.T) {
	a := rule[Parsed]("parse-a", []TypeID{TypeOf[Source]()})
	b := rule[Parsed]("parse-b", nil)
	compile := rule[Compiled]("compile", []TypeID{TypeOf[Source]()}, GetOf[Parsed]())

	_, err := Compile([]*Rule{a, b, compile}, nil)
	assert.Assert(t, fnerrors.IsCompileError(err, fnerrors.AmbiguousDependency))

	ces := compileErrors(err)
	assert.Equal(t, len(ces), 1)
	if d := cmp.Diff([]string{"parse-a", "parse-b"}, ces[0].Candidates); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, ces[0].Rule, "compile")
}

func TestCompileUnsatisfiable(t *testing.T) {
	compile := rule[Compiled]("compile", []TypeID{TypeOf[Source]()}, GetOf[Parsed]())
	link := rule[Linked]("link", []TypeID{TypeOf[Config]()}, GetOf[Compiled]())

	_, err := Compile([]*Rule{compile, link}, []Query{QueryOf[Parsed](TypeOf[Source]())})

	var got []string
	for _, ce := range compileErrors(err) {
		assert.Equal(t, ce.Kind, fnerrors.UnsatisfiableDependency)
		got = append(got, ce.Error())
	}

	// Every failure is reported, not only the first.
	if d := cmp.Diff([]string{
		"compile: no rule can provide rules.Parsed given [rules.Source]",
		"link: no rule can provide rules.Compiled given [rules.Config]",
		"query: no rule can provide rules.Parsed given [rules.Source]",
	}, got); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}

func TestCompileCycle(t *testing.T) {
	parse := rule[Parsed]("parse", []TypeID{TypeOf[Source]()}, GetOf[Linked]())
	compile := rule[Compiled]("compile", []TypeID{TypeOf[Source]()}, GetOf[Parsed]())
	link := rule[Linked]("link", []TypeID{TypeOf[Source]()}, GetOf[Compiled]())
	unrelated := rule[Config]("config", nil)

	_, err := Compile([]*Rule{unrelated, compile, link, parse}, nil)
	assert.Assert(t, fnerrors.IsCompileError(err, fnerrors.CycleError))

	var ce *fnerrors.GraphCompileError
	assert.Assert(t, errors.As(err, &ce))
	if d := cmp.Diff([]string{"compile", "parse", "link", "compile"}, ce.Cycle); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
	assert.ErrorContains(t, err, "compile -> parse -> link -> compile")
}

func TestCompileValidatesRules(t *testing.T) {
	a := rule[Parsed]("parse", nil)
	b := rule[Compiled]("parse", nil)

	_, err := Compile([]*Rule{a, b}, nil)
	assert.ErrorContains(t, err, "declared more than once")

	_, err = Compile([]*Rule{{Name: "broken", Output: TypeOf[Parsed]()}}, nil)
	assert.ErrorContains(t, err, "are required")
}

func TestParams(t *testing.T) {
	p := NewParams(Source("main.c"), Config{Optimize: true})
	assert.Equal(t, p.Len(), 2)

	src, ok := ParamOf[Source](p)
	assert.Assert(t, ok)
	assert.Equal(t, src, Source("main.c"))

	k1, err := p.Key()
	assert.NilError(t, err)

	k2, err := NewParams(Config{Optimize: true}, Source("main.c")).Key()
	assert.NilError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := p.With(Source("other.c")).Key()
	assert.NilError(t, err)
	assert.Assert(t, k1 != k3)

	projected, err := p.Project([]TypeID{TypeOf[Source]()})
	assert.NilError(t, err)
	if d := cmp.Diff([]TypeID{TypeOf[Source]()}, projected.Types()); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	_, err = p.Project([]TypeID{TypeOf[Linked]()})
	assert.ErrorContains(t, err, "missing parameter")

	assert.Equal(t, TypeOf[Source]().Short(), "rules.Source")
	assert.Equal(t, TypeOfValue(Source("x")), TypeOf[Source]())
}
