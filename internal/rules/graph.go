// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package rules

import (
	"errors"
	"sort"
	"strings"

	"github.com/philopon/go-toposort"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
)

// Graph is a compiled set of rules: every Get of every rule, and every query, is bound
// to exactly one rule. A Graph is immutable.
type Graph struct {
	rules   []*Rule
	byName  map[string]*Rule
	deps    map[string][]*Rule
	queries map[string]*Rule
}

// Compile binds the dependencies of rules, and queries, to the rules that satisfy them.
// Every failure is reported, joined, as GraphCompileErrors; cycles are only checked once
// every dependency resolves.
func Compile(rules []*Rule, queries []Query) (*Graph, error) {
	g := &Graph{
		byName:  map[string]*Rule{},
		deps:    map[string][]*Rule{},
		queries: map[string]*Rule{},
	}

	for _, r := range rules {
		if r.Name == "" || r.Output == "" || r.Func == nil {
			return nil, fnerrors.BadInputError("rule %q: a name, output type and function are required", r.Name)
		}

		if _, dup := g.byName[r.Name]; dup {
			return nil, fnerrors.BadInputError("rule %q: declared more than once", r.Name)
		}

		g.byName[r.Name] = r
		g.rules = append(g.rules, r)
	}

	var errs []error
	for _, r := range g.rules {
		resolved := make([]*Rule, len(r.Gets))
		for k, get := range r.Gets {
			callee, err := g.resolve(r.Name, get.Output, typeSet(r.Params, get.Inputs), get.Rule)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			resolved[k] = callee
		}
		g.deps[r.Name] = resolved
	}

	for _, q := range queries {
		params := typeSet(q.Params)
		callee, err := g.resolve("", q.Output, params, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.queries[queryKey(q.Output, params)] = callee
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) resolve(requester string, output TypeID, available []TypeID, explicit string) (*Rule, error) {
	var candidates []*Rule
	for _, r := range g.rules {
		if r.Output != output || !subset(r.Params, available) {
			continue
		}
		if explicit != "" && r.Name != explicit {
			continue
		}
		candidates = append(candidates, r)
	}

	compileErr := &fnerrors.GraphCompileError{
		Rule:   requester,
		Output: output.Short(),
		Params: shortNames(available),
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil

	case 0:
		compileErr.Kind = fnerrors.UnsatisfiableDependency
		return nil, compileErr

	default:
		compileErr.Kind = fnerrors.AmbiguousDependency
		for _, c := range candidates {
			compileErr.Candidates = append(compileErr.Candidates, c.Name)
		}
		sort.Strings(compileErr.Candidates)
		return nil, compileErr
	}
}

func (g *Graph) checkCycles() error {
	graph := toposort.NewGraph(len(g.rules))
	for _, r := range g.rules {
		graph.AddNode(r.Name)
	}

	for _, r := range g.rules {
		for _, callee := range g.deps[r.Name] {
			graph.AddEdge(r.Name, callee.Name)
		}
	}

	if _, ok := graph.Toposort(); ok {
		return nil
	}

	return &fnerrors.GraphCompileError{Kind: fnerrors.CycleError, Cycle: g.findCycle()}
}

// findCycle returns the first cycle found by a depth-first search, in declaration order.
// The returned path starts and ends with the same rule.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := map[string]int{}
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)

		for _, callee := range g.deps[name] {
			switch state[callee.Name] {
			case visiting:
				for k, n := range stack {
					if n == callee.Name {
						return append(append([]string{}, stack[k:]...), callee.Name)
					}
				}
			case unvisited:
				if cycle := visit(callee.Name); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}

	for _, r := range g.rules {
		if state[r.Name] == unvisited {
			if cycle := visit(r.Name); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

func (g *Graph) Rules() []*Rule { return g.rules }

func (g *Graph) Rule(name string) (*Rule, bool) {
	r, ok := g.byName[name]
	return r, ok
}

// Query returns the rule bound to a declared query.
func (g *Graph) Query(output TypeID, params []TypeID) (*Rule, error) {
	key := queryKey(output, typeSet(params))
	if r, ok := g.queries[key]; ok {
		return r, nil
	}
	return nil, fnerrors.BadInputError("%s: no such query was declared", key)
}

// Dependency returns the rule bound to the i-th Get of r.
func (g *Graph) Dependency(r *Rule, i int) *Rule {
	deps := g.deps[r.Name]
	if i < 0 || i >= len(deps) {
		return nil
	}
	return deps[i]
}

// MatchGet returns the index of the Get of r which requests output with inputs of
// exactly the given types.
func (g *Graph) MatchGet(r *Rule, output TypeID, inputs []TypeID) (int, bool) {
	want := typeSet(inputs)
	for k, get := range r.Gets {
		if get.Output == output && !get.eager() && equalTypes(typeSet(get.Inputs), want) {
			return k, true
		}
	}
	return -1, false
}

func queryKey(output TypeID, params []TypeID) string {
	var names []string
	for _, p := range params {
		names = append(names, string(p))
	}
	return string(output) + "(" + strings.Join(names, ", ") + ")"
}

func subset(types, of []TypeID) bool {
	for _, t := range types {
		found := false
		for _, o := range of {
			if t == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equalTypes(a, b []TypeID) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}
