// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package rules

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"namespacelabs.dev/buildgraph/schema"
)

// TypeID names the Go type of a rule output or parameter.
type TypeID string

func TypeOf[T any]() TypeID {
	return typeID(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeOfValue(v any) TypeID {
	return typeID(reflect.TypeOf(v))
}

func typeID(t reflect.Type) TypeID {
	if t == nil {
		return "nil"
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return TypeID(t.PkgPath() + "." + t.Name())
	}
	return TypeID(t.String())
}

// Short returns the type name without its package path.
func (t TypeID) Short() string {
	s := string(t)
	if k := strings.LastIndex(s, "/"); k >= 0 {
		s = s[k+1:]
	}
	return s
}

// Params is an immutable set of values, at most one per type.
type Params struct {
	vals map[TypeID]any
}

// NewParams returns a set with vals. Later values replace earlier values of the same type.
func NewParams(vals ...any) Params {
	return Params{}.With(vals...)
}

func (p Params) With(vals ...any) Params {
	res := Params{vals: make(map[TypeID]any, len(p.vals)+len(vals))}
	for k, v := range p.vals {
		res.vals[k] = v
	}
	for _, v := range vals {
		res.vals[TypeOfValue(v)] = v
	}
	return res
}

// Project returns the subset of values whose types are in types.
func (p Params) Project(types []TypeID) (Params, error) {
	res := Params{vals: make(map[TypeID]any, len(types))}
	for _, t := range types {
		v, ok := p.vals[t]
		if !ok {
			return Params{}, fmt.Errorf("missing parameter of type %s", t)
		}
		res.vals[t] = v
	}
	return res, nil
}

func (p Params) Get(t TypeID) (any, bool) {
	v, ok := p.vals[t]
	return v, ok
}

func (p Params) Len() int { return len(p.vals) }

// Types returns the sorted types in the set.
func (p Params) Types() []TypeID {
	var types []TypeID
	for t := range p.vals {
		types = append(types, t)
	}
	return sortTypes(types)
}

// Key returns a digest over the types and canonical serialization of every value.
func (p Params) Key() (schema.Digest, error) {
	var parts []interface{}
	for _, t := range p.Types() {
		d, err := schema.DigestOf(string(t), p.vals[t])
		if err != nil {
			return schema.Digest{}, fmt.Errorf("%s: failed to compute key: %w", t, err)
		}
		parts = append(parts, d.String())
	}
	return schema.DigestOf(parts...)
}

func (p Params) String() string {
	var names []string
	for _, t := range p.Types() {
		names = append(names, t.Short())
	}
	return strings.Join(names, ", ")
}

// ParamOf returns the value of type T in p.
func ParamOf[T any](p Params) (T, bool) {
	v, ok := p.vals[TypeOf[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

func sortTypes(types []TypeID) []TypeID {
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func typeSet(types ...[]TypeID) []TypeID {
	seen := map[TypeID]struct{}{}
	var res []TypeID
	for _, list := range types {
		for _, t := range list {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				res = append(res, t)
			}
		}
	}
	return sortTypes(res)
}

func shortNames(types []TypeID) []string {
	var res []string
	for _, t := range types {
		res = append(res, t.Short())
	}
	return res
}
