// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package fnerrors

import (
	"errors"
	"fmt"
)

// DependencyFailed marks err as having been produced by a dependency of the node `name`,
// rather than by the node itself.
func DependencyFailed(name, typ string, err error) error {
	return &DependencyFailedError{fnError: fnError{Err: err, stack: captureStack()}, Name: name, Type: typ}
}

type DependencyFailedError struct {
	fnError
	Name string
	Type string
}

func (d *DependencyFailedError) Error() string {
	return fmt.Sprintf("resolving %s (%s) failed: %v", d.Name, d.Type, d.Err)
}

func (d *DependencyFailedError) Unwrap() error { return d.Err }

func IsDependencyFailed(err error) bool {
	var d *DependencyFailedError
	return errors.As(err, &d)
}

// RootCause returns the innermost NodeFailure in err's chain, i.e. the node whose own
// computation failed.
func RootCause(err error) (*NodeFailure, bool) {
	var root *NodeFailure
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if nf, ok := cur.(*NodeFailure); ok {
			root = nf
		}
	}
	return root, root != nil
}
