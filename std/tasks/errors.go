// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"errors"

	"namespacelabs.dev/buildgraph/internal/fnerrors"
)

// FailureKind summarizes why an action failed, for logging.
type FailureKind string

const (
	FailureCancelled         FailureKind = "cancelled"
	FailureDependency        FailureKind = "dependency failed"
	FailureTimeout           FailureKind = "timed out"
	FailureRemoteUnavailable FailureKind = "remote unavailable"
	FailureOther             FailureKind = "failed"
)

func KindOf(err error) FailureKind {
	var unavailable *fnerrors.StoreUnavailableError

	switch {
	case fnerrors.IsCancelled(err):
		return FailureCancelled
	case fnerrors.IsDependencyFailed(err):
		return FailureDependency
	case fnerrors.IsTimeout(err):
		return FailureTimeout
	case fnerrors.IsTransient(err), errors.As(err, &unavailable):
		return FailureRemoteUnavailable
	default:
		return FailureOther
	}
}

// failureIsOwn returns false if the action failed because of something else: it was
// cancelled, or one of its dependencies failed. The failure is then logged elsewhere.
func failureIsOwn(kind FailureKind) bool {
	return kind != FailureCancelled && kind != FailureDependency
}
