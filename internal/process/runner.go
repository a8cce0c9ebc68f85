// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"context"

	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/remote"
)

// Runner runs a process. A non-zero exit code is reported in the result, not as an error.
type Runner interface {
	Run(context.Context, *Process) (*FallibleProcessResult, error)
}

// Dispatcher runs processes remotely when a remote runner is configured and supports the
// process's platform, and locally otherwise.
type Dispatcher struct {
	local           Runner
	remote          *RemoteRunner
	fallbackToLocal bool
}

var _ Runner = &Dispatcher{}

// NewDispatcher returns a Dispatcher. remote may be nil. With fallbackToLocal, processes
// which fail to run remotely because of the remote service are retried locally.
func NewDispatcher(local Runner, remote *RemoteRunner, fallbackToLocal bool) *Dispatcher {
	return &Dispatcher{local: local, remote: remote, fallbackToLocal: fallbackToLocal}
}

func (d *Dispatcher) Run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	if d.remote == nil || !d.remote.Supports(p) {
		return d.local.Run(ctx, p)
	}

	res, err := d.remote.Run(ctx, p)
	if err == nil {
		return res, nil
	}

	if !d.fallbackToLocal || !(fnerrors.IsTransient(err) || fnerrors.IsRemotePermanent(err)) {
		return nil, err
	}

	if p.Platform != "" && p.Platform != CurrentPlatform() {
		return nil, err
	}

	if !d.remote.reporter.Report(ctx, remote.TopicExecution, "execute", err) {
		zerolog.Ctx(ctx).Debug().Str("process", p.label()).Msg("running locally")
	}
	return d.local.Run(ctx, p)
}
