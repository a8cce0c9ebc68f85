// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"context"
	"path"
	"time"

	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/metrics"
	"namespacelabs.dev/buildgraph/internal/remote"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

type RemoteOptions struct {
	// Platforms which the remote service can run. If empty, every platform is assumed.
	Platforms []Platform
	Metrics   *metrics.Metrics
	// Reporter surfaces failures of the remote service. Defaults to a new one.
	Reporter *remote.Reporter
}

// RemoteRunner runs processes with a remote execution service. Inputs are uploaded to,
// and outputs fetched from, the store's remote CAS.
type RemoteRunner struct {
	store    *store.Store
	client   *remote.Client
	opts     RemoteOptions
	reporter *remote.Reporter
}

var _ Runner = &RemoteRunner{}

func NewRemoteRunner(s *store.Store, client *remote.Client, opts RemoteOptions) *RemoteRunner {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = remote.NewReporter()
	}
	return &RemoteRunner{store: s, client: client, opts: opts, reporter: reporter}
}

func (r *RemoteRunner) Supports(p *Process) bool {
	if len(r.opts.Platforms) == 0 {
		return true
	}

	for _, platform := range r.opts.Platforms {
		if platform == p.platform() {
			return true
		}
	}

	return false
}

func (r *RemoteRunner) Run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if !r.store.HasRemote() {
		return nil, fnerrors.InternalError("remote execution requires a remote store")
	}

	return tasks.Return(ctx, tasks.Action("process.remote").HumanReadablef("Run %s (remote)", p.label()).Arg("argv", p.Argv).LogLevel(tasks.LevelDebug),
		func(ctx context.Context) (*FallibleProcessResult, error) {
			action, command, err := p.Record(ctx, r.store)
			if err != nil {
				return nil, err
			}

			if err := r.store.EnsureRemoteTree(ctx, p.inputRoot()); err != nil {
				return nil, err
			}

			if err := r.store.EnsureRemote(ctx, []schema.Digest{action, command}); err != nil {
				return nil, err
			}

			start := time.Now()
			resp, err := r.client.Execute(ctx, action, p.CachePolicy == Uncacheable, p.Timeout)
			r.opts.Metrics.ProcessExecuted("remote", time.Since(start))
			if err != nil {
				return nil, err
			}

			source := SourceRemote
			if resp.GetCachedResult() {
				source = SourceRemoteCache
			}

			res, err := fromActionResult(ctx, r.store, p, resp.GetResult(), source)
			if err != nil {
				return nil, err
			}

			if res.Success() {
				if err := checkOutputs(ctx, r.store, p, res); err != nil {
					return nil, err
				}
			}

			if err := res.verify(ctx, r.store); err != nil {
				return nil, err
			}

			tasks.Current(ctx).AddResult("exit_code", res.ExitCode)
			return res, nil
		})
}

// checkOutputs fails with a MissingOutputError if a declared output was not produced.
// Only successful processes are held to their declared outputs.
func checkOutputs(ctx context.Context, s *store.Store, p *Process, res *FallibleProcessResult) error {
	files := map[string]struct{}{}
	if err := s.Walk(ctx, res.OutputRoot, func(e store.FileEntry) error {
		files[e.Path] = struct{}{}
		return nil
	}); err != nil {
		return err
	}

	for _, out := range p.OutputFiles {
		if _, ok := files[path.Clean(out)]; !ok {
			return &fnerrors.MissingOutputError{Path: out}
		}
	}

	for _, out := range p.OutputDirectories {
		if _, err := s.Subtree(ctx, res.OutputRoot, out); err != nil {
			return &fnerrors.MissingOutputError{Path: out}
		}
	}

	return nil
}
