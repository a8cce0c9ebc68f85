// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"context"

	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/executor"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/metrics"
	"namespacelabs.dev/buildgraph/internal/remote"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

type CacheOptions struct {
	// Local enables the persistent local action cache.
	Local bool
	// Remote is the remote action cache; nil disables it.
	Remote *remote.ActionCache
	// Read and Write enable lookups and insertions, respectively.
	Read, Write bool
	// Detached runs remote cache writes in the background. If nil, they're synchronous.
	Detached *executor.Detached
	Metrics  *metrics.Metrics
}

// CachingRunner serves processes from the local and remote action caches, and runs them
// with an inner runner on a miss. Results of cacheable processes are written back.
type CachingRunner struct {
	inner Runner
	store *store.Store
	local *store.LocalActionCache
	opts  CacheOptions
}

var _ Runner = &CachingRunner{}

func NewCachingRunner(inner Runner, s *store.Store, opts CacheOptions) *CachingRunner {
	c := &CachingRunner{inner: inner, store: s, opts: opts}
	if opts.Local {
		c.local = s.Local().ActionCache()
	}
	return c
}

func (c *CachingRunner) Run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	if p.CachePolicy == Uncacheable {
		return c.inner.Run(ctx, p)
	}

	action, err := p.ActionDigest()
	if err != nil {
		return nil, err
	}

	return tasks.Return(ctx, tasks.Action("process").HumanReadablef("%s", p.label()).Arg("action", action.String()).Arg("policy", p.CachePolicy.String()),
		func(ctx context.Context) (*FallibleProcessResult, error) {
			if c.opts.Read {
				if res, ok := c.lookup(ctx, p, action); ok {
					tasks.Current(ctx).AddResult("cached", true)
					tasks.Current(ctx).AddResult("source", string(res.Source))
					tasks.Current(ctx).Relabel(func(description string) string { return "Hit: " + description }, tasks.LevelDebug)
					return res, nil
				}
			}

			res, err := c.inner.Run(ctx, p)
			if err != nil {
				return nil, err
			}

			if c.opts.Write && cacheable(p, res) {
				c.write(ctx, p, action, res)
			}

			return res, nil
		})
}

func cacheable(p *Process, res *FallibleProcessResult) bool {
	switch p.CachePolicy {
	case CacheAlways:
		return true
	case Cacheable:
		return res.Success()
	}
	return false
}

func (c *CachingRunner) lookup(ctx context.Context, p *Process, action schema.Digest) (*FallibleProcessResult, bool) {
	if c.local != nil {
		if res, ok := c.lookupLocal(ctx, action); ok {
			c.opts.Metrics.CacheLookup("local", "hit")
			return res, true
		}
		c.opts.Metrics.CacheLookup("local", "miss")
	}

	if c.opts.Remote != nil {
		if res, ok := c.lookupRemote(ctx, p, action); ok {
			// Later lookups are served locally.
			if c.local != nil && c.opts.Write {
				c.writeLocal(ctx, action, res)
			}
			return res, true
		}
	}

	return nil, false
}

func (c *CachingRunner) lookupLocal(ctx context.Context, action schema.Digest) (*FallibleProcessResult, bool) {
	data, ok, err := c.local.Load(ctx, action)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("action", action).Msg("local cache lookup failed")
		return nil, false
	}

	if !ok {
		return nil, false
	}

	res, err := decodeResult(data, SourceLocalCache)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("action", action).Msg("ignoring local cache entry")
		return nil, false
	}

	if err := res.verify(ctx, c.store); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("action", action).Msg("cached outputs are not available, ignoring local cache entry")
		return nil, false
	}

	return res, true
}

func (c *CachingRunner) lookupRemote(ctx context.Context, p *Process, action schema.Digest) (*FallibleProcessResult, bool) {
	ar, ok := c.opts.Remote.Lookup(ctx, action)
	if !ok {
		return nil, false
	}

	res, err := fromActionResult(ctx, c.store, p, ar, SourceRemoteCache)
	if err == nil {
		err = res.verify(ctx, c.store)
	}

	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("action", action).Msg("cached outputs are not available, ignoring remote cache entry")
		return nil, false
	}

	return res, true
}

func (c *CachingRunner) write(ctx context.Context, p *Process, action schema.Digest, res *FallibleProcessResult) {
	if c.local != nil {
		c.writeLocal(ctx, action, res)
	}

	// The remote service records the successful results it computes.
	if c.opts.Remote == nil || res.Source == SourceRemoteCache || (res.Source == SourceRemote && res.Success()) {
		return
	}

	upload := func(ctx context.Context) error {
		ar, blobs, err := toActionResult(ctx, c.store, p, res)
		if err != nil {
			return err
		}

		if err := c.store.EnsureRemote(ctx, blobs); err != nil {
			c.opts.Metrics.CacheWrite("remote", "error")
			if !fnerrors.IsCancelled(err) {
				c.opts.Remote.Reporter().Report(ctx, remote.TopicCache, "upload", err)
			}
			return nil
		}

		c.opts.Remote.Insert(ctx, action, ar)
		return nil
	}

	if c.opts.Detached != nil {
		c.opts.Detached.GoFrom(ctx, "process.cache-upload", upload)
		return
	}

	if err := upload(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("action", action).Msg("failed to write to the remote cache")
	}
}

func (c *CachingRunner) writeLocal(ctx context.Context, action schema.Digest, res *FallibleProcessResult) {
	data, err := encodeResult(res)
	if err == nil {
		err = c.local.Store(ctx, action, data)
	}

	if err != nil {
		c.opts.Metrics.CacheWrite("local", "error")
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("action", action).Msg("failed to write to the local cache")
		return
	}

	c.opts.Metrics.CacheWrite("local", "ok")
}
