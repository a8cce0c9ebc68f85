// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

// GetActionResult returns the cached result of the action, or a NotFoundError.
func (c *Client) GetActionResult(ctx context.Context, action schema.Digest) (*repb.ActionResult, error) {
	var res *repb.ActionResult
	if err := c.call(ctx, "GetActionResult", true, func(ctx context.Context) error {
		var err error
		res, err = c.ac.GetActionResult(ctx, &repb.GetActionResultRequest{
			InstanceName:   c.opts.InstanceName,
			ActionDigest:   action.Proto(),
			InlineStdout:   true,
			InlineStderr:   true,
			DigestFunction: repb.DigestFunction_SHA256,
		})
		return err
	}); err != nil {
		return nil, err
	}

	return res, nil
}

// UpdateActionResult stores result as the outcome of the action. Every blob referenced by
// result must already be in the remote CAS.
func (c *Client) UpdateActionResult(ctx context.Context, action schema.Digest, result *repb.ActionResult) error {
	return c.call(ctx, "UpdateActionResult", true, func(ctx context.Context) error {
		_, err := c.ac.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
			InstanceName:   c.opts.InstanceName,
			ActionDigest:   action.Proto(),
			ActionResult:   result,
			DigestFunction: repb.DigestFunction_SHA256,
		})
		return err
	})
}

// ActionCache is a best-effort view of the remote action cache. Lookups never fail: any
// failure is a miss. Inserts never fail either. Permanent failures are reported once per
// session.
type ActionCache struct {
	client   *Client
	reporter *Reporter
}

func NewActionCache(client *Client) *ActionCache {
	return NewReportingActionCache(client, NewReporter())
}

// NewReportingActionCache returns an ActionCache which surfaces failures through reporter,
// which may be shared with the other users of the remote services.
func NewReportingActionCache(client *Client, reporter *Reporter) *ActionCache {
	return &ActionCache{client: client, reporter: reporter}
}

func (ac *ActionCache) Client() *Client { return ac.client }

func (ac *ActionCache) Reporter() *Reporter { return ac.reporter }

// Lookup returns the cached result for the action, if there's one.
func (ac *ActionCache) Lookup(ctx context.Context, action schema.Digest) (*repb.ActionResult, bool) {
	res, err := ac.client.GetActionResult(ctx, action)
	switch {
	case err == nil:
		ac.client.opts.Metrics.CacheLookup("remote", "hit")
		return res, true

	case fnerrors.IsNotFound(err):
		ac.client.opts.Metrics.CacheLookup("remote", "miss")

	case fnerrors.IsTransient(err):
		ac.client.opts.Metrics.CacheLookup("remote", "error")
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("action", action).Msg("remote cache lookup failed, treating as a miss")

	default:
		ac.client.opts.Metrics.CacheLookup("remote", "error")
		ac.reporter.Report(ctx, TopicCache, "lookup", err)
	}

	return nil, false
}

// Insert records result as the outcome of the action. Failures are reported, never returned.
func (ac *ActionCache) Insert(ctx context.Context, action schema.Digest, result *repb.ActionResult) {
	if !ac.client.ActionCacheUpdatesEnabled(ctx) {
		ac.client.opts.Metrics.CacheWrite("remote", "disabled")
		return
	}

	err := ac.client.UpdateActionResult(ctx, action, result)
	switch {
	case err == nil:
		ac.client.opts.Metrics.CacheWrite("remote", "ok")

	case fnerrors.IsCancelled(err):
		ac.client.opts.Metrics.CacheWrite("remote", "error")
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("action", action).Msg("remote cache write cancelled")

	default:
		ac.client.opts.Metrics.CacheWrite("remote", "error")
		ac.reporter.Report(ctx, TopicCache, "insert", err)
	}
}

// Reported returns true if a failure was already reported in the session.
func (ac *ActionCache) Reported(session string) bool {
	return ac.reporter.Reported(session, TopicCache)
}
