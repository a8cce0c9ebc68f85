// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
)

// Capabilities returns the server's capabilities. They're negotiated once, and reused for
// the lifetime of the client.
func (c *Client) Capabilities(ctx context.Context) (*repb.ServerCapabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capabilities != nil {
		return c.capabilities, nil
	}

	var caps *repb.ServerCapabilities
	if err := c.call(ctx, "GetCapabilities", true, func(ctx context.Context) error {
		var err error
		caps, err = c.caps.GetCapabilities(ctx, &repb.GetCapabilitiesRequest{InstanceName: c.opts.InstanceName})
		return err
	}); err != nil {
		return nil, err
	}

	if cc := caps.GetCacheCapabilities(); cc != nil && len(cc.GetDigestFunctions()) > 0 {
		var sha256 bool
		for _, fn := range cc.GetDigestFunctions() {
			if fn == repb.DigestFunction_SHA256 {
				sha256 = true
			}
		}
		if !sha256 {
			return nil, &fnerrors.RemoteError{Op: "GetCapabilities", Err: fnerrors.BadInputError("server does not support sha256 digests")}
		}
	}

	c.capabilities = caps
	return caps, nil
}

// batchThreshold is the largest total size of a batch call.
func (c *Client) batchThreshold(ctx context.Context) int64 {
	threshold := c.opts.BatchThresholdBytes

	caps, err := c.Capabilities(ctx)
	if err != nil {
		return threshold
	}

	if limit := caps.GetCacheCapabilities().GetMaxBatchTotalSizeBytes(); limit > 0 && limit < threshold {
		return limit
	}

	return threshold
}

func (c *Client) supportsZstd(ctx context.Context) bool {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return false
	}

	for _, comp := range caps.GetCacheCapabilities().GetSupportedCompressors() {
		if comp == repb.Compressor_ZSTD {
			return true
		}
	}

	return false
}

// ExecutionEnabled returns true if the server accepts Execute calls.
func (c *Client) ExecutionEnabled(ctx context.Context) bool {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return false
	}
	return caps.GetExecutionCapabilities().GetExecEnabled()
}

// ActionCacheUpdatesEnabled returns true if the server accepts action cache writes.
func (c *Client) ActionCacheUpdatesEnabled(ctx context.Context) bool {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return false
	}

	update := caps.GetCacheCapabilities().GetActionCacheUpdateCapabilities()
	return update == nil || update.GetUpdateEnabled()
}
