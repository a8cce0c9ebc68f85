// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"
	"errors"
	"io"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

// Execute runs the action remotely, and waits for its result. The action, its command and
// its input root must already be in the remote CAS. Execute is not retried, as it's not
// known whether the server already accepted it; callers fall back instead. timeout is the
// action's own timeout, and is reported back as a TimeoutError. When set, the call is
// abandoned once the timeout and the grace period have passed.
func (c *Client) Execute(ctx context.Context, action schema.Digest, skipCache bool, timeout time.Duration) (*repb.ExecuteResponse, error) {
	var deadline time.Duration
	if timeout > 0 {
		deadline = timeout + c.opts.ExecutionGracePeriod
	}

	var resp *repb.ExecuteResponse
	err := c.invoke(ctx, "Execute", false, deadline, func(ctx context.Context) error {
		stream, err := c.exec.Execute(ctx, &repb.ExecuteRequest{
			InstanceName:    c.opts.InstanceName,
			ActionDigest:    action.Proto(),
			SkipCacheLookup: skipCache,
			DigestFunction:  repb.DigestFunction_SHA256,
		})
		if err != nil {
			return err
		}

		var name string
		for {
			op, err := stream.Recv()
			if err == io.EOF {
				if name == "" {
					return status.Error(codes.Unavailable, "execution stream closed before the operation was named")
				}

				zerolog.Ctx(ctx).Debug().Str("operation", name).Msg("execution stream closed, waiting")

				// The stream went away before the operation completed.
				stream, err = c.exec.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: name})
				if err != nil {
					return err
				}
				continue
			} else if err != nil {
				return err
			}

			name = op.GetName()
			if !op.GetDone() {
				continue
			}

			if opErr := op.GetError(); opErr != nil {
				return status.FromProto(opErr).Err()
			}

			resp = &repb.ExecuteResponse{}
			if err := op.GetResponse().UnmarshalTo(resp); err != nil {
				return fnerrors.InternalError("%s: failed to decode the execution response: %w", name, err)
			}

			return nil
		}
	})
	if err != nil {
		if timeout > 0 && ctx.Err() == nil && deadlineExceeded(err) {
			return nil, &fnerrors.TimeoutError{What: action.String(), Timeout: timeout}
		}
		return nil, err
	}

	if st := resp.GetStatus(); st.GetCode() != 0 {
		if codes.Code(st.GetCode()) == codes.DeadlineExceeded {
			return resp, &fnerrors.TimeoutError{What: action.String(), Timeout: timeout}
		}
		return resp, classify("Execute", status.FromProto(st).Err())
	}

	if resp.GetResult() == nil {
		return resp, fnerrors.InternalError("%s: execution completed without a result", action)
	}

	return resp, nil
}

func deadlineExceeded(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var remoteErr *fnerrors.RemoteError
	if errors.As(err, &remoteErr) {
		err = remoteErr.Err
	}
	return status.Code(err) == codes.DeadlineExceeded
}
