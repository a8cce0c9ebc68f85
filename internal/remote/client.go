// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/metrics"
)

const (
	DefaultRPCConcurrency = 128
	DefaultRPCTimeout     = 30 * time.Second
	DefaultRetries        = 3
	// How long past an action's own timeout the client waits for the server to report it.
	DefaultExecutionGracePeriod = 30 * time.Second
	// Blobs up to this size are transferred with batch calls, subject to the server's limit.
	DefaultBatchThresholdBytes = 4 * 1024 * 1024
)

type Options struct {
	Address             string
	InstanceName        string
	Insecure            bool
	RPCConcurrency      int64
	RPCTimeout          time.Duration
	Retries             int
	BatchThresholdBytes int64
	// ExecutionGracePeriod is added to an action's timeout to bound its Execute call.
	ExecutionGracePeriod time.Duration
	DialOptions         []grpc.DialOption
	Metrics             *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RPCConcurrency <= 0 {
		o.RPCConcurrency = DefaultRPCConcurrency
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = DefaultRPCTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.BatchThresholdBytes <= 0 {
		o.BatchThresholdBytes = DefaultBatchThresholdBytes
	}
	if o.ExecutionGracePeriod <= 0 {
		o.ExecutionGracePeriod = DefaultExecutionGracePeriod
	}
	return o
}

// Client talks to a remote execution API server: its CAS, action cache, execution and
// capabilities services. Every RPC goes through a single concurrency limiter.
type Client struct {
	opts    Options
	conn    *grpc.ClientConn
	limiter *semaphore.Weighted

	cas  repb.ContentAddressableStorageClient
	ac   repb.ActionCacheClient
	exec repb.ExecutionClient
	caps repb.CapabilitiesClient
	bs   bytestream.ByteStreamClient

	mu           sync.Mutex
	capabilities *repb.ServerCapabilities
}

// Dial connects to opts.Address. The connection is established lazily.
func Dial(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, fnerrors.UsageError("Set a remote address.", "no remote address was configured")
	}

	dialOpts := append([]grpc.DialOption{}, opts.DialOptions...)
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fnerrors.BadInputError("%s: failed to connect: %w", opts.Address, err)
	}

	c := NewClient(conn, opts)
	c.conn = conn
	return c, nil
}

// NewClient returns a client which uses an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface, opts Options) *Client {
	opts = opts.withDefaults()

	return &Client{
		opts:    opts,
		limiter: semaphore.NewWeighted(opts.RPCConcurrency),
		cas:     repb.NewContentAddressableStorageClient(conn),
		ac:      repb.NewActionCacheClient(conn),
		exec:    repb.NewExecutionClient(conn),
		caps:    repb.NewCapabilitiesClient(conn),
		bs:      bytestream.NewByteStreamClient(conn),
	}
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) InstanceName() string { return c.opts.InstanceName }

// call runs f with a slot from the limiter, retrying transient failures. Each attempt is
// bounded by the configured RPC timeout.
func (c *Client) call(ctx context.Context, method string, retryable bool, f func(context.Context) error) error {
	return c.invoke(ctx, method, retryable, c.opts.RPCTimeout, f)
}

func (c *Client) invoke(ctx context.Context, method string, retryable bool, timeout time.Duration, f func(context.Context) error) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.limiter.Release(1)

	var b backoff.BackOff = &backoff.StopBackOff{}
	if retryable && c.opts.Retries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxInterval = 2 * time.Second
		b = backoff.WithMaxRetries(exp, uint64(c.opts.Retries))
	}

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			c.opts.Metrics.RemoteRetry(method)
		}
		attempt++

		rctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		err := f(rctx)
		c.opts.Metrics.RemoteRPC(method, status.Code(err).String())
		if err == nil {
			return nil
		}

		// The caller went away; no point in retrying.
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		classified := classify(method, err)
		if fnerrors.IsTransient(classified) {
			zerolog.Ctx(ctx).Debug().Str("method", method).Int("attempt", attempt).Err(err).Msg("transient remote failure")
			return classified
		}

		return backoff.Permanent(classified)
	}, backoff.WithContext(b, ctx))
}

// classify maps a gRPC failure into the error taxonomy.
func classify(method string, err error) error {
	var already *fnerrors.RemoteError
	if errors.As(err, &already) || fnerrors.IsNotFound(err) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return &fnerrors.RemoteError{Op: method, Transient: true, Err: err}
		}
		return &fnerrors.RemoteError{Op: method, Transient: false, Err: err}
	}

	switch st.Code() {
	case codes.NotFound:
		return &fnerrors.NotFoundError{What: method + ": " + st.Message()}
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &fnerrors.RemoteError{Op: method, Transient: true, Err: err}
	default:
		return &fnerrors.RemoteError{Op: method, Transient: false, Err: err}
	}
}
