// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/atomic"
	"gotest.tools/assert"
)

func TestFirstErrorCancels(t *testing.T) {
	failure := errors.New("failed")

	exec, wait := New(context.Background(), "test")
	exec.Go(func(ctx context.Context) error { return failure })
	exec.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, wait(), failure)
}

func TestBounded(t *testing.T) {
	var running, peak atomic.Int32

	exec, wait := NewBounded(context.Background(), "bounded", 3)
	for i := 0; i < 12; i++ {
		exec.Go(func(ctx context.Context) error {
			n := running.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CAS(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Dec()
			return nil
		})
	}

	assert.NilError(t, wait())
	assert.Assert(t, peak.Load() <= 3)
}

func TestCollecting(t *testing.T) {
	var completed atomic.Int32

	exec, wait := NewCollecting(context.Background(), "collect")
	exec.Go(func(ctx context.Context) error { return errors.New("first") })
	exec.Go(func(ctx context.Context) error { return errors.New("second") })
	exec.Go(func(ctx context.Context) error {
		time.Sleep(2 * time.Millisecond)
		if ctx.Err() == nil {
			completed.Inc()
		}
		return nil
	})

	err := wait()
	assert.ErrorContains(t, err, "first")
	assert.ErrorContains(t, err, "second")
	assert.Equal(t, completed.Load(), int32(1))
}

func TestDetachedOutlivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDetached(ctx)
	cancel()

	var ran atomic.Bool
	d.Go("write", func(ctx context.Context) error {
		if ctx.Err() == nil {
			ran.Store(true)
		}
		return nil
	})
	d.Flush()

	assert.Assert(t, ran.Load())
}
