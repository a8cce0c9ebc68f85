// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"
	"gotest.tools/assert"
)

func TestParentRelationships(t *testing.T) {
	collector := NewCollector()
	ctx := WithSink(context.Background(), collector)

	var childParent ActionID
	var parentID ActionID
	err := Action("parent").Run(ctx, func(ctx context.Context) error {
		parentID = Current(ctx).ID()
		return Action("child").HumanReadablef("child of %s", "parent").Run(ctx, func(ctx context.Context) error {
			childParent = Current(ctx).Data.ParentID
			return nil
		})
	})
	assert.NilError(t, err)
	assert.Equal(t, childParent, parentID)

	var names []string
	for _, wu := range collector.Completed() {
		names = append(names, wu.Description)
	}

	if d := cmp.Diff([]string{"child of parent", "parent"}, names); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	child := collector.Named("child")
	assert.Equal(t, len(child), 1)
	assert.Equal(t, child[0].ParentID, parentID)
	assert.Assert(t, !child[0].Completed.Before(child[0].Started))
}

func TestCachedWaitSkipsRun(t *testing.T) {
	collector := NewCollector()
	ctx := WithSink(context.Background(), collector)

	ran := false
	err := Action("cached").RunWithOpts(ctx, RunOpts{
		Wait: func(context.Context) (bool, error) { return true, nil },
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})
	assert.NilError(t, err)
	assert.Assert(t, !ran)

	wus := collector.Named("cached")
	assert.Equal(t, len(wus), 1)
	assert.Equal(t, wus[0].Metadata["cached"], true)
}

func TestRelabel(t *testing.T) {
	collector := NewCollector()
	ctx := WithSink(context.Background(), collector)

	failure := errors.New("failed")
	err := Action("process").HumanReadablef("Run compiler").Run(ctx, func(ctx context.Context) error {
		Current(ctx).Relabel(func(desc string) string { return "Hit: " + desc }, LevelDebug)
		return failure
	})
	assert.Equal(t, err, failure)

	wus := collector.Named("process")
	assert.Equal(t, len(wus), 1)
	assert.Equal(t, wus[0].Description, "Hit: Run compiler")
	assert.Equal(t, wus[0].Level, LevelDebug)
	assert.Equal(t, wus[0].Err, failure)
}

func TestStreamSink(t *testing.T) {
	stream := NewStreamSink(16)
	ctx := WithSink(context.Background(), stream)

	assert.NilError(t, Action("streamed").Run(ctx, func(context.Context) error { return nil }))
	stream.Close()

	var kinds []WorkunitEventKind
	for ev := range stream.Events() {
		assert.Equal(t, ev.Workunit.Name, "streamed")
		kinds = append(kinds, ev.Kind)
	}

	if d := cmp.Diff([]WorkunitEventKind{WorkunitStarted, WorkunitCompleted}, kinds); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, stream.Dropped(), int64(0))
}

func TestThrottle(t *testing.T) {
	ctx := WithThrottler(context.Background(), ThrottleCapacity{
		Name:     "process",
		Labels:   map[string]string{"action": "process"},
		Capacity: 2,
	})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Action("process").Run(ctx, func(context.Context) error {
				n := running.Inc()
				for {
					p := peak.Load()
					if n <= p || peak.CAS(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Dec()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Assert(t, peak.Load() <= 2, "peak concurrency was %d", peak.Load())
}

func TestThrottleCancelled(t *testing.T) {
	ctx := WithThrottler(context.Background(), ThrottleCapacity{
		Labels:   map[string]string{"action": "slot"},
		Capacity: 1,
	})

	release, err := throttlerFromContext(ctx).AcquireLease(ctx, map[WellKnown]string{WkAction: "slot"})
	assert.NilError(t, err)
	defer release()

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err = Action("slot").Run(cctx, func(context.Context) error { return nil })
	assert.Assert(t, errors.Is(err, context.Canceled))
}
