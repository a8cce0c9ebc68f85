// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"context"
	"sync"
)

// ThrottleCapacity bounds how many actions matching Labels run at once. If CountPerLabel is
// set, capacity is accounted separately for each value of that label.
type ThrottleCapacity struct {
	Name          string
	Labels        map[string]string
	CountPerLabel string
	Capacity      int32
}

type throttleState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity []*throttleCapacity
}

const marker = "-"

type throttleCapacity struct {
	c    ThrottleCapacity
	used map[string]int32 // Total amount of capacity used per value.
}

func WithThrottler(ctx context.Context, confs ...ThrottleCapacity) context.Context {
	return context.WithValue(ctx, _throttleKey, newThrottleState(confs))
}

func throttlerFromContext(ctx context.Context) *throttleState {
	if v := ctx.Value(_throttleKey); v != nil {
		return v.(*throttleState)
	}
	return nil
}

func newThrottleState(confs []ThrottleCapacity) *throttleState {
	ts := &throttleState{}
	ts.cond = sync.NewCond(&ts.mu)
	for _, conf := range confs {
		ts.capacity = append(ts.capacity, &throttleCapacity{c: conf, used: map[string]int32{}})
	}
	return ts
}

func (ts *throttleState) AcquireLease(ctx context.Context, wellKnown map[WellKnown]string) (func(), error) {
	if ts == nil {
		return nil, nil
	}

	// Wake up waiters if ctx is cancelled while they wait for capacity.
	stop := context.AfterFunc(ctx, func() {
		ts.mu.Lock()
		ts.cond.Broadcast()
		ts.mu.Unlock()
	})
	defer stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	for {
		var needsCap bool
		var incs, decs []func()
		for _, cap := range ts.capacity {
			cap := cap // Capture cap.

			if !cap.matches(wellKnown) {
				continue
			}

			var label string
			if cap.c.CountPerLabel != "" {
				var ok bool
				label, ok = wellKnown[WellKnown(cap.c.CountPerLabel)]
				if !ok {
					continue
				}
			} else {
				label = marker
			}

			if v, ok := cap.used[label]; !ok || v < cap.c.Capacity {
				incs = append(incs, func() {
					cap.used[label]++
				})
				decs = append(decs, func() {
					cap.used[label]--
				})
			} else {
				needsCap = true
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !needsCap {
			for _, inc := range incs {
				inc()
			}

			return func() {
				ts.mu.Lock()
				for _, dec := range decs {
					dec()
				}
				ts.cond.Broadcast()
				ts.mu.Unlock()
			}, nil
		}

		ts.cond.Wait()
	}
}

func (tc *throttleCapacity) matches(labels map[WellKnown]string) bool {
	for key, value := range tc.c.Labels {
		if chk, ok := labels[WellKnown(key)]; !ok || chk != value {
			return false
		}
	}
	return true
}
