// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package executor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Detached runs best-effort background work that outlives the request which scheduled it.
// Failures are logged, never returned.
type Detached struct {
	ctx context.Context
	wg  sync.WaitGroup
}

func NewDetached(ctx context.Context) *Detached {
	return &Detached{ctx: context.WithoutCancel(ctx)}
}

func (d *Detached) Go(name string, f func(context.Context) error) {
	d.GoFrom(d.ctx, name, f)
}

// GoFrom is like Go, but f observes the values of ctx (e.g. its logger and session), and not
// its cancellation.
func (d *Detached) GoFrom(ctx context.Context, name string, f func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := f(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Str("what", name).Err(err).Msg("background work failed")
		}
	}()
}

// Flush waits until all scheduled work has completed.
func (d *Detached) Flush() { d.wg.Wait() }
