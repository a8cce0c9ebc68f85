// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package compute

import (
	"context"
	"sync"
)

// promise is resolved exactly once, with the result of a node.
type promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

func (p *promise) resolve(v any, err error) {
	p.once.Do(func() {
		p.value = v
		p.err = err
		close(p.done)
	})
}

// wait blocks until the promise resolves, or ctx is done. In the latter case, ok is false.
func (p *promise) wait(ctx context.Context) (v any, err error, ok bool) {
	select {
	case <-p.done:
		return p.value, p.err, true
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

func (p *promise) resolved() (any, error, bool) {
	select {
	case <-p.done:
		return p.value, p.err, true
	default:
		return nil, nil, false
	}
}
