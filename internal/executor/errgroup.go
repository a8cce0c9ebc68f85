// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"namespacelabs.dev/go-ids"
)

type Executor interface {
	Go(func(context.Context) error)
	Wait() error
}

// New returns an executor whose first failure cancels the context observed by every other
// function it runs.
func New(ctx context.Context, name string) (Executor, func() error) {
	ctxWithCancel, cancel := context.WithCancel(ctx)
	exec := &errGroupExecutor{ctx: ctxWithCancel, cancel: cancel, name: name, id: ids.NewRandomBase32ID(8)}
	return exec, exec.Wait
}

// NewBounded is like New, but at most `limit` functions run at any given time.
func NewBounded(ctx context.Context, name string, limit int64) (Executor, func() error) {
	ctxWithCancel, cancel := context.WithCancel(ctx)
	exec := &errGroupExecutor{ctx: ctxWithCancel, cancel: cancel, name: name, id: ids.NewRandomBase32ID(8)}
	if limit > 0 {
		exec.sem = semaphore.NewWeighted(limit)
	}
	return exec, exec.Wait
}

// NewCollecting runs every function to completion regardless of failures of others, and
// returns all errors joined.
func NewCollecting(ctx context.Context, name string) (Executor, func() error) {
	exec := &errGroupExecutor{ctx: ctx, cancel: func() {}, name: name, id: ids.NewRandomBase32ID(8), collect: true}
	return exec, exec.Wait
}

type errGroupExecutor struct {
	ctx     context.Context
	cancel  func()
	name    string
	id      string
	sem     *semaphore.Weighted
	collect bool

	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func (exec *errGroupExecutor) Wait() error {
	exec.wg.Wait()
	exec.cancel()

	exec.mu.Lock()
	defer exec.mu.Unlock()

	if len(exec.errs) == 0 {
		return nil
	}

	if exec.collect {
		return errors.Join(exec.errs...)
	}

	return exec.errs[0]
}

func (exec *errGroupExecutor) lowlevelGo(f func() error) {
	exec.wg.Add(1)

	go func() {
		defer exec.wg.Done()

		if exec.sem != nil {
			if err := exec.sem.Acquire(exec.ctx, 1); err != nil {
				exec.fail(err)
				return
			}
			defer exec.sem.Release(1)
		}

		if err := f(); err != nil {
			exec.fail(err)
		}
	}()
}

func (exec *errGroupExecutor) fail(err error) {
	exec.mu.Lock()
	first := len(exec.errs) == 0
	exec.errs = append(exec.errs, err)
	exec.mu.Unlock()

	if exec.collect {
		return
	}

	if first {
		zerolog.Ctx(exec.ctx).Debug().Str("executor", exec.name).Str("executor_id", exec.id).Err(err).Msg("cancelling")
		exec.cancel()
	}
}

func (exec *errGroupExecutor) Go(f func(context.Context) error) {
	exec.lowlevelGo(func() error {
		return f(exec.ctx)
	})
}
