// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package compute

import (
	"context"
	"fmt"
	"sync"

	"namespacelabs.dev/buildgraph/internal/rules"
	"namespacelabs.dev/buildgraph/std/tasks"
	"namespacelabs.dev/go-ids"
)

// Session is one top-level client of a Scheduler. Cancelling a session releases its
// waiters; the nodes they were waiting for keep running.
type Session struct {
	s      *Scheduler
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Scheduler) NewSession(ctx context.Context) *Session {
	id := ids.NewRandomBase32ID(8)
	ctx, cancel := context.WithCancel(tasks.WithSessionID(ctx, id))
	return &Session{s: s, id: id, ctx: ctx, cancel: cancel}
}

func (ss *Session) ID() string { return ss.id }

// Cancel ends the session. Its waiters are released, and Options.OnSessionEnd is called
// once.
func (ss *Session) Cancel() {
	ss.cancel()
	ss.once.Do(func() {
		if ss.s.opts.OnSessionEnd != nil {
			ss.s.opts.OnSessionEnd(ss.id)
		}
	})
}

// Request evaluates the declared query for output given params.
func (ss *Session) Request(output rules.TypeID, params ...any) (any, error) {
	p := rules.NewParams(params...)

	r, err := ss.s.graph.Query(output, p.Types())
	if err != nil {
		return nil, err
	}

	return ss.s.request(ss.ctx, nil, r, p)
}

// Request evaluates the declared query for T given params.
func Request[T any](ss *Session, params ...any) (T, error) {
	var zero T

	v, err := ss.Request(rules.TypeOf[T](), params...)
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("got a %T, expected %s", v, rules.TypeOf[T]())
	}
	return typed, nil
}
