// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package remote

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/std/tasks"
)

const (
	TopicCache     = "cache"
	TopicExecution = "execution"
)

// Reporter surfaces failures of the remote services once per session and topic. Repeated
// failures within a session are logged at debug level.
type Reporter struct {
	mu       sync.Mutex
	reported map[string]map[string]struct{} // session -> topics
}

func NewReporter() *Reporter {
	return &Reporter{reported: map[string]map[string]struct{}{}}
}

// Report records a failure of topic in the session of ctx. Returns true if it was the first
// one, and was surfaced.
func (r *Reporter) Report(ctx context.Context, topic, op string, err error) bool {
	session := tasks.SessionID(ctx)

	r.mu.Lock()
	topics, ok := r.reported[session]
	if !ok {
		topics = map[string]struct{}{}
		r.reported[session] = topics
	}
	_, already := topics[topic]
	topics[topic] = struct{}{}
	r.mu.Unlock()

	if already {
		zerolog.Ctx(ctx).Debug().Err(err).Str("topic", topic).Str("op", op).Msg("remote failure (already reported)")
		return false
	}

	zerolog.Ctx(ctx).Warn().Err(err).Str("topic", topic).Str("op", op).Str("session", session).Msg("remote " + topic + " is failing; continuing without it")
	tasks.Action("remote."+topic+".unavailable").Arg("op", op).Arg("error", err.Error()).Log(ctx)
	return true
}

// Reported returns true if a failure of topic was already surfaced in the session.
func (r *Reporter) Reported(session, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reported[session][topic]
	return ok
}

// ForgetSession releases what was tracked for the session.
func (r *Reporter) ForgetSession(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reported, session)
}

// Sessions returns how many sessions are being tracked.
func (r *Reporter) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reported)
}
