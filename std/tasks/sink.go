// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import "context"

type contextKey string

var (
	_sinkKey     = contextKey("buildgraph.action.sink")
	_actionKey   = contextKey("buildgraph.action")
	_throttleKey = contextKey("buildgraph.action.throttle")
)

type ActionSink interface {
	Waiting(*RunningAction)
	Started(*RunningAction)
	Done(*RunningAction)
	Instant(*EventData)
}

func NullSink() ActionSink {
	return &nullSink{}
}

type nullSink struct{}

func (*nullSink) Waiting(*RunningAction) {}
func (*nullSink) Started(*RunningAction) {}
func (*nullSink) Done(*RunningAction)    {}
func (*nullSink) Instant(*EventData)     {}

func WithSink(ctx context.Context, sink ActionSink) context.Context {
	return context.WithValue(ctx, _sinkKey, sink)
}

// SinkFrom returns the sink installed in ctx, or a sink that discards everything.
func SinkFrom(ctx context.Context) ActionSink {
	sink := ctx.Value(_sinkKey)
	if sink == nil {
		return NullSink()
	}
	return sink.(ActionSink)
}

// Tee fans out every event to each of the sinks.
func Tee(sinks ...ActionSink) ActionSink { return teeSink(sinks) }

type teeSink []ActionSink

func (t teeSink) Waiting(ra *RunningAction) {
	for _, s := range t {
		s.Waiting(ra)
	}
}

func (t teeSink) Started(ra *RunningAction) {
	for _, s := range t {
		s.Started(ra)
	}
}

func (t teeSink) Done(ra *RunningAction) {
	for _, s := range t {
		s.Done(ra)
	}
}

func (t teeSink) Instant(ev *EventData) {
	for _, s := range t {
		s.Instant(ev)
	}
}
