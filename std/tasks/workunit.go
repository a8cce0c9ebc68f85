// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Workunit is the externally visible record of one action.
type Workunit struct {
	SpanID      ActionID
	ParentID    ActionID
	Name        string
	Description string
	Level       int
	Started     time.Time
	Completed   time.Time
	Metadata    map[string]interface{}
	Err         error
}

type WorkunitEventKind string

const (
	WorkunitStarted   WorkunitEventKind = "started"
	WorkunitCompleted WorkunitEventKind = "completed"
)

type WorkunitEvent struct {
	Kind     WorkunitEventKind
	Workunit Workunit
}

func workunitOf(data EventData, results []ActionArgument) Workunit {
	wu := Workunit{
		SpanID:      data.ActionID,
		ParentID:    data.ParentID,
		Name:        data.Name,
		Description: data.Description(),
		Level:       data.Level,
		Started:     data.Started,
		Completed:   data.Completed,
		Err:         data.Err,
	}

	if len(data.Arguments)+len(results) > 0 {
		wu.Metadata = map[string]interface{}{}
		for _, arg := range data.Arguments {
			wu.Metadata[arg.Name] = arg.Msg
		}
		for _, res := range results {
			wu.Metadata[res.Name] = res.Msg
		}
	}

	return wu
}

// StreamSink publishes workunit start and end events to a channel. Events are dropped,
// and counted, when the consumer falls behind.
type StreamSink struct {
	ch      chan WorkunitEvent
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewStreamSink(buffer int) *StreamSink {
	return &StreamSink{ch: make(chan WorkunitEvent, buffer)}
}

func (s *StreamSink) Events() <-chan WorkunitEvent { return s.ch }

func (s *StreamSink) Dropped() int64 { return s.dropped.Load() }

func (s *StreamSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *StreamSink) publish(ev WorkunitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Inc()
	}
}

func (s *StreamSink) Waiting(*RunningAction) {}

func (s *StreamSink) Started(ra *RunningAction) {
	s.publish(WorkunitEvent{Kind: WorkunitStarted, Workunit: workunitOf(ra.Data, nil)})
}

func (s *StreamSink) Done(ra *RunningAction) {
	s.publish(WorkunitEvent{Kind: WorkunitCompleted, Workunit: workunitOf(ra.Data, ra.Results())})
}

func (s *StreamSink) Instant(ev *EventData) {
	wu := workunitOf(*ev, nil)
	s.publish(WorkunitEvent{Kind: WorkunitStarted, Workunit: wu})
	s.publish(WorkunitEvent{Kind: WorkunitCompleted, Workunit: wu})
}

// Collector retains every completed workunit in memory.
type Collector struct {
	mu        sync.Mutex
	completed []Workunit
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Waiting(*RunningAction) {}
func (c *Collector) Started(*RunningAction) {}

func (c *Collector) Done(ra *RunningAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, workunitOf(ra.Data, ra.Results()))
}

func (c *Collector) Instant(ev *EventData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, workunitOf(*ev, nil))
}

func (c *Collector) Completed() []Workunit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Workunit(nil), c.completed...)
}

// Named returns the completed workunits with the specified name, in completion order.
func (c *Collector) Named(name string) []Workunit {
	var res []Workunit
	for _, wu := range c.Completed() {
		if wu.Name == name {
			res = append(res, wu)
		}
	}
	return res
}
