// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"namespacelabs.dev/go-ids"
)

type ActionState string

const (
	ActionCreated ActionState = "bg.action.created"
	ActionWaiting ActionState = "bg.action.waiting"
	ActionRunning ActionState = "bg.action.running"
	ActionDone    ActionState = "bg.action.done"
	ActionInstant ActionState = "bg.action.instant"
)

func (a ActionState) IsRunning() bool { return a == ActionWaiting || a == ActionRunning }
func (a ActionState) IsDone() bool    { return a == ActionDone || a == ActionInstant }

type WellKnown string

const (
	WkAction   WellKnown = "action"
	WkCategory WellKnown = "category"
)

// Log levels. The lower the level, the higher the importance.
const (
	LevelInfo  = 0
	LevelDebug = 1
	LevelTrace = 2
)

type ActionID string

func (a ActionID) String() string { return string(a) }

func NewActionID() ActionID { return ActionID(ids.NewRandomBase62ID(16)) }

// EventData is the workunit record: what ran, under which parent, and when.
type EventData struct {
	ActionID      ActionID
	ParentID      ActionID
	SpanID        string
	State         ActionState
	Name          string
	HumanReadable string // If not set, name is used.
	Category      string
	Created       time.Time
	Started       time.Time
	Completed     time.Time
	Arguments     []ActionArgument
	Level         int
	Err           error
}

func (d EventData) Description() string {
	if d.HumanReadable != "" {
		return d.HumanReadable
	}
	return d.Name
}

type ActionArgument struct {
	Name string
	Msg  interface{}
}

type ResultData struct {
	Items []*ActionArgument
}

type ActionEvent struct {
	data      EventData
	wellKnown map[WellKnown]string
}

type RunningAction struct {
	Data EventData

	sink ActionSink
	span trace.Span

	mu     sync.Mutex
	result ResultData
}

func Action(name string) *ActionEvent {
	ev := &ActionEvent{}
	ev.data.Name = name
	ev.data.State = ActionCreated
	return ev
}

func (ev *ActionEvent) HumanReadablef(label string, args ...interface{}) *ActionEvent {
	if len(args) == 0 {
		ev.data.HumanReadable = label
	} else {
		ev.data.HumanReadable = fmt.Sprintf(label, args...)
	}
	return ev
}

func (ev *ActionEvent) ID(id ActionID) *ActionEvent {
	ev.data.ActionID = id
	return ev
}

func (ev *ActionEvent) Category(category string) *ActionEvent {
	ev.data.Category = category
	return ev
}

func (ev *ActionEvent) Parent(tid ActionID) *ActionEvent {
	ev.data.ParentID = tid
	return ev
}

// Sets the level for this action (by default it's zero). The lower the level, the higher the importance.
func (ev *ActionEvent) LogLevel(level int) *ActionEvent {
	ev.data.Level = level
	return ev
}

func (ev *ActionEvent) Str(name string, msg fmt.Stringer) *ActionEvent {
	ev.data.Arguments = append(ev.data.Arguments, ActionArgument{Name: name, Msg: msg.String()})
	return ev
}

func (ev *ActionEvent) Arg(name string, msg interface{}) *ActionEvent {
	ev.data.Arguments = append(ev.data.Arguments, ActionArgument{Name: name, Msg: msg})
	return ev
}

// Register a well known property, used internally only (e.g. for throttling purposes).
func (ev *ActionEvent) WellKnown(key WellKnown, value string) *ActionEvent {
	if ev.wellKnown == nil {
		ev.wellKnown = map[WellKnown]string{}
	}
	ev.wellKnown[key] = value
	return ev
}

func (ev *ActionEvent) initMissing() {
	if ev.data.ActionID == "" {
		ev.data.ActionID = NewActionID()
	}
	ev.data.Created = time.Now()
}

func (ev *ActionEvent) toAction(ctx context.Context, state ActionState) *RunningAction {
	if parent := currentAction(ctx); parent != nil && ev.data.ParentID == "" {
		ev.data.ParentID = parent.Data.ActionID
	}

	ev.initMissing()
	ev.data.State = state

	ra := &RunningAction{sink: SinkFrom(ctx), Data: ev.data}
	ra.span = startSpan(ctx, ev.data)
	return ra
}

func (ev *ActionEvent) Start(ctx context.Context) *RunningAction {
	ra := ev.toAction(ctx, ActionRunning)
	ra.markStarted()
	return ra
}

type RunOpts struct {
	// If Wait returns true, then the action is considered to be cached, and Run is skipped.
	Wait func(context.Context) (bool, error)
	Run  func(context.Context) error
}

func (ev *ActionEvent) RunWithOpts(ctx context.Context, opts RunOpts) error {
	ra := ev.toAction(ctx, ActionWaiting)
	ra.sink.Waiting(ra)

	if _, ok := ev.wellKnown[WkAction]; !ok {
		ev.WellKnown(WkAction, ev.data.Name)
	}

	var wasCached bool
	var releaseLease func()
	err := ra.Call(ctx, func(ctx context.Context) error {
		if opts.Wait != nil {
			cached, err := opts.Wait(ctx)
			if err != nil {
				return err
			}
			wasCached = cached
			if cached {
				// Don't try to acquire a lease.
				return nil
			}
		}

		// Classify the wait for lease time as "wait time".
		var err error
		releaseLease, err = throttlerFromContext(ctx).AcquireLease(ctx, ev.wellKnown)
		return err
	})
	if err != nil {
		return ra.Done(err)
	}

	if wasCached {
		ra.AddResult("cached", true)
		return ra.Done(nil)
	}

	if releaseLease != nil {
		defer releaseLease()
	}

	ra.Data.Started = time.Now()
	ra.markStarted()

	return ra.Done(ra.Call(ctx, opts.Run))
}

func (ev *ActionEvent) Run(ctx context.Context, f func(context.Context) error) error {
	return ev.RunWithOpts(ctx, RunOpts{Run: f})
}

func Return[V any](ctx context.Context, ev *ActionEvent, f func(context.Context) (V, error)) (V, error) {
	var ret V
	err := ev.RunWithOpts(ctx, RunOpts{Run: func(ctx context.Context) error {
		var err error
		ret, err = f(ctx)
		return err
	}})
	return ret, err
}

func (ev *ActionEvent) Log(ctx context.Context) {
	if parent := currentAction(ctx); parent != nil && ev.data.ParentID == "" {
		ev.data.ParentID = parent.Data.ActionID
	}

	ev.initMissing()
	if ev.data.Started.IsZero() {
		ev.data.Started = ev.data.Created
	}
	ev.data.Completed = ev.data.Started
	ev.data.State = ActionInstant
	SinkFrom(ctx).Instant(&ev.data)
}

func (af *RunningAction) ID() ActionID { return af.Data.ActionID }

func (af *RunningAction) markStarted() {
	if af.Data.Started.IsZero() {
		af.Data.Started = af.Data.Created
	}
	af.Data.State = ActionRunning
	af.sink.Started(af)
}

// AddResult attaches a result value to the action, reported to sinks when it completes.
func (af *RunningAction) AddResult(name string, msg interface{}) {
	af.mu.Lock()
	defer af.mu.Unlock()
	for _, item := range af.result.Items {
		if item.Name == name {
			item.Msg = msg
			return
		}
	}
	af.result.Items = append(af.result.Items, &ActionArgument{Name: name, Msg: msg})
}

func (af *RunningAction) Results() []ActionArgument {
	af.mu.Lock()
	defer af.mu.Unlock()
	var items []ActionArgument
	for _, item := range af.result.Items {
		items = append(items, *item)
	}
	return items
}

// Relabel updates the description and level of an action that is still running, e.g. when
// its work turned out to be served from a cache.
func (af *RunningAction) Relabel(f func(description string) string, level int) {
	af.mu.Lock()
	af.Data.HumanReadable = f(af.Data.Description())
	af.Data.Level = level
	af.mu.Unlock()
}

func (af *RunningAction) CustomDone(t time.Time, err error) bool {
	if af == nil || af.Data.State == ActionDone {
		return false
	}

	if af.Data.Completed.IsZero() {
		af.Data.Completed = t
	}

	af.Data.State = ActionDone
	af.Data.Err = err

	if af.span != nil {
		if err != nil {
			af.span.SetStatus(codes.Error, err.Error())
		}

		endSpan(af.span, af.Results())
	}

	af.sink.Done(af)
	return true
}

func (af *RunningAction) Call(ctx context.Context, f func(context.Context) error) error {
	if af != nil {
		ctx = context.WithValue(ctx, _actionKey, af)

		if af.span != nil {
			return f(trace.ContextWithSpan(ctx, af.span))
		}
	}

	return f(ctx)
}

func (af *RunningAction) Done(err error) error {
	af.CustomDone(time.Now(), err)
	return err
}

// Current returns the action that is running in ctx, if any.
func Current(ctx context.Context) *RunningAction { return currentAction(ctx) }

func currentAction(ctx context.Context) *RunningAction {
	if v := ctx.Value(_actionKey); v != nil {
		return v.(*RunningAction)
	}
	return nil
}

func startSpan(ctx context.Context, data EventData) trace.Span {
	name := data.Name
	if data.Category != "" {
		name = data.Category + "::" + name
	}
	_, span := otel.Tracer("buildgraph").Start(ctx, name)

	if span.IsRecording() {
		span.SetAttributes(attribute.String("actionID", data.ActionID.String()))

		for _, arg := range data.Arguments {
			// The stored value is serialized in a best-effort way.
			be, _ := json.Marshal(arg.Msg)
			span.SetAttributes(attribute.String("arg."+arg.Name, string(be)))
		}
	}

	return span
}

func endSpan(span trace.Span, results []ActionArgument) {
	for _, arg := range results {
		be, _ := json.Marshal(arg.Msg)
		span.SetAttributes(attribute.String("result."+arg.Name, string(be)))
	}
	span.End()
}
