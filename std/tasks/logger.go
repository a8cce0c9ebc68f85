// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"github.com/rs/zerolog"
)

// NewLoggerSink logs every action that starts and completes, up to maxLevel.
func NewLoggerSink(logger *zerolog.Logger, maxLevel int) ActionSink {
	return &sinkLogger{logger: logger, maxLevel: maxLevel}
}

type sinkLogger struct {
	logger   *zerolog.Logger
	maxLevel int
}

func (sl *sinkLogger) start(ev EventData, withArgs bool) *zerolog.Event {
	e := sl.logger.Info().Str("action_id", ev.ActionID.String()).Str("name", ev.Name).Int("log_level", ev.Level)
	if ev.ParentID != "" {
		e = e.Str("parent_id", ev.ParentID.String())
	}
	if ev.HumanReadable != "" {
		e = e.Str("description", ev.HumanReadable)
	}
	if withArgs {
		for _, arg := range ev.Arguments {
			e = e.Interface(arg.Name, arg.Msg)
		}
	}
	return e
}

func (sl *sinkLogger) Waiting(ra *RunningAction) {
	// Do nothing.
}

func (sl *sinkLogger) Started(ra *RunningAction) {
	if ra.Data.Level > sl.maxLevel {
		return
	}
	sl.start(ra.Data, true).Msg("start")
}

func (sl *sinkLogger) Done(ra *RunningAction) {
	if ra.Data.Level > sl.maxLevel {
		return
	}

	ev := sl.start(ra.Data, false)
	for _, res := range ra.Results() {
		ev = ev.Interface(res.Name, res.Msg)
	}

	if ra.Data.Err != nil {
		kind := KindOf(ra.Data.Err)
		if !failureIsOwn(kind) {
			ev.Str("failure", string(kind)).Msg("done")
			return
		}

		ev = ev.Str("failure", string(kind)).Err(ra.Data.Err)
		if kind == FailureOther {
			ev = ev.Stack()
		}
	}
	ev.Dur("took", ra.Data.Completed.Sub(ra.Data.Started)).Msg("done")
}

func (sl *sinkLogger) Instant(ev *EventData) {
	if ev.Level > sl.maxLevel {
		return
	}
	sl.start(*ev, true).Msg(ev.Name)
}
