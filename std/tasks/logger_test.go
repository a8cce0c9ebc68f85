// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"gotest.tools/assert"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
)

func TestLoggerSinkSummarizesFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithSink(context.Background(), NewLoggerSink(&logger, LevelInfo))

	for name, err := range map[string]error{
		"cancelled":  context.Canceled,
		"dependency": fnerrors.DependencyFailed("b", "B", &fnerrors.TimeoutError{What: "b", Timeout: time.Second}),
		"timeout":    &fnerrors.TimeoutError{What: "compile", Timeout: time.Second},
		"remote":     &fnerrors.RemoteError{Op: "Execute", Transient: true, Err: errors.New("unavailable")},
		"other":      errors.New("boom"),
	} {
		err := err
		_ = Action(name).Run(ctx, func(context.Context) error { return err })
	}

	type line struct {
		failure  string
		hasError bool
	}

	got := map[string]line{}
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		assert.NilError(t, json.Unmarshal([]byte(l), &entry))

		if entry["message"] != "done" {
			continue
		}

		failure, _ := entry["failure"].(string)
		_, hasError := entry["error"]
		got[entry["name"].(string)] = line{failure: failure, hasError: hasError}
	}

	want := map[string]line{
		"cancelled":  {failure: "cancelled"},
		"dependency": {failure: "dependency failed"},
		"timeout":    {failure: "timed out", hasError: true},
		"remote":     {failure: "remote unavailable", hasError: true},
		"other":      {failure: "failed", hasError: true},
	}

	if d := cmp.Diff(want, got, cmp.AllowUnexported(line{})); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}
