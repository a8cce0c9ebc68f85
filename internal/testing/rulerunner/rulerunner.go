// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

// Package rulerunner runs rules in tests, over a temporary build root and store.
package rulerunner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"gotest.tools/assert"
	"namespacelabs.dev/buildgraph/internal/compute"
	"namespacelabs.dev/buildgraph/internal/config"
	"namespacelabs.dev/buildgraph/internal/core"
	"namespacelabs.dev/buildgraph/internal/rules"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

type RuleRunner struct {
	t         testing.TB
	ctx       context.Context
	root      string
	core      *core.Core
	session   *compute.Session
	collector *tasks.Collector
}

type Option func(*config.Config)

// New returns a runner with the intrinsic rules, and rs. Queries are what tests may
// Request, other than the intrinsic ones.
func New(t testing.TB, rs []*rules.Rule, queries []rules.Query, opts ...Option) *RuleRunner {
	t.Helper()

	v, err := config.New("")
	assert.NilError(t, err)

	cfg, err := config.Load(v)
	assert.NilError(t, err)
	cfg.StoreDir = t.TempDir()

	for _, opt := range opts {
		opt(&cfg)
	}

	collector := tasks.NewCollector()
	logger := zerolog.New(testLog{t}).Level(zerolog.DebugLevel)
	ctx := tasks.WithSink(logger.WithContext(context.Background()), collector)

	rr := &RuleRunner{t: t, ctx: ctx, root: t.TempDir(), collector: collector}

	c, err := core.New(ctx, cfg, core.Options{BuildRoot: rr.root, Rules: rs, Queries: queries})
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })

	rr.core = c
	rr.session = c.NewSession(ctx)
	return rr
}

type testLog struct{ t testing.TB }

func (l testLog) Write(p []byte) (int, error) {
	l.t.Log(string(p))
	return len(p), nil
}

func (rr *RuleRunner) Context() context.Context { return rr.ctx }
func (rr *RuleRunner) Root() string { return rr.root }
func (rr *RuleRunner) Core() *core.Core { return rr.core }
func (rr *RuleRunner) Store() *store.Store { return rr.core.Store() }
func (rr *RuleRunner) Workunits() []tasks.Workunit { return rr.collector.Completed() }

// NewSession replaces the session used by Request. Memoized results are kept.
func (rr *RuleRunner) NewSession() *compute.Session {
	rr.session.Cancel()
	rr.session = rr.core.NewSession(rr.ctx)
	return rr.session
}

// Request evaluates the declared query for T given params, in the current session.
func Request[T any](rr *RuleRunner, params ...any) (T, error) {
	return compute.Request[T](rr.session, params...)
}

// MustRequest is Request, failing the test on error.
func MustRequest[T any](rr *RuleRunner, params ...any) T {
	rr.t.Helper()

	v, err := Request[T](rr, params...)
	assert.NilError(rr.t, err)
	return v
}

// WriteFiles writes files under the build root, and invalidates what read them.
func (rr *RuleRunner) WriteFiles(files map[string]string) {
	rr.t.Helper()

	var paths []string
	for p, contents := range files {
		target := filepath.Join(rr.root, filepath.FromSlash(p))
		assert.NilError(rr.t, os.MkdirAll(filepath.Dir(target), 0755))
		assert.NilError(rr.t, os.WriteFile(target, []byte(contents), 0644))
		paths = append(paths, p)
	}

	sort.Strings(paths)
	rr.core.Scheduler().InvalidatePaths(paths)
}

// MakeSnapshot records files in the store without writing them to the build root.
func (rr *RuleRunner) MakeSnapshot(files map[string]string) core.Snapshot {
	rr.t.Helper()

	var entries []store.File
	var paths []string
	for p, contents := range files {
		entries = append(entries, store.File{Path: p, Contents: []byte(contents)})
		paths = append(paths, p)
	}
	sort.Strings(paths)

	d := MustRequest[schema.Digest](rr, core.CreateDigest{Files: sortedFiles(entries)})
	return core.Snapshot{Digest: d, Files: paths}
}

func sortedFiles(files []store.File) []store.File {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}
