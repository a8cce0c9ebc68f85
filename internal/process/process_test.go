// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"gotest.tools/assert"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/remote"
	"namespacelabs.dev/buildgraph/internal/remote/remotetest"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

func newStore(t *testing.T, rcas store.RemoteCAS) *store.Store {
	t.Helper()

	local, err := store.OpenLocal(t.TempDir(), time.Hour)
	assert.NilError(t, err)
	t.Cleanup(func() { local.Close() })

	return store.New(local, rcas)
}

func requireShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shell(script string) *Process {
	return &Process{Argv: []string{"/bin/sh", "-c", script}, Description: script}
}

func load(t *testing.T, s *store.Store, d schema.Digest) string {
	t.Helper()
	contents, err := s.LoadBytes(context.Background(), d)
	assert.NilError(t, err)
	return string(contents)
}

func outputs(t *testing.T, s *store.Store, root schema.Digest) map[string]string {
	t.Helper()
	files, err := s.Contents(context.Background(), root)
	assert.NilError(t, err)

	res := map[string]string{}
	for _, f := range files {
		res[f.Path] = string(f.Contents)
	}
	return res
}

type countingRunner struct {
	inner Runner
	calls *atomic.Int32
}

func counting(inner Runner) *countingRunner {
	return &countingRunner{inner: inner, calls: atomic.NewInt32(0)}
}

func (c *countingRunner) Run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	c.calls.Inc()
	return c.inner.Run(ctx, p)
}

func TestActionDigest(t *testing.T) {
	base := &Process{
		Argv:        []string{"gcc", "-c", "a.c"},
		Env:         map[string]string{"A": "1", "B": "2", "C": "3"},
		OutputFiles: []string{"b.o", "a.o"},
		Description: "compile",
	}

	d1, err := base.ActionDigest()
	assert.NilError(t, err)

	same := *base
	same.Description = "something else"
	same.OutputFiles = []string{"a.o", "b.o"}
	same.Env = map[string]string{"C": "3", "B": "2", "A": "1"}

	d2, err := same.ActionDigest()
	assert.NilError(t, err)
	assert.Equal(t, d1, d2)

	for name, mutate := range map[string]func(*Process){
		"argv":    func(p *Process) { p.Argv = []string{"gcc", "-c", "b.c"} },
		"env":     func(p *Process) { p.Env = map[string]string{"A": "1"} },
		"timeout": func(p *Process) { p.Timeout = time.Minute },
		"policy":  func(p *Process) { p.CachePolicy = CacheAlways },
		"input":   func(p *Process) { p.InputRoot = schema.FromBytes([]byte("x")) },
		"outputs": func(p *Process) { p.OutputDirectories = []string{"gen"} },
	} {
		changed := *base
		mutate(&changed)

		d, err := changed.ActionDigest()
		assert.NilError(t, err)
		assert.Assert(t, d != d1, "changing %s didn't change the action digest", name)
	}
}

func TestValidate(t *testing.T) {
	assert.ErrorContains(t, (&Process{}).Validate(), "at least one argument")
	assert.ErrorContains(t, (&Process{Argv: []string{"x"}, OutputFiles: []string{"/abs"}}).Validate(), "must be relative")
	assert.ErrorContains(t, (&Process{Argv: []string{"x"}, OutputDirectories: []string{"../up"}}).Validate(), "must be relative")
	assert.NilError(t, (&Process{Argv: []string{"x"}, OutputFiles: []string{"out/a"}}).Validate())
}

func TestLocalRunner(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s := newStore(t, nil)

	input, err := s.RecordTree(ctx, []store.File{{Path: "src/in.txt", Contents: []byte("input")}})
	assert.NilError(t, err)

	p := shell("cat src/in.txt > out/copy.txt; mkdir -p gen/sub; printf x > gen/sub/x; printf hello; printf oops >&2")
	p.InputRoot = input
	p.OutputFiles = []string{"out/copy.txt"}
	p.OutputDirectories = []string{"gen"}

	res, err := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}).Run(ctx, p)
	assert.NilError(t, err)

	assert.Equal(t, res.ExitCode, int32(0))
	assert.Equal(t, res.Source, SourceLocal)
	assert.Equal(t, load(t, s, res.Stdout), "hello")
	assert.Equal(t, load(t, s, res.Stderr), "oops")

	if d := cmp.Diff(map[string]string{"out/copy.txt": "input", "gen/sub/x": "x"}, outputs(t, s, res.OutputRoot)); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}

func TestLocalRunnerReportsExitCode(t *testing.T) {
	requireShell(t)

	s := newStore(t, nil)
	res, err := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), shell("exit 3"))
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, int32(3))
}

func TestLocalRunnerMissingOutput(t *testing.T) {
	requireShell(t)

	p := shell("true")
	p.OutputFiles = []string{"never-written"}

	_, err := NewLocalRunner(newStore(t, nil), LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), p)
	var missing *fnerrors.MissingOutputError
	assert.Assert(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, missing.Path, "never-written")
}

func TestLocalRunnerFailureWithoutOutputs(t *testing.T) {
	requireShell(t)

	s := newStore(t, nil)
	p := shell("printf partial > made; echo boom >&2; exit 1")
	p.OutputFiles = []string{"made", "out.o"}
	p.OutputDirectories = []string{"gen"}

	res, err := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), p)
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, int32(1))
	assert.Equal(t, load(t, s, res.Stderr), "boom\n")

	if d := cmp.Diff(map[string]string{"made": "partial"}, outputs(t, s, res.OutputRoot)); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}

func TestLocalRunnerCreatesOutputParents(t *testing.T) {
	requireShell(t)

	s := newStore(t, nil)
	p := shell("test -d gen && test ! -e gen/out && mkdir gen/out && printf x > gen/out/f")
	p.OutputDirectories = []string{"gen/out"}

	res, err := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), p)
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, int32(0))

	if d := cmp.Diff(map[string]string{"gen/out/f": "x"}, outputs(t, s, res.OutputRoot)); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}

func TestLocalRunnerTimeout(t *testing.T) {
	requireShell(t)

	p := shell("sleep 10")
	p.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := NewLocalRunner(newStore(t, nil), LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), p)
	assert.Assert(t, fnerrors.IsTimeout(err), "got %v", err)
	assert.Assert(t, time.Since(start) < 5*time.Second)
}

func TestLocalRunnerEnvironmentIsIsolated(t *testing.T) {
	requireShell(t)
	t.Setenv("BUILDGRAPH_AMBIENT", "leaked")

	s := newStore(t, nil)
	p := shell(`printf "%s/%s" "$BUILDGRAPH_AMBIENT" "$OWN"`)
	p.Env = map[string]string{"OWN": "mine"}

	res, err := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}).Run(context.Background(), p)
	assert.NilError(t, err)
	assert.Equal(t, load(t, s, res.Stdout), "/mine")
}

func TestLocalRunnerParallelism(t *testing.T) {
	requireShell(t)

	s := newStore(t, nil)
	runner := NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir(), Parallelism: 1})

	// With a single slot, the second process must wait for the first.
	ctx, cancel := context.WithCancel(context.Background())
	assert.NilError(t, runner.sem.Acquire(ctx, 1))

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, shell("true"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("process ran without a free slot")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Assert(t, errors.Is(<-done, context.Canceled))
	runner.sem.Release(1)
}

func TestCachingRunnerLocalCache(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s := newStore(t, nil)
	inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	runner := NewCachingRunner(inner, s, CacheOptions{Local: true, Read: true, Write: true})

	p := shell("printf cached > out; printf stdout")
	p.OutputFiles = []string{"out"}

	first, err := runner.Run(ctx, p)
	assert.NilError(t, err)
	assert.Assert(t, !first.CacheHit())

	second, err := runner.Run(ctx, p)
	assert.NilError(t, err)
	assert.Assert(t, second.CacheHit())
	assert.Equal(t, second.Source, SourceLocalCache)
	assert.Equal(t, inner.calls.Load(), int32(1))

	assert.Equal(t, first.Stdout, second.Stdout)
	assert.Equal(t, first.OutputRoot, second.OutputRoot)
	assert.Equal(t, load(t, s, second.Stdout), "stdout")
}

func TestCachingRunnerFailures(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s := newStore(t, nil)

	for _, tc := range []struct {
		policy CachePolicy
		runs   int32
	}{
		{Cacheable, 2},
		{CacheAlways, 1},
		{Uncacheable, 2},
	} {
		inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
		runner := NewCachingRunner(inner, s, CacheOptions{Local: true, Read: true, Write: true})

		p := shell("exit 1")
		p.CachePolicy = tc.policy

		for i := 0; i < 2; i++ {
			res, err := runner.Run(ctx, p)
			assert.NilError(t, err)
			assert.Equal(t, res.ExitCode, int32(1))
		}

		assert.Equal(t, inner.calls.Load(), tc.runs, "policy %s", tc.policy)
	}
}

func TestCachingRunnerCachesFailureWithoutOutputs(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s := newStore(t, nil)
	inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	runner := NewCachingRunner(inner, s, CacheOptions{Local: true, Read: true, Write: true})

	p := shell("echo boom >&2; exit 1")
	p.OutputFiles = []string{"out.o"}
	p.CachePolicy = CacheAlways

	for i := 0; i < 2; i++ {
		res, err := runner.Run(ctx, p)
		assert.NilError(t, err)
		assert.Equal(t, res.ExitCode, int32(1))
		assert.Equal(t, load(t, s, res.Stderr), "boom\n")
	}

	assert.Equal(t, inner.calls.Load(), int32(1))
}

func TestCachingRunnerIgnoresUnverifiableEntries(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s := newStore(t, nil)
	inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	runner := NewCachingRunner(inner, s, CacheOptions{Local: true, Read: true, Write: true})

	p := shell("printf x")
	action, err := p.ActionDigest()
	assert.NilError(t, err)

	bogus, err := encodeResult(&FallibleProcessResult{Stdout: schema.FromBytes([]byte("not stored")), Stderr: schema.FromBytes(nil), OutputRoot: emptyDirectory})
	assert.NilError(t, err)
	assert.NilError(t, s.Local().ActionCache().Store(ctx, action, bogus))

	res, err := runner.Run(ctx, p)
	assert.NilError(t, err)
	assert.Assert(t, !res.CacheHit())
	assert.Equal(t, inner.calls.Load(), int32(1))
}

func newRemote(t *testing.T, srv *remotetest.Server) (*remote.Client, *store.Store) {
	t.Helper()
	client := remote.NewClient(srv.Start(t), remote.Options{})
	return client, newStore(t, client)
}

func TestCachingRunnerRemoteCache(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	srv := remotetest.New()
	conn := srv.Start(t)

	p := shell("mkdir -p gen; printf generated > gen/file; printf remote")
	p.OutputDirectories = []string{"gen"}

	action, err := p.ActionDigest()
	assert.NilError(t, err)

	{
		client := remote.NewClient(conn, remote.Options{})
		s := newStore(t, client)
		runner := NewCachingRunner(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}), s,
			CacheOptions{Remote: remote.NewActionCache(client), Read: true, Write: true})

		_, err := runner.Run(ctx, p)
		assert.NilError(t, err)

		_, ok := srv.ActionResult(action)
		assert.Assert(t, ok, "result was not written to the remote cache")
	}

	// A fresh store, sharing only the remote.
	client := remote.NewClient(conn, remote.Options{})
	s := newStore(t, client)
	inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	runner := NewCachingRunner(inner, s, CacheOptions{Local: true, Remote: remote.NewActionCache(client), Read: true, Write: true})

	res, err := runner.Run(ctx, p)
	assert.NilError(t, err)
	assert.Equal(t, res.Source, SourceRemoteCache)
	assert.Equal(t, inner.calls.Load(), int32(0))
	assert.Equal(t, load(t, s, res.Stdout), "remote")

	if d := cmp.Diff(map[string]string{"gen/file": "generated"}, outputs(t, s, res.OutputRoot)); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	// The hit was recorded locally.
	again, err := runner.Run(ctx, p)
	assert.NilError(t, err)
	assert.Equal(t, again.Source, SourceLocalCache)
}

func TestCachingRunnerSurvivesUnreachableRemote(t *testing.T) {
	requireShell(t)

	srv := remotetest.New()
	for _, method := range []string{"GetCapabilities", "GetActionResult", "UpdateActionResult", "FindMissingBlobs", "BatchUpdateBlobs", "BatchReadBlobs", "Read", "Write"} {
		srv.Fail(method, codes.Unavailable, -1)
	}

	client, s := newRemote(t, srv)
	inner := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	runner := NewCachingRunner(inner, s, CacheOptions{Remote: remote.NewActionCache(client), Read: true, Write: true})

	res, err := runner.Run(context.Background(), shell("printf ok"))
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, int32(0))
	assert.Equal(t, inner.calls.Load(), int32(1))
}

func warnings(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), `"level":"warn"`)
}

func TestCachingRunnerReportsRemoteFailuresOnce(t *testing.T) {
	requireShell(t)

	srv := remotetest.New()
	srv.Fail("GetActionResult", codes.PermissionDenied, -1)
	srv.Fail("FindMissingBlobs", codes.PermissionDenied, -1)

	client, s := newRemote(t, srv)
	cache := remote.NewActionCache(client)
	runner := NewCachingRunner(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}), s,
		CacheOptions{Remote: cache, Read: true, Write: true})

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(tasks.WithSessionID(context.Background(), "s1"))

	for _, script := range []string{"printf one", "printf two"} {
		res, err := runner.Run(ctx, shell(script))
		assert.NilError(t, err)
		assert.Equal(t, res.Source, SourceLocal)
	}

	assert.Equal(t, warnings(&buf), 1, buf.String())
	assert.Assert(t, cache.Reported("s1"))

	// Another session is told again.
	_, err := runner.Run(logger.WithContext(tasks.WithSessionID(context.Background(), "s2")), shell("printf three"))
	assert.NilError(t, err)
	assert.Equal(t, warnings(&buf), 2, buf.String())

	cache.Reporter().ForgetSession("s1")
	cache.Reporter().ForgetSession("s2")
	assert.Equal(t, cache.Reporter().Sessions(), 0)
}

func TestDispatcherReportsFallbackOnce(t *testing.T) {
	requireShell(t)

	srv := remotetest.New()
	srv.Fail("Execute", codes.Unavailable, -1)
	client, s := newRemote(t, srv)

	reporter := remote.NewReporter()
	remoteRunner := NewRemoteRunner(s, client, RemoteOptions{Platforms: []Platform{CurrentPlatform()}, Reporter: reporter})
	dispatcher := NewDispatcher(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}), remoteRunner, true)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(tasks.WithSessionID(context.Background(), "s1"))

	for _, script := range []string{"printf one", "printf two"} {
		res, err := dispatcher.Run(ctx, shell(script))
		assert.NilError(t, err)
		assert.Equal(t, res.Source, SourceLocal)
	}

	assert.Equal(t, warnings(&buf), 1, buf.String())
	assert.Assert(t, reporter.Reported("s1", remote.TopicExecution))
}

// generate is a remote executor which writes each argument after the first into the
// declared outputs, in order.
func generate(ctx context.Context, s *remotetest.Server, action *repb.Action, command *repb.Command) (*repb.ActionResult, error) {
	args := command.GetArguments()[1:]
	res := &repb.ActionResult{StdoutDigest: s.Put([]byte("ran remotely")).Proto()}

	for i, out := range command.GetOutputFiles() {
		if i < len(args) {
			res.OutputFiles = append(res.OutputFiles, &repb.OutputFile{Path: out, Digest: s.Put([]byte(args[i])).Proto()})
		}
	}

	for _, out := range command.GetOutputDirectories() {
		tree := &repb.Tree{Root: &repb.Directory{Files: []*repb.FileNode{{Name: "inner", Digest: s.Put([]byte("tree")).Proto()}}}}
		td, err := s.PutProto(tree)
		if err != nil {
			return nil, err
		}
		res.OutputDirectories = append(res.OutputDirectories, &repb.OutputDirectory{Path: out, TreeDigest: td.Proto()})
	}

	return res, nil
}

func TestRemoteRunner(t *testing.T) {
	srv := remotetest.New()
	srv.Executor = generate
	client, s := newRemote(t, srv)

	ctx := context.Background()
	input, err := s.RecordTree(ctx, []store.File{{Path: "in", Contents: []byte("input")}})
	assert.NilError(t, err)

	p := &Process{Argv: []string{"generate", "first"}, InputRoot: input, OutputFiles: []string{"a/file"}, OutputDirectories: []string{"dir"}}

	res, err := NewRemoteRunner(s, client, RemoteOptions{}).Run(ctx, p)
	assert.NilError(t, err)
	assert.Equal(t, res.Source, SourceRemote)
	assert.Equal(t, load(t, s, res.Stdout), "ran remotely")

	if d := cmp.Diff(map[string]string{"a/file": "first", "dir/inner": "tree"}, outputs(t, s, res.OutputRoot)); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	// The input root was uploaded.
	_, ok := srv.Blob(schema.FromBytes([]byte("input")))
	assert.Assert(t, ok)
}

func TestRemoteRunnerMissingOutput(t *testing.T) {
	srv := remotetest.New()
	srv.Executor = generate
	client, s := newRemote(t, srv)

	p := &Process{Argv: []string{"generate"}, OutputFiles: []string{"never"}}

	_, err := NewRemoteRunner(s, client, RemoteOptions{}).Run(context.Background(), p)
	var missing *fnerrors.MissingOutputError
	assert.Assert(t, errors.As(err, &missing), "got %v", err)
}

func TestRemoteRunnerFailureWithoutOutputs(t *testing.T) {
	srv := remotetest.New()
	srv.Executor = func(ctx context.Context, s *remotetest.Server, action *repb.Action, command *repb.Command) (*repb.ActionResult, error) {
		return &repb.ActionResult{ExitCode: 2, StderrDigest: s.Put([]byte("boom")).Proto()}, nil
	}
	client, s := newRemote(t, srv)

	p := &Process{Argv: []string{"compile"}, OutputFiles: []string{"out.o"}, OutputDirectories: []string{"gen"}}

	res, err := NewRemoteRunner(s, client, RemoteOptions{}).Run(context.Background(), p)
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, int32(2))
	assert.Equal(t, load(t, s, res.Stderr), "boom")
	assert.Equal(t, len(outputs(t, s, res.OutputRoot)), 0)
}

func TestDispatcher(t *testing.T) {
	requireShell(t)

	srv := remotetest.New()
	srv.Executor = generate
	client, s := newRemote(t, srv)

	local := counting(NewLocalRunner(s, LocalOptions{SandboxDir: t.TempDir()}))
	remoteRunner := NewRemoteRunner(s, client, RemoteOptions{Platforms: []Platform{CurrentPlatform()}})

	ctx := context.Background()

	res, err := NewDispatcher(local, remoteRunner, true).Run(ctx, shell("printf local"))
	assert.NilError(t, err)
	assert.Equal(t, res.Source, SourceRemote)
	assert.Equal(t, local.calls.Load(), int32(0))

	other := shell("printf local")
	other.Platform = "plan9_mips"
	_, err = NewDispatcher(local, remoteRunner, true).Run(ctx, other)
	assert.Assert(t, err != nil)
	assert.Equal(t, local.calls.Load(), int32(1))

	srv.Fail("Execute", codes.Unavailable, -1)

	res, err = NewDispatcher(local, remoteRunner, true).Run(ctx, shell("printf fallback"))
	assert.NilError(t, err)
	assert.Equal(t, res.Source, SourceLocal)
	assert.Equal(t, load(t, s, res.Stdout), "fallback")

	_, err = NewDispatcher(local, remoteRunner, false).Run(ctx, shell("printf nofallback"))
	assert.Assert(t, fnerrors.IsTransient(err), "got %v", err)
}

func TestParseCachePolicy(t *testing.T) {
	for _, c := range []CachePolicy{Cacheable, CacheAlways, Uncacheable} {
		parsed, err := ParseCachePolicy(c.String())
		assert.NilError(t, err)
		assert.Equal(t, parsed, c)
	}

	_, err := ParseCachePolicy("sometimes")
	assert.ErrorContains(t, err, "unknown cache policy")
}
