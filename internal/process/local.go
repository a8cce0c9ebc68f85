// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/metrics"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/std/tasks"
	"namespacelabs.dev/go-ids"
)

type LocalOptions struct {
	// SandboxDir is where sandboxes are created. Defaults to the system's temporary directory.
	SandboxDir string
	// Parallelism bounds how many processes run at once. Defaults to the number of CPUs.
	Parallelism int64
	// KeepSandboxes leaves sandboxes behind, for debugging.
	KeepSandboxes bool
	Metrics       *metrics.Metrics
}

// LocalRunner runs processes on this machine, each in a fresh directory with the contents
// of its input root, and with no environment other than the process's own.
type LocalRunner struct {
	store *store.Store
	opts  LocalOptions
	sem   *semaphore.Weighted
}

var _ Runner = &LocalRunner{}

func NewLocalRunner(s *store.Store, opts LocalOptions) *LocalRunner {
	if opts.SandboxDir == "" {
		opts.SandboxDir = os.TempDir()
	}

	if opts.Parallelism <= 0 {
		opts.Parallelism = int64(runtime.NumCPU())
	}

	return &LocalRunner{store: s, opts: opts, sem: semaphore.NewWeighted(opts.Parallelism)}
}

func (l *LocalRunner) Run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if p.Platform != "" && p.Platform != CurrentPlatform() {
		return nil, fnerrors.BadInputError("%s: requires platform %q, but running on %q", p.label(), p.Platform, CurrentPlatform())
	}

	return tasks.Return(ctx, tasks.Action("process.local").HumanReadablef("Run %s", p.label()).Arg("argv", p.Argv).LogLevel(tasks.LevelDebug),
		func(ctx context.Context) (*FallibleProcessResult, error) {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer l.sem.Release(1)

			return l.run(ctx, p)
		})
}

func (l *LocalRunner) run(ctx context.Context, p *Process) (*FallibleProcessResult, error) {
	sandbox := filepath.Join(l.opts.SandboxDir, "buildgraph-sandbox-"+ids.NewRandomBase32ID(12))
	if err := os.MkdirAll(sandbox, 0755); err != nil {
		return nil, err
	}

	if l.opts.KeepSandboxes {
		zerolog.Ctx(ctx).Info().Str("sandbox", sandbox).Strs("argv", p.Argv).Msg("keeping sandbox")
	} else {
		defer os.RemoveAll(sandbox)
	}

	if err := l.store.Materialize(ctx, p.inputRoot(), sandbox); err != nil {
		return nil, err
	}

	workdir := filepath.Join(sandbox, filepath.FromSlash(p.WorkingDirectory))
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, err
	}

	// Parent directories of outputs are made available to the process; the outputs are not.
	for _, out := range append(append([]string{}, p.OutputFiles...), p.OutputDirectories...) {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(workdir, filepath.FromSlash(out))), 0755); err != nil {
			return nil, err
		}
	}

	bin, err := resolveBinary(p.Argv[0], workdir, p.Env)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := &exec.Cmd{
		Path:   bin,
		Args:   p.Argv,
		Dir:    workdir,
		Env:    []string{},
		Stdout: &stdout,
		Stderr: &stderr,
	}

	for _, k := range sorted(keys(p.Env)) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, p.Env[k]))
	}

	setProcessGroup(cmd)

	start := time.Now()
	exitCode, err := runAndWait(ctx, p, cmd)
	l.opts.Metrics.ProcessExecuted("local", time.Since(start))
	if err != nil {
		return nil, err
	}

	tasks.Current(ctx).AddResult("exit_code", exitCode)

	result := &FallibleProcessResult{ExitCode: exitCode, Platform: CurrentPlatform(), Source: SourceLocal}

	// A failing process may not have produced its outputs; only a successful one must.
	capture := l.store.Capture
	if !result.Success() {
		capture = l.store.CaptureExisting
	}

	if result.OutputRoot, err = capture(ctx, workdir, append(append([]string{}, p.OutputFiles...), p.OutputDirectories...)); err != nil {
		return nil, err
	}

	if result.Stdout, err = l.store.StoreBytes(ctx, stdout.Bytes()); err != nil {
		return nil, err
	}

	if result.Stderr, err = l.store.StoreBytes(ctx, stderr.Bytes()); err != nil {
		return nil, err
	}

	return result, nil
}

// runAndWait runs cmd until it exits, its timeout expires, or ctx is cancelled. In the latter
// two cases, the process and its descendants are killed.
func runAndWait(ctx context.Context, p *Process, cmd *exec.Cmd) (int32, error) {
	if err := cmd.Start(); err != nil {
		return 0, fnerrors.BadInputError("%s: failed to start: %w", p.label(), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if p.Timeout > 0 {
		t := time.NewTimer(p.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return int32(exitErr.ExitCode()), nil
		} else if err != nil {
			return 0, err
		}
		return 0, nil

	case <-timeout:
		_ = killProcessGroup(cmd)
		<-done
		return 0, &fnerrors.TimeoutError{What: p.label(), Timeout: p.Timeout}

	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		<-done
		return 0, ctx.Err()
	}
}

// resolveBinary finds argv0 relative to the working directory when it's a path, and in the
// process's PATH otherwise. Without a PATH of its own, the host's is used.
func resolveBinary(argv0, workdir string, env map[string]string) (string, error) {
	if strings.Contains(argv0, "/") {
		if filepath.IsAbs(argv0) {
			return argv0, nil
		}
		return filepath.Join(workdir, filepath.FromSlash(argv0)), nil
	}

	searchPath, ok := env["PATH"]
	if !ok {
		bin, err := exec.LookPath(argv0)
		if err != nil {
			return "", fnerrors.BadInputError("%s: %w", argv0, err)
		}
		return bin, nil
	}

	for _, dir := range filepath.SplitList(searchPath) {
		candidate := filepath.Join(dir, argv0)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() && st.Mode()&0111 != 0 {
			return candidate, nil
		}
	}

	return "", fnerrors.BadInputError("%s: not found in the process's PATH", argv0)
}
