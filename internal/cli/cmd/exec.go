// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"namespacelabs.dev/buildgraph/internal/cli/fncobra"
	"namespacelabs.dev/buildgraph/internal/compute"
	"namespacelabs.dev/buildgraph/internal/core"
	"namespacelabs.dev/buildgraph/internal/filewatcher"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/process"
	"namespacelabs.dev/buildgraph/schema"
)

func NewExecCmd() *cobra.Command {
	var (
		inputDir, workingDir, materialize, policy, platform, description string
		inputs, outputFiles, outputDirs                                  []string
		env                                                              map[string]string
		timeout                                                          time.Duration
		watch, poll                                                      bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- <argv>...",
		Short: "Runs a process over a snapshot of a directory, with caching and remote execution.",
		Args:  cobra.MinimumNArgs(1),

		RunE: fncobra.RunE(func(ctx context.Context, args []string) error {
			cachePolicy, err := process.ParseCachePolicy(policy)
			if err != nil {
				return err
			}

			c, err := fncobra.NewCore(ctx, core.Options{BuildRoot: inputDir})
			if err != nil {
				return err
			}
			defer c.Close()

			p := process.Process{
				Argv:              args,
				Env:               env,
				WorkingDirectory:  workingDir,
				OutputFiles:       outputFiles,
				OutputDirectories: outputDirs,
				Timeout:           timeout,
				Platform:          process.Platform(platform),
				CachePolicy:       cachePolicy,
				Description:       description,
			}

			run := func(ctx context.Context) (*process.FallibleProcessResult, error) {
				return execOnce(ctx, c, p, inputDir, inputs, materialize)
			}

			if !watch {
				res, err := run(ctx)
				if err != nil {
					return err
				}
				if !res.Success() {
					return fncobra.ExitError{Code: int(res.ExitCode)}
				}
				return nil
			}

			if inputDir == "" {
				return fnerrors.UsageError("Set --input-dir.", "--watch requires an input directory")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			factory, err := filewatcher.FactoryFor(poll)(ctx)
			if err != nil {
				return err
			}

			changed := make(chan struct{}, 1)
			watchErr := make(chan error, 1)
			go func() {
				watchErr <- c.Watch(ctx, factory, []string{"."}, func(paths []string) {
					zerolog.Ctx(ctx).Debug().Strs("paths", paths).Msg("inputs changed")
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			}()

			for {
				if _, err := run(ctx); err != nil && ctx.Err() == nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("run failed")
				}

				zerolog.Ctx(ctx).Info().Msg("waiting for changes")

				select {
				case <-ctx.Done():
					return nil
				case err := <-watchErr:
					if ctx.Err() != nil {
						return nil
					}
					return err
				case <-changed:
				}
			}
		}),
	}

	cmd.Flags().StringVar(&inputDir, "input-dir", "", "If set, the process's input root is a snapshot of this directory.")
	cmd.Flags().StringSliceVar(&inputs, "input", []string{"**/*"}, "Globs, relative to --input-dir, of the files in the input root.")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory, relative to the input root.")
	cmd.Flags().StringSliceVar(&outputFiles, "output-file", nil, "Files the process produces.")
	cmd.Flags().StringSliceVar(&outputDirs, "output-dir", nil, "Directories the process produces.")
	cmd.Flags().StringToStringVar(&env, "env", nil, "Environment variables, as KEY=VALUE.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "If set, the process is killed after this long.")
	cmd.Flags().StringVar(&policy, "cache-policy", "cacheable", "One of cacheable, cache-always or uncacheable.")
	cmd.Flags().StringVar(&platform, "platform", "", "Platform the process must run on, e.g. linux_amd64.")
	cmd.Flags().StringVar(&description, "description", "", "Description shown in logs.")
	cmd.Flags().StringVar(&materialize, "materialize", "", "If set, outputs are written to this directory.")
	cmd.Flags().BoolVar(&watch, "watch", false, "If set, the process is run again whenever --input-dir changes, until interrupted.")
	cmd.Flags().BoolVar(&poll, "poll", false, "If set with --watch, changes are detected by polling rather than with native notifications.")

	return cmd
}

// execOnce snapshots the inputs, runs p in a session of its own and writes what it printed.
func execOnce(ctx context.Context, c *core.Core, p process.Process, inputDir string, inputs []string, materialize string) (*process.FallibleProcessResult, error) {
	ss := c.NewSession(ctx)
	defer ss.Cancel()

	if inputDir != "" {
		snapshot, err := compute.Request[core.Snapshot](ss, core.PathGlobs{Include: inputs})
		if err != nil {
			return nil, err
		}
		p.InputRoot = snapshot.Digest
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	res, err := compute.Request[*process.FallibleProcessResult](ss, p)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("source", string(res.Source)).Int32("exit_code", res.ExitCode).
		Stringer("output_root", res.OutputRoot).Msg("process completed")

	for _, out := range []struct {
		f *os.File
		d schema.Digest
	}{
		{os.Stdout, res.Stdout},
		{os.Stderr, res.Stderr},
	} {
		contents, err := c.Store().LoadBytes(ctx, out.d)
		if err != nil {
			return nil, err
		}
		if _, err := out.f.Write(contents); err != nil {
			return nil, err
		}
	}

	if materialize != "" {
		if err := c.Store().Materialize(ctx, res.OutputRoot, materialize); err != nil {
			return nil, fnerrors.New("failed to write outputs: %w", err)
		}
	}

	return res, nil
}
