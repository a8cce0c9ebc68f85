// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package fncobra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"namespacelabs.dev/buildgraph/internal/config"
	"namespacelabs.dev/buildgraph/internal/core"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/ulimit"
	"namespacelabs.dev/buildgraph/std/tasks"
)

type CmdHandler func(context.Context, []string) error

func RunE(handler CmdHandler) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return handler(cmd.Context(), args)
	}
}

// ExitError makes the binary exit with Code, without printing anything.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string { return fmt.Sprintf("exit code %d", e.Code) }

type contextKey string

var (
	_configKey   = contextKey("buildgraph.cli.config")
	_registryKey = contextKey("buildgraph.cli.registry")
)

func ConfigFrom(ctx context.Context) config.Config {
	if v, ok := ctx.Value(_configKey).(config.Config); ok {
		return v
	}
	return config.Config{}
}

// NewCore wires an engine from the command line's configuration.
func NewCore(ctx context.Context, opts core.Options) (*core.Core, error) {
	if opts.Registry == nil {
		if r, ok := ctx.Value(_registryKey).(prometheus.Registerer); ok {
			opts.Registry = r
		}
	}
	return core.New(ctx, ConfigFrom(ctx), opts)
}

func DoMain(name string, registerCommands func(*cobra.Command)) {
	colors := isatty.IsTerminal(os.Stderr.Fd())
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !colors, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	registry := prometheus.NewRegistry()

	var configFile, metricsListen string

	rootCmd := &cobra.Command{
		Use: name,

		SilenceUsage:     true,
		SilenceErrors:    true,
		TraverseChildren: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}

			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			leveled := logger.Level(cfg.ZerologLevel())
			ctx := leveled.WithContext(cmd.Context())
			ctx = tasks.WithSink(ctx, tasks.NewLoggerSink(&leveled, logLevelOf(cfg)))
			ctx = context.WithValue(ctx, _configKey, cfg)
			ctx = context.WithValue(ctx, _registryKey, prometheus.Registerer(registry))

			// Wide builds open many blobs and sandboxes at once.
			ulimit.SetFileLimit(ctx, 4096)

			if metricsListen != "" {
				go ListenMetrics(ctx, metricsListen, registry)
			}

			cmd.SetContext(ctx)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a configuration file (json, yaml or toml).")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "If set, serves prometheus metrics on this address.")
	config.SetupFlags(rootCmd.PersistentFlags())

	registerCommands(rootCmd)

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var exit ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}

	fnerrors.Format(os.Stderr, err, fnerrors.WithColors(colors))
	os.Exit(1)
}

// logLevelOf maps the configured log level to the most detailed action level logged.
func logLevelOf(cfg config.Config) int {
	switch level := cfg.ZerologLevel(); {
	case level <= zerolog.TraceLevel:
		return tasks.LevelTrace
	case level <= zerolog.DebugLevel:
		return tasks.LevelDebug
	default:
		return tasks.LevelInfo
	}
}
