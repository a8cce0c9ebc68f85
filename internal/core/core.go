// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package core

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/compute"
	"namespacelabs.dev/buildgraph/internal/config"
	"namespacelabs.dev/buildgraph/internal/executor"
	"namespacelabs.dev/buildgraph/internal/filewatcher"
	"namespacelabs.dev/buildgraph/internal/metrics"
	"namespacelabs.dev/buildgraph/internal/process"
	"namespacelabs.dev/buildgraph/internal/remote"
	"namespacelabs.dev/buildgraph/internal/rules"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/std/tasks"
)

type Options struct {
	// BuildRoot is the directory PathGlobs are relative to.
	BuildRoot string
	Rules     []*rules.Rule
	Queries   []rules.Query
	// Registry receives the engine's metrics. If nil, they're not registered.
	Registry prometheus.Registerer
	// Connect returns a client for a remote address. Defaults to remote.Dial.
	Connect func(address string) (*remote.Client, error)
}

// Core holds everything which is scoped to a process: the store, the remote clients, the
// runners and the scheduler. Multiple cores may coexist.
type Core struct {
	cfg       config.Config
	buildRoot string

	local     *store.Local
	store     *store.Store
	clients   []*remote.Client
	runner    process.Runner
	reporter  *remote.Reporter
	detached  *executor.Detached
	metrics   *metrics.Metrics
	scheduler *compute.Scheduler
}

// New wires a Core from cfg. The intrinsic rules and queries are registered alongside
// opts.Rules and opts.Queries; the whole set is compiled before New returns.
func New(ctx context.Context, cfg config.Config, opts Options) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Bulk transfers may hold at most a quarter of the remote RPC slots.
	transfers := int32(max(1, cfg.RemoteRPCConcurrency/4))
	ctx = tasks.WithThrottler(ctx,
		tasks.ThrottleCapacity{Name: "uploads", Labels: map[string]string{"action": "store.upload"}, Capacity: transfers},
		tasks.ThrottleCapacity{Name: "fetches", Labels: map[string]string{"action": "store.fetch-many"}, Capacity: transfers})

	c := &Core{
		cfg:       cfg,
		buildRoot: opts.BuildRoot,
		metrics:   metrics.New(opts.Registry),
		reporter:  remote.NewReporter(),
		detached:  executor.NewDetached(ctx),
	}

	if c.buildRoot == "" {
		c.buildRoot = "."
	}

	if err := c.setup(ctx, opts); err != nil {
		c.close()
		return nil, err
	}

	return c, nil
}

func (c *Core) setup(ctx context.Context, opts Options) error {
	local, err := store.OpenLocal(c.cfg.StoreDir, c.cfg.LeaseTime)
	if err != nil {
		return err
	}
	c.local = local

	connect := opts.Connect
	if connect == nil {
		connect = func(address string) (*remote.Client, error) {
			o := c.cfg.RemoteOptions(address)
			o.Metrics = c.metrics
			return remote.Dial(o)
		}
	}

	byAddress := map[string]*remote.Client{}
	client := func(address string) (*remote.Client, error) {
		if address == "" {
			return nil, nil
		}
		if existing, ok := byAddress[address]; ok {
			return existing, nil
		}
		cl, err := connect(address)
		if err != nil {
			return nil, err
		}
		byAddress[address] = cl
		c.clients = append(c.clients, cl)
		return cl, nil
	}

	// Remote execution reads inputs from its own CAS, and a remote cache's results
	// reference blobs in its own CAS.
	casAddress := c.cfg.RemoteStoreAddress
	if casAddress == "" {
		casAddress = c.cfg.RemoteExecutionAddress
	}
	if casAddress == "" {
		casAddress = c.cfg.RemoteCacheAddress
	}

	cas, err := client(casAddress)
	if err != nil {
		return err
	}

	if cas != nil {
		c.store = store.New(local, cas)
	} else {
		c.store = store.New(local, nil)
	}

	var remoteRunner *process.RemoteRunner
	execClient, err := client(c.cfg.RemoteExecutionAddress)
	if err != nil {
		return err
	}
	if execClient != nil {
		if execClient.ExecutionEnabled(ctx) {
			var platforms []process.Platform
			for _, p := range c.cfg.RemotePlatforms {
				platforms = append(platforms, process.Platform(p))
			}
			remoteRunner = process.NewRemoteRunner(c.store, execClient, process.RemoteOptions{
				Platforms: platforms,
				Metrics:   c.metrics,
				Reporter:  c.reporter,
			})
		} else {
			zerolog.Ctx(ctx).Warn().Str("address", c.cfg.RemoteExecutionAddress).Msg("remote execution is not enabled; processes run locally")
		}
	}

	var actionCache *remote.ActionCache
	cacheClient, err := client(c.cfg.RemoteCacheAddress)
	if err != nil {
		return err
	}
	if cacheClient != nil {
		actionCache = remote.NewReportingActionCache(cacheClient, c.reporter)
	}

	localRunner := process.NewLocalRunner(c.store, process.LocalOptions{
		SandboxDir:  filepath.Join(c.cfg.StoreDir, "sandboxes"),
		Parallelism: c.cfg.LocalParallelism,
		Metrics:     c.metrics,
	})

	c.runner = process.NewCachingRunner(
		process.NewDispatcher(localRunner, remoteRunner, c.cfg.FallbackToLocal),
		c.store,
		process.CacheOptions{
			Local:    true,
			Remote:   actionCache,
			Read:     c.cfg.CacheRead,
			Write:    c.cfg.CacheWrite,
			Detached: c.detached,
			Metrics:  c.metrics,
		})

	graph, err := rules.Compile(append(c.intrinsics(), opts.Rules...), append(intrinsicQueries(), opts.Queries...))
	if err != nil {
		return err
	}

	c.scheduler = compute.New(ctx, graph, compute.Options{
		Metrics:      c.metrics,
		OnSessionEnd: c.reporter.ForgetSession,
	})

	zerolog.Ctx(ctx).Debug().
		Str("store_dir", c.cfg.StoreDir).
		Bool("remote_cas", cas != nil).
		Bool("remote_cache", actionCache != nil).
		Bool("remote_execution", remoteRunner != nil).
		Int("rules", len(graph.Rules())).
		Msg("engine ready")

	return nil
}

func (c *Core) Config() config.Config { return c.cfg }
func (c *Core) Store() *store.Store { return c.store }
func (c *Core) Runner() process.Runner { return c.runner }
func (c *Core) Scheduler() *compute.Scheduler { return c.scheduler }
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }
func (c *Core) Reporter() *remote.Reporter { return c.reporter }
func (c *Core) NewSession(ctx context.Context) *compute.Session { return c.scheduler.NewSession(ctx) }

// Watch invalidates memoized results as files under dirs, relative to the build root,
// change. onChange, if set, is called whenever a change invalidated a result. It returns
// when ctx is done.
func (c *Core) Watch(ctx context.Context, factory filewatcher.FileWatcherFactory, dirs []string, onChange func(paths []string)) error {
	events, err := filewatcher.Watch(ctx, factory, c.buildRoot, dirs)
	if err != nil {
		return err
	}

	if err := c.scheduler.ConsumeChanges(ctx, events, func(paths []string, invalidated int) {
		if invalidated > 0 && onChange != nil {
			onChange(paths)
		}
	}); err != nil {
		return err
	}

	// The feed is also closed when ctx is done.
	return ctx.Err()
}

// GC removes the local blobs which no memoized result references, and whose lease expired.
func (c *Core) GC(ctx context.Context) (int, error) {
	return c.store.GC(ctx, c.scheduler.LiveDigests())
}

// Close waits for background cache writes, stops running nodes and releases the store.
func (c *Core) Close() error {
	return c.close()
}

func (c *Core) close() error {
	c.detached.Flush()

	if c.scheduler != nil {
		c.scheduler.Close()
	}

	var errs []error
	for _, cl := range c.clients {
		errs = append(errs, cl.Close())
	}

	if c.local != nil {
		errs = append(errs, c.local.Close())
	}

	return errors.Join(errs...)
}
