// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/remote"
)

const EnvPrefix = "buildgraph"

// Config is the configuration surface of the engine. Every field has a default, and may be
// set with a flag, an environment variable (e.g. BUILDGRAPH_STORE_DIR) or a config file.
type Config struct {
	StoreDir string `mapstructure:"store_dir"`

	RemoteStoreAddress        string        `mapstructure:"remote_store_address"`
	RemoteCacheAddress        string        `mapstructure:"remote_cache_address"`
	RemoteExecutionAddress    string        `mapstructure:"remote_execution_address"`
	RemoteInstanceName        string        `mapstructure:"remote_instance_name"`
	RemoteInsecure            bool          `mapstructure:"remote_insecure"`
	RemoteRPCConcurrency      int64         `mapstructure:"remote_rpc_concurrency"`
	RemoteRPCTimeout          time.Duration `mapstructure:"remote_rpc_timeout"`
	RemoteRetries             int           `mapstructure:"remote_retries"`
	RemoteBatchThresholdBytes int64         `mapstructure:"remote_batch_threshold_bytes"`
	RemotePlatforms           []string      `mapstructure:"remote_platforms"`

	LocalParallelism int64 `mapstructure:"local_parallelism"`

	CacheRead            bool `mapstructure:"cache_read"`
	CacheWrite           bool `mapstructure:"cache_write"`
	CacheFailuresDefault bool `mapstructure:"cache_failures_default"`
	FallbackToLocal      bool `mapstructure:"fallback_to_local"`

	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	LeaseTime      time.Duration `mapstructure:"lease_time"`
	LogLevel       string        `mapstructure:"log_level"`
}

type flagDef struct {
	key, flag, usage string
}

var flags = []flagDef{
	{"store_dir", "store-dir", "Where the local content-addressed store is kept."},
	{"remote_store_address", "remote-store-address", "Address of a remote CAS."},
	{"remote_cache_address", "remote-cache-address", "Address of a remote action cache."},
	{"remote_execution_address", "remote-execution-address", "Address of a remote execution service."},
	{"remote_instance_name", "remote-instance-name", "Instance name passed to the remote services."},
	{"remote_insecure", "remote-insecure", "If set, connects to the remote services without TLS."},
	{"remote_rpc_concurrency", "remote-rpc-concurrency", "Maximum number of in-flight remote RPCs."},
	{"remote_rpc_timeout", "remote-rpc-timeout", "Timeout of each remote RPC attempt."},
	{"remote_retries", "remote-retries", "How many times transient remote failures are retried."},
	{"remote_batch_threshold_bytes", "remote-batch-threshold-bytes", "Blobs up to this size are transferred in batches."},
	{"remote_platforms", "remote-platforms", "Platforms the remote execution service can run, e.g. linux_amd64."},
	{"local_parallelism", "local-parallelism", "Maximum number of processes run locally at once."},
	{"cache_read", "cache-read", "If set, process results are looked up in the action caches."},
	{"cache_write", "cache-write", "If set, process results are written to the action caches."},
	{"cache_failures_default", "cache-failures-default", "If set, processes with no explicit policy also cache failures."},
	{"fallback_to_local", "fallback-to-local", "If set, processes which fail to run remotely are run locally."},
	{"process_timeout", "process-timeout", "Timeout of processes which don't set one. Zero means none."},
	{"lease_time", "lease-time", "How long stored blobs are kept after their last use."},
	{"log_level", "log-level", "One of trace, debug, info, warn or error."},
}

func DefaultStoreDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "buildgraph", "store")
	}
	return filepath.Join(os.TempDir(), "buildgraph", "store")
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store_dir", DefaultStoreDir())
	v.SetDefault("remote_store_address", "")
	v.SetDefault("remote_cache_address", "")
	v.SetDefault("remote_execution_address", "")
	v.SetDefault("remote_instance_name", "")
	v.SetDefault("remote_insecure", false)
	v.SetDefault("remote_rpc_concurrency", remote.DefaultRPCConcurrency)
	v.SetDefault("remote_rpc_timeout", remote.DefaultRPCTimeout)
	v.SetDefault("remote_retries", remote.DefaultRetries)
	v.SetDefault("remote_batch_threshold_bytes", remote.DefaultBatchThresholdBytes)
	v.SetDefault("remote_platforms", []string{})
	v.SetDefault("local_parallelism", runtime.NumCPU())
	v.SetDefault("cache_read", true)
	v.SetDefault("cache_write", true)
	v.SetDefault("cache_failures_default", false)
	v.SetDefault("fallback_to_local", true)
	v.SetDefault("process_timeout", time.Duration(0))
	v.SetDefault("lease_time", 2*time.Hour)
	v.SetDefault("log_level", "info")
}

// SetupFlags registers a flag for every key. Flag defaults are informational; values are
// only taken from flags which were set.
func SetupFlags(fs *pflag.FlagSet) {
	fs.String("store-dir", DefaultStoreDir(), flagUsage("store-dir"))
	fs.String("remote-store-address", "", flagUsage("remote-store-address"))
	fs.String("remote-cache-address", "", flagUsage("remote-cache-address"))
	fs.String("remote-execution-address", "", flagUsage("remote-execution-address"))
	fs.String("remote-instance-name", "", flagUsage("remote-instance-name"))
	fs.Bool("remote-insecure", false, flagUsage("remote-insecure"))
	fs.Int64("remote-rpc-concurrency", remote.DefaultRPCConcurrency, flagUsage("remote-rpc-concurrency"))
	fs.Duration("remote-rpc-timeout", remote.DefaultRPCTimeout, flagUsage("remote-rpc-timeout"))
	fs.Int("remote-retries", remote.DefaultRetries, flagUsage("remote-retries"))
	fs.Int64("remote-batch-threshold-bytes", remote.DefaultBatchThresholdBytes, flagUsage("remote-batch-threshold-bytes"))
	fs.StringSlice("remote-platforms", nil, flagUsage("remote-platforms"))
	fs.Int64("local-parallelism", int64(runtime.NumCPU()), flagUsage("local-parallelism"))
	fs.Bool("cache-read", true, flagUsage("cache-read"))
	fs.Bool("cache-write", true, flagUsage("cache-write"))
	fs.Bool("cache-failures-default", false, flagUsage("cache-failures-default"))
	fs.Bool("fallback-to-local", true, flagUsage("fallback-to-local"))
	fs.Duration("process-timeout", 0, flagUsage("process-timeout"))
	fs.Duration("lease-time", 2*time.Hour, flagUsage("lease-time"))
	fs.String("log-level", "info", flagUsage("log-level"))
}

func flagUsage(name string) string {
	for _, f := range flags {
		if f.flag == name {
			return f.usage
		}
	}
	return ""
}

// BindFlags makes the flags registered by SetupFlags override the other sources of v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, f := range flags {
		if flag := fs.Lookup(f.flag); flag != nil {
			if err := v.BindPFlag(f.key, flag); err != nil {
				return fnerrors.InternalError("failed to bind %s: %w", f.flag, err)
			}
		}
	}
	return nil
}

// New returns a viper instance which reads BUILDGRAPH_ environment variables, and the
// config file at path, if set.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fnerrors.BadInputError("%s: failed to read configuration: %w", path, err)
		}
	}

	return v, nil
}

func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fnerrors.BadInputError("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.StoreDir == "" {
		return fnerrors.UsageError("Set --store-dir.", "a store directory is required")
	}

	if c.RemoteRPCConcurrency <= 0 {
		return fnerrors.BadInputError("remote_rpc_concurrency must be positive, got %d", c.RemoteRPCConcurrency)
	}

	if c.LocalParallelism <= 0 {
		return fnerrors.BadInputError("local_parallelism must be positive, got %d", c.LocalParallelism)
	}

	if c.RemoteRetries < 0 {
		return fnerrors.BadInputError("remote_retries must not be negative, got %d", c.RemoteRetries)
	}

	if c.ProcessTimeout < 0 || c.RemoteRPCTimeout < 0 || c.LeaseTime < 0 {
		return fnerrors.BadInputError("timeouts must not be negative")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fnerrors.BadInputError("%s: invalid log level", c.LogLevel)
	}

	return nil
}

func (c Config) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// HasRemote returns true if any remote service is configured.
func (c Config) HasRemote() bool {
	return c.RemoteStoreAddress != "" || c.RemoteCacheAddress != "" || c.RemoteExecutionAddress != ""
}

func (c Config) RemoteOptions(address string) remote.Options {
	return remote.Options{
		Address:             address,
		InstanceName:        c.RemoteInstanceName,
		Insecure:            c.RemoteInsecure,
		RPCConcurrency:      c.RemoteRPCConcurrency,
		RPCTimeout:          c.RemoteRPCTimeout,
		Retries:             c.RemoteRetries,
		BatchThresholdBytes: c.RemoteBatchThresholdBytes,
	}
}
