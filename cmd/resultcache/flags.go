package main

import (
	"context"
	"fmt"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/resultcache/cache"
	"github.com/flanksource/resultcache/config"
	"github.com/spf13/pflag"
)

// options are the global flags shared by every subcommand. Flags bind into
// flagCache; only the ones set explicitly override the loaded configuration.
type options struct {
	logger.Flags
	ConfigFiles []string
	flagCache   cache.Config

	// Config is the effective configuration after Load
	Config config.Config
}

func newOptions() *options {
	return &options{
		Flags: logger.Flags{
			Level:       "info",
			LogToStderr: true,
		},
		flagCache: config.DefaultConfig().Cache,
		Config:    config.DefaultConfig(),
	}
}

func (o *options) bindFlags(flags *pflag.FlagSet) {
	flags.CountVarP(&o.Flags.LevelCount, "loglevel", "v", "Increase logging level")
	flags.StringVar(&o.Flags.Level, "log-level", o.Flags.Level, "Set the default log level")
	flags.BoolVar(&o.Flags.JsonLogs, "json-logs", false, "Print logs in json format to stderr")
	flags.BoolVar(&o.Flags.ReportCaller, "report-caller", false, "Report log caller info")
	flags.BoolVar(&o.Flags.LogToStderr, "log-to-stderr", true, "Log to stderr instead of stdout")

	flags.StringSliceVarP(&o.ConfigFiles, "config", "c", nil,
		"YAML configuration file, may be repeated (later files win)")
	cache.BindPFlags(flags, &o.flagCache)
}

// load configures logging, then merges defaults, config files, RESULTCACHE_*
// environment variables and explicit flags, in increasing precedence.
func (o *options) load(ctx context.Context, flags *pflag.FlagSet) error {
	logger.Configure(o.Flags)

	cfg, err := config.NewLoader(config.EnvPrefix, o.ConfigFiles...).Load(ctx)
	if err != nil {
		return err
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "db":
			cfg.Cache.DBPath = o.flagCache.DBPath
		case "synchronous":
			cfg.Cache.Synchronous = o.flagCache.Synchronous
		case "lock-timeout":
			cfg.Cache.LockTimeout = o.flagCache.LockTimeout
		case "cache-size":
			cfg.Cache.CacheSizeKiB = o.flagCache.CacheSizeKiB
		case "mmap-size":
			cfg.Cache.MmapSizeBytes = o.flagCache.MmapSizeBytes
		case "max-attempts":
			cfg.Cache.Retry.MaxAttempts = o.flagCache.Retry.MaxAttempts
		case "retry-delay":
			cfg.Cache.Retry.InitialDelay = o.flagCache.Retry.InitialDelay
		case "backoff-factor":
			cfg.Cache.Retry.BackoffFactor = o.flagCache.Retry.BackoffFactor
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	o.Config = cfg
	logger.Debugf("Using result cache %s (lock timeout %s, %d attempts)",
		cfg.Cache.DBPath, cfg.Cache.LockTimeout, cfg.Cache.Retry.MaxAttempts)
	return nil
}

// cacheArgs renders the effective cache settings as flags for a child process
func (o *options) cacheArgs() []string {
	c := o.Config.Cache
	return []string{
		"--db", c.DBPath,
		"--synchronous", c.Synchronous,
		"--lock-timeout", c.LockTimeout.String(),
		"--cache-size", fmt.Sprint(c.CacheSizeKiB),
		"--mmap-size", fmt.Sprint(c.MmapSizeBytes),
		"--max-attempts", fmt.Sprint(c.Retry.MaxAttempts),
		"--retry-delay", c.Retry.InitialDelay.String(),
		"--backoff-factor", fmt.Sprint(c.Retry.BackoffFactor),
		"--log-level", o.Flags.Level,
	}
}

func (o *options) newCache(opts ...cache.Option) (*cache.Cache, error) {
	return cache.New(o.Config.Cache, opts...)
}
