package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds cache configuration. The same value must be handed to
// Initialize and New; there is no package level state.
type Config struct {
	DBPath string `koanf:"path" json:"path" yaml:"path"` // Database file path (default: ~/.cache/resultcache/results.db)

	// Per connection settings, re-applied every time a connection is opened
	Synchronous   string        `koanf:"synchronous" json:"synchronous" yaml:"synchronous"`
	LockTimeout   time.Duration `koanf:"lockTimeout" json:"lockTimeout" yaml:"lockTimeout"`
	CacheSizeKiB  int           `koanf:"cacheSizeKiB" json:"cacheSizeKiB" yaml:"cacheSizeKiB"`
	MmapSizeBytes int64         `koanf:"mmapSizeBytes" json:"mmapSizeBytes" yaml:"mmapSizeBytes"`

	Retry RetryConfig `koanf:"retry" json:"retry" yaml:"retry"`
}

// DefaultConfig returns the settings the cache was tuned with: a 30s lock
// wait, NORMAL durability, ~32MB page cache and 128MB of mmap.
func DefaultConfig() Config {
	return Config{
		DBPath:        DefaultDBPath(),
		Synchronous:   "NORMAL",
		LockTimeout:   30 * time.Second,
		CacheSizeKiB:  32000,
		MmapSizeBytes: 128 << 20,
		Retry:         DefaultRetryConfig(),
	}
}

// DefaultDBPath returns ~/.cache/resultcache/results.db, falling back to the
// working directory when no home directory is available.
func DefaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "resultcache", "results.db")
	}
	return filepath.Join(homeDir, ".cache", "resultcache", "results.db")
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.Synchronous == "" {
		c.Synchronous = def.Synchronous
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.CacheSizeKiB == 0 {
		c.CacheSizeKiB = def.CacheSizeKiB
	}
	if c.MmapSizeBytes == 0 {
		c.MmapSizeBytes = def.MmapSizeBytes
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = def.Retry.BackoffFactor
	}
	return c
}

// Validate checks the configuration for values SQLite would reject or
// silently misinterpret.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	switch strings.ToUpper(c.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("invalid synchronous mode %q: must be one of OFF, NORMAL, FULL, EXTRA", c.Synchronous)
	}
	if c.LockTimeout < time.Millisecond {
		return fmt.Errorf("lock timeout must be at least 1ms, got %s", c.LockTimeout)
	}
	if c.CacheSizeKiB < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.CacheSizeKiB)
	}
	if c.MmapSizeBytes < 0 {
		return fmt.Errorf("mmap size must not be negative, got %d", c.MmapSizeBytes)
	}
	return c.Retry.Validate()
}

// connectionPragmas are connection-local and are not stored in the file.
func (c Config) connectionPragmas() []string {
	return []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.LockTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA synchronous = %s", strings.ToUpper(c.Synchronous)),
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA cache_size = -%d", c.CacheSizeKiB), // negative = KiB
		fmt.Sprintf("PRAGMA mmap_size = %d", c.MmapSizeBytes),
	}
}

// BindPFlags adds cache flags to a pflag set (for Cobra)
func BindPFlags(flags *pflag.FlagSet, config *Config) {
	flags.StringVar(&config.DBPath, "db", config.DBPath,
		"Path to the result cache database")
	flags.StringVar(&config.Synchronous, "synchronous", config.Synchronous,
		"SQLite synchronous mode (OFF, NORMAL, FULL, EXTRA)")
	flags.DurationVar(&config.LockTimeout, "lock-timeout", config.LockTimeout,
		"How long an operation waits on a locked database before failing")
	flags.IntVar(&config.CacheSizeKiB, "cache-size", config.CacheSizeKiB,
		"Per connection page cache size in KiB")
	flags.Int64Var(&config.MmapSizeBytes, "mmap-size", config.MmapSizeBytes,
		"Maximum bytes of the database to memory map")
	flags.IntVar(&config.Retry.MaxAttempts, "max-attempts", config.Retry.MaxAttempts,
		"Maximum attempts for operations failing on lock contention")
	flags.DurationVar(&config.Retry.InitialDelay, "retry-delay", config.Retry.InitialDelay,
		"Delay before the first retry, multiplied by the backoff factor after each attempt")
	flags.Float64Var(&config.Retry.BackoffFactor, "backoff-factor", config.Retry.BackoffFactor,
		"Multiplier applied to the retry delay after each attempt")
}
