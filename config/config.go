package config

import (
	"fmt"
	"time"

	"github.com/flanksource/resultcache/cache"
)

// EnvPrefix is the prefix of environment variables read by the loader,
// e.g. RESULTCACHE_CACHE__LOCK_TIMEOUT=5s.
const EnvPrefix = "RESULTCACHE"

// Config is the effective configuration of the resultcache command
type Config struct {
	Cache cache.Config `koanf:"cache" json:"cache" yaml:"cache"`
	Load  LoadConfig   `koanf:"load" json:"load" yaml:"load"`
}

// LoadConfig controls the multi-process load command
type LoadConfig struct {
	MetricsAddress string        `koanf:"metricsAddress" json:"metricsAddress" yaml:"metricsAddress"` // Serve /metrics here while running (empty = disabled)
	Workers        int           `koanf:"workers" json:"workers" yaml:"workers"`                      // Worker processes to spawn
	Requests       int           `koanf:"requests" json:"requests" yaml:"requests"`                   // Operations per worker
	URLs           int           `koanf:"urls" json:"urls" yaml:"urls"`                               // Distinct URLs shared by all workers
	Timeout        time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the cache defaults and a small load run
func DefaultConfig() Config {
	return Config{
		Cache: cache.DefaultConfig(),
		Load: LoadConfig{
			Workers:  4,
			Requests: 200,
			URLs:     50,
			Timeout:  5 * time.Minute,
		},
	}
}

// Validate checks both sections
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("config: cache: %w", err)
	}
	if c.Load.Workers < 1 {
		return fmt.Errorf("config: load: workers must be at least 1, got %d", c.Load.Workers)
	}
	if c.Load.Requests < 0 {
		return fmt.Errorf("config: load: requests must not be negative, got %d", c.Load.Requests)
	}
	if c.Load.URLs < 1 {
		return fmt.Errorf("config: load: urls must be at least 1, got %d", c.Load.URLs)
	}
	if c.Load.Timeout <= 0 {
		return fmt.Errorf("config: load: timeout must be positive, got %s", c.Load.Timeout)
	}
	return nil
}
