package cache

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.NotEmpty(t, config.DBPath)
	assert.Equal(t, 30*time.Second, config.LockTimeout)
	assert.Equal(t, "NORMAL", config.Synchronous)
	assert.Equal(t, 32000, config.CacheSizeKiB)
	assert.Equal(t, int64(134217728), config.MmapSizeBytes)
	assert.Equal(t, DefaultRetryConfig(), config.Retry)
	assert.NoError(t, config.Validate())
}

func TestConfigWithDefaults(t *testing.T) {
	config := Config{DBPath: "/tmp/results.db", LockTimeout: time.Second}.withDefaults()

	assert.Equal(t, "/tmp/results.db", config.DBPath)
	assert.Equal(t, time.Second, config.LockTimeout)
	assert.Equal(t, "NORMAL", config.Synchronous)
	assert.Equal(t, 3, config.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.Retry.InitialDelay)
}

func TestValidateConfig(t *testing.T) {
	valid := DefaultConfig()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "lowercase synchronous", mutate: func(c *Config) { c.Synchronous = "full" }},
		{name: "missing path", mutate: func(c *Config) { c.DBPath = "" }, wantErr: true},
		{name: "invalid synchronous", mutate: func(c *Config) { c.Synchronous = "SOMETIMES" }, wantErr: true},
		{name: "zero lock timeout", mutate: func(c *Config) { c.LockTimeout = 0 }, wantErr: true},
		{name: "negative cache size", mutate: func(c *Config) { c.CacheSizeKiB = -1 }, wantErr: true},
		{name: "negative mmap", mutate: func(c *Config) { c.MmapSizeBytes = -1 }, wantErr: true},
		{name: "invalid retry", mutate: func(c *Config) { c.Retry.MaxAttempts = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectionPragmas(t *testing.T) {
	pragmas := DefaultConfig().connectionPragmas()

	assert.Equal(t, []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -32000",
		"PRAGMA mmap_size = 134217728",
	}, pragmas)
}

func TestBindPFlags(t *testing.T) {
	config := DefaultConfig()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindPFlags(flags, &config)

	require.NoError(t, flags.Parse([]string{
		"--db", "/data/cache.db",
		"--lock-timeout", "5s",
		"--max-attempts", "7",
		"--retry-delay", "250ms",
	}))

	assert.Equal(t, "/data/cache.db", config.DBPath)
	assert.Equal(t, 5*time.Second, config.LockTimeout)
	assert.Equal(t, 7, config.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, config.Retry.InitialDelay)
	assert.Equal(t, 2.0, config.Retry.BackoffFactor)
}
