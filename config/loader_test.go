package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resultcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, DefaultConfig(), cfg)
				require.Equal(t, 30*time.Second, cfg.Cache.LockTimeout)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, "cache:\n  path: /tmp/results.db\n  lockTimeout: 5s\n  retry:\n    maxAttempts: 7\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "/tmp/results.db", cfg.Cache.DBPath)
				require.Equal(t, 5*time.Second, cfg.Cache.LockTimeout)
				require.Equal(t, 7, cfg.Cache.Retry.MaxAttempts)
				require.Equal(t, 100*time.Millisecond, cfg.Cache.Retry.InitialDelay, "unset keys keep defaults")
			},
		},
		{
			name: "later files win",
			setup: func(t *testing.T) []string {
				return []string{
					writeConfig(t, "load:\n  workers: 2\n  requests: 10\n"),
					writeConfig(t, "load:\n  workers: 8\n"),
				}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8, cfg.Load.Workers)
				require.Equal(t, 10, cfg.Load.Requests)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("RESULTCACHE_CACHE__LOCK_TIMEOUT", "250ms")
				t.Setenv("RESULTCACHE_CACHE__RETRY__MAX_ATTEMPTS", "9")
				t.Setenv("RESULTCACHE_CACHE__RETRY__BACKOFF_FACTOR", "1.5")
				t.Setenv("RESULTCACHE_LOAD__METRICS_ADDRESS", ":9464")
				return []string{writeConfig(t, "cache:\n  lockTimeout: 5s\n  retry:\n    maxAttempts: 7\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 250*time.Millisecond, cfg.Cache.LockTimeout)
				require.Equal(t, 9, cfg.Cache.Retry.MaxAttempts)
				require.InDelta(t, 1.5, cfg.Cache.Retry.BackoffFactor, 0.0001)
				require.Equal(t, ":9464", cfg.Load.MetricsAddress)
			},
		},
		{
			name: "env keys are case insensitive",
			setup: func(t *testing.T) []string {
				t.Setenv("RESULTCACHE_CACHE__CACHESIZEKIB", "64000")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 64000, cfg.Cache.CacheSizeKiB)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, "cache:\n  synchronous: SOMETIMES\n")}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid load section",
			setup: func(t *testing.T) []string {
				t.Setenv("RESULTCACHE_LOAD__WORKERS", "0")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			cfg, err := NewLoader(EnvPrefix, files...).Load(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.assert != nil {
				tt.assert(t, cfg)
			}
		})
	}
}

func TestLoaderWithoutEnvPrefix(t *testing.T) {
	t.Setenv("RESULTCACHE_LOAD__WORKERS", "12")
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Load.Workers, cfg.Load.Workers)
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader(EnvPrefix, writeConfig(t, "load:\n  workers: 2\n")).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
