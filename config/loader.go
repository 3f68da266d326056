package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the configuration with env > file > default precedence.
// Command line flags are applied on top by the caller.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader returns a loader reading files in order, then environment
// variables starting with envPrefix. An empty prefix skips the environment.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load merges defaults, files and environment into a validated Config
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	// Environment keys arrive upper case; map them back onto the camelCase
	// keys known from the defaults.
	canonical := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores nest (CACHE__RETRY__MAX_ATTEMPTS -> cache.retry.maxAttempts),
			// single underscores separate words and are dropped.
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts a Config into a map for the koanf confmap provider.
// Durations are written as strings so they decode the same way as values
// from files and the environment.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"cache": map[string]any{
			"path":          cfg.Cache.DBPath,
			"synchronous":   cfg.Cache.Synchronous,
			"lockTimeout":   cfg.Cache.LockTimeout.String(),
			"cacheSizeKiB":  cfg.Cache.CacheSizeKiB,
			"mmapSizeBytes": cfg.Cache.MmapSizeBytes,
			"retry": map[string]any{
				"maxAttempts":   cfg.Cache.Retry.MaxAttempts,
				"initialDelay":  cfg.Cache.Retry.InitialDelay.String(),
				"backoffFactor": cfg.Cache.Retry.BackoffFactor,
			},
		},
		"load": map[string]any{
			"metricsAddress": cfg.Load.MetricsAddress,
			"workers":        cfg.Load.Workers,
			"requests":       cfg.Load.Requests,
			"urls":           cfg.Load.URLs,
			"timeout":        cfg.Load.Timeout.String(),
		},
	}
}
