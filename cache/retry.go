package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// RetryConfig holds configuration for retrying operations that fail on lock
// contention. busy_timeout already absorbs most contention inside SQLite; this
// covers what escapes it, e.g. SQLITE_BUSY_SNAPSHOT in WAL mode when a writer
// has moved past a reader's snapshot.
type RetryConfig struct {
	MaxAttempts   int           `koanf:"maxAttempts" json:"maxAttempts" yaml:"maxAttempts"` // Total attempts, including the first
	InitialDelay  time.Duration `koanf:"initialDelay" json:"initialDelay" yaml:"initialDelay"`
	BackoffFactor float64       `koanf:"backoffFactor" json:"backoffFactor" yaml:"backoffFactor"`
}

// DefaultRetryConfig returns 3 attempts starting at 100ms and doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// Validate checks the retry configuration
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", r.InitialDelay)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %.2f", r.BackoffFactor)
	}
	return nil
}

// IsTransient reports whether err is lock contention that is worth retrying:
// SQLITE_BUSY (including its BUSY_SNAPSHOT and BUSY_RECOVERY variants) or
// SQLITE_LOCKED. Everything else is permanent.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// retryFunc is called before sleeping ahead of another attempt
type retryFunc func(attempt int, delay time.Duration, err error)

// withRetry calls fn until it succeeds, fails with a non transient error, or
// config.MaxAttempts attempts have been made. Sleeps are cut short by ctx.
func withRetry[T any](ctx context.Context, config RetryConfig, onRetry retryFunc, fn func() (T, error)) (T, error) {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.InitialDelay

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= attempts {
			return zero, fmt.Errorf("database still locked after %d attempts: %w", attempt, err)
		}

		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("gave up retrying after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		}
		delay = time.Duration(float64(delay) * config.BackoffFactor)
	}
}
