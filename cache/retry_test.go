package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBusy     = sqlite3.Error{Code: sqlite3.ErrBusy}
	errSnapshot = sqlite3.Error{Code: sqlite3.ErrBusy, ExtendedCode: sqlite3.ErrBusySnapshot}
	errLocked   = sqlite3.Error{Code: sqlite3.ErrLocked}
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy", err: errBusy, want: true},
		{name: "busy snapshot", err: errSnapshot, want: true},
		{name: "table locked", err: errLocked, want: true},
		{name: "wrapped busy", err: fmt.Errorf("failed to set cache entry: %w", errBusy), want: true},
		{name: "commit busy", err: &commitError{err: errBusy}, want: true},
		{name: "constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: false},
		{name: "disk full", err: sqlite3.Error{Code: sqlite3.ErrFull}, want: false},
		{name: "locked in message only", err: errors.New("database is locked"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}

	var delays []time.Duration
	calls := 0
	result, err := withRetry(context.Background(), config, func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errSnapshot
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	_, err := withRetry(context.Background(), config, nil, func() (int, error) {
		calls++
		return 0, errBusy
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err), "exhausted error should still expose the sqlite error")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	config := DefaultRetryConfig()
	permanent := errors.New("no such table: result_cache")

	calls := 0
	_, err := withRetry(context.Background(), config, nil, func() (int, error) {
		calls++
		return 0, permanent
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := withRetry(ctx, config, nil, func() (int, error) {
			calls++
			return 0, errBusy
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("withRetry did not return after cancel")
	}
}

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  RetryConfig
		wantErr bool
	}{
		{name: "defaults", config: DefaultRetryConfig()},
		{name: "single attempt", config: RetryConfig{MaxAttempts: 1, BackoffFactor: 1}},
		{name: "zero attempts", config: RetryConfig{MaxAttempts: 0, BackoffFactor: 2}, wantErr: true},
		{name: "negative delay", config: RetryConfig{MaxAttempts: 3, InitialDelay: -time.Second, BackoffFactor: 2}, wantErr: true},
		{name: "shrinking backoff", config: RetryConfig{MaxAttempts: 3, BackoffFactor: 0.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
