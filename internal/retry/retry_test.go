package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	executor := NewExecutor(fastConfig(3))

	calls := 0
	err := executor.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	executor := NewExecutor(fastConfig(3))

	calls := 0
	cause := &StatusError{StatusCode: http.StatusUnprocessableEntity}
	err := executor.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	executor := NewExecutor(fastConfig(3))

	calls := 0
	err := executor.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	executor := NewExecutor(fastConfig(2))

	calls := 0
	err := executor.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusInternalServerError}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	executor := NewExecutor(&Config{
		MaxRetries:     5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := executor.Do(ctx, func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusBadGateway}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayBounds(t *testing.T) {
	executor := NewExecutor(&Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	})

	for attempt := 0; attempt < 5; attempt++ {
		base := 100 * time.Millisecond << attempt
		for i := 0; i < 100; i++ {
			delay := executor.Delay(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.75),
				"attempt %d delay below jitter floor", attempt)
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.25),
				"attempt %d delay above jitter ceiling", attempt)
		}
	}
}

func TestDelayCappedAtMaxBackoff(t *testing.T) {
	executor := NewExecutor(&Config{
		MaxRetries:     10,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})

	for i := 0; i < 100; i++ {
		delay := executor.Delay(10)
		assert.LessOrEqual(t, delay, time.Duration(float64(5*time.Second)*1.25))
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"server error", &StatusError{StatusCode: 500}, true},
		{"bad gateway", &StatusError{StatusCode: 502}, true},
		{"gateway timeout", &StatusError{StatusCode: 504}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"forbidden", &StatusError{StatusCode: 403}, false},
		{"not found", &StatusError{StatusCode: 404}, false},
		{"unprocessable", &StatusError{StatusCode: 422}, false},
		{"wrapped status", fmt.Errorf("call failed: %w", &StatusError{StatusCode: 503}), true},
		{"network timeout", timeoutErr{}, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"broken pipe", syscall.EPIPE, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
		{"marked retryable", Retryable(errors.New("boom")), true},
		{"marked fatal", Fatal(&StatusError{StatusCode: 500}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestMarkersPreserveCause(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, Retryable(cause), cause)
	assert.ErrorIs(t, Fatal(cause), cause)
	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Fatal(nil))
}
