// Package retry provides bounded retry with exponential backoff for
// transient provider and network failures.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/retry"

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after the first
	// try. Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
}

// Executor retries operations that fail with retryable errors.
type Executor struct {
	config *Config

	retriesTotal   metric.Int64Counter
	exhaustedTotal metric.Int64Counter
}

// NewExecutor creates an Executor with the given config.
// A nil config uses defaults.
func NewExecutor(cfg *Config) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()

	meter := otel.Meter(instrumentationName)
	retriesTotal, _ := meter.Int64Counter("crewd_retry_attempts_total",
		metric.WithDescription("Total retry attempts after a transient failure"))
	exhaustedTotal, _ := meter.Int64Counter("crewd_retry_exhausted_total",
		metric.WithDescription("Operations that failed after all retries"))

	return &Executor{
		config:         cfg,
		retriesTotal:   retriesTotal,
		exhaustedTotal: exhaustedTotal,
	}
}

// Do runs op, retrying on retryable errors with exponential backoff.
//
// A non-retryable error returns immediately after the first attempt.
// With MaxRetries = N, op runs at most N+1 times. The delay before retry
// attempt k is InitialBackoff * 2^(k-1), capped at MaxBackoff, with
// ±25% jitter applied after the cap.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	log := logging.FromContext(ctx)
	startTime := time.Now()

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info(ctx, "operation recovered after retries",
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(startTime)))
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Debug(ctx, "error is not retryable", zap.Error(err))
			return err
		}

		if attempt == e.config.MaxRetries {
			break
		}

		delay := e.Delay(attempt)
		log.Info(ctx, "retrying after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.config.MaxRetries+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		e.retriesTotal.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	e.exhaustedTotal.Add(ctx, 1)
	log.Warn(ctx, "operation failed after all retries exhausted",
		zap.Int("total_attempts", e.config.MaxRetries+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr))

	return fmt.Errorf("operation failed after %d retries: %w", e.config.MaxRetries, lastErr)
}

// Delay returns the backoff before the retry following the given
// zero-based attempt. The exponential base is capped at MaxBackoff before
// jitter, so the result lies in [0.75, 1.25] times the capped value.
func (e *Executor) Delay(attempt int) time.Duration {
	base := e.config.InitialBackoff
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= e.config.MaxBackoff {
			base = e.config.MaxBackoff
			break
		}
	}
	if base > e.config.MaxBackoff {
		base = e.config.MaxBackoff
	}

	// jitter in [-25%, +25%]
	jitter := (rand.Float64()*0.5 - 0.25) * float64(base)
	return base + time.Duration(jitter)
}
