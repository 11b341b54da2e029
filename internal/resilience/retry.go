package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and jitter.
type Policy struct {
	// Attempts is the total number of calls including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Backoff is the delay before the first retry.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Jitter randomizes each delay by ±Jitter of its value.
	Jitter float64

	// Retryable decides whether an error is retried. Defaults to IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before each retry sleep.
	OnRetry func(attempt int, err error)
}

// NewPolicy returns a policy that retries transient failures up to retries
// extra times.
func NewPolicy(retries int) Policy {
	if retries < 0 {
		retries = 0
	}
	return Policy{
		Attempts:   retries + 1,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Jitter:     0.25,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt == attempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.Backoff) * math.Pow(2, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// LogRetry returns an OnRetry callback that logs each retry of a capability call.
func LogRetry(capability string, fields ...zap.Field) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying capability call",
			append([]zap.Field{
				zap.String("capability", capability),
				zap.Int("attempt", attempt),
				zap.Error(err),
			}, fields...)...,
		)
	}
}
