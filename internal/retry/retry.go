// Package retry runs upstream calls under a bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how hard a single call is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy keeps total retry overhead well under a second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, the attempt budget
// is spent, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var lastErr error
	err := backoff.RetryNotify(func() error {
		lastErr = fn(ctx)
		if lastErr != nil && !retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, b, func(err error, next time.Duration) {
		slog.Debug("retrying upstream call", "op", op, "error", err, "backoff", next)
	})
	if err != nil && lastErr != nil {
		// Prefer the upstream error over a bare context error so callers can classify it.
		return lastErr
	}
	return err
}
