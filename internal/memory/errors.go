package memory

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the Manager and its adapters. Adapters wrap upstream failures
// with one of these so callers can branch with errors.Is.
var (
	// ErrConfiguration covers dimension/metric mismatches and missing credentials.
	// Never retried.
	ErrConfiguration = errors.New("memory: configuration error")
	// ErrTransient covers rate limits and network blips. Retried with backoff.
	ErrTransient = errors.New("memory: transient upstream error")
	// ErrNotFound is used internally by adapters; the Manager turns it into empty results.
	ErrNotFound = errors.New("memory: not found")
	// ErrValidation covers malformed text, vectors, keys or metadata. Never retried.
	ErrValidation = errors.New("memory: validation error")

	ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")
	ErrIndexUnavailable     = errors.New("memory: vector index unavailable")
	ErrHistoryUnavailable   = errors.New("memory: history unavailable")
)

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient wraps err as ErrTransient, keeping the original in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether err is worth another attempt. Context errors are not:
// the caller's deadline already ran out.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
