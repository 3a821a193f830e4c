package kv

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// retryInterval is the fixed inter-attempt sleep used by withRetry. The
// core's design calls for a short fixed delay rather than exponential
// backoff -- the KV store itself is expected to recover quickly or not at
// all within one tick (spec §5: "KV retries sleep 2-5 seconds").
const retryInterval = 3 * time.Second

// withRetry runs op up to attempts times, sleeping retryInterval between
// failures, using clock so tests can run without wall-clock waits. An
// error satisfying isTerminal is never retried -- ErrKeyNotFound,
// ErrCompareFailed and ErrAlreadyExists are first-class outcomes, not
// transport failures. attempts <= 0 is treated as 1.
func withRetry(ctx context.Context, clock clockwork.Clock, attempts int, op func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if isTerminal(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(retryInterval):
			}
		}
	}
	return lastErr
}

// isTerminal reports whether err is one of the first-class outcomes that
// must propagate immediately rather than being retried as a transport
// failure.
func isTerminal(err error) bool {
	return errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrCompareFailed) ||
		errors.Is(err, ErrAlreadyExists)
}
