package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// hintedBackOff is an exponential backoff that lets a server-provided
// Retry-After hint override the next computed interval once.
type hintedBackOff struct {
	inner *backoff.ExponentialBackOff
	hint  time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.inner.NextBackOff()

	if b.hint > 0 {
		next = b.hint
		b.hint = 0
	}

	return next
}

func (b *hintedBackOff) Reset() {
	b.hint = 0
	b.inner.Reset()
}

// Retry runs fn up to attempts times with exponential backoff starting at
// base (base, 2*base, 4*base, ...). Retry-After hints from rate-limit errors
// override the computed delay. Non-retryable errors stop immediately.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = base
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = 5 * time.Minute
	exponential.MaxElapsedTime = 0

	hinted := &hintedBackOff{inner: exponential}

	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) {
			hinted.hint = rateLimited.RetryAfter

			return err
		}

		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(hinted, uint64(attempts-1)), //nolint:gosec // attempts >= 1
		ctx,
	)

	return backoff.Retry(operation, policy)
}
