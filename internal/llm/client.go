// Package llm abstracts the chat-completion dependency of the Architect and
// Investigator behind a minimal interface with a retry driver. The service
// runs fully without it: a nil client selects the deterministic fallbacks.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable indicates a transient provider failure (timeout, 5xx).
	ErrUnavailable = errors.New("llm unavailable")

	// ErrRateLimited indicates the provider rejected the call with a rate
	// limit. A RateLimitedError carries the server's Retry-After hint.
	ErrRateLimited = errors.New("llm rate limited")

	// ErrMalformedOutput indicates the model responded but the output did
	// not satisfy the expected structure. Not retried by the driver; the
	// caller decides whether to re-prompt.
	ErrMalformedOutput = errors.New("llm returned malformed output")

	// ErrNotConfigured indicates no API key is present.
	ErrNotConfigured = errors.New("llm client not configured")
)

type (
	// ChatRequest is one completion call.
	ChatRequest struct {
		System    string
		Prompt    string
		MaxTokens int64
	}

	// ChatClient produces a text completion for a request.
	ChatClient interface {
		Complete(ctx context.Context, req ChatRequest) (string, error)
	}

	// RateLimitedError wraps ErrRateLimited with a server-provided hint.
	RateLimitedError struct {
		RetryAfter time.Duration
	}
)

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm rate limited, retry after %s", e.RetryAfter)
	}

	return "llm rate limited"
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// IsRetryable reports whether an error is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
