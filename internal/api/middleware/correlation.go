// Package middleware provides HTTP middleware components for the Aegis API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// correlationHeader carries the request ID in both directions, so callers
// can stitch Aegis log lines into their own traces.
const correlationHeader = "X-Correlation-ID"

const correlationIDBytes = 8

type correlationIDKey struct{}

// CorrelationID tags every request with an ID for log stitching: the
// caller-supplied header value when present, a random one otherwise. The ID
// is echoed on the response and stored in the request context.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationHeader)
			if id == "" {
				id = newCorrelationID()
			}

			w.Header().Set(correlationHeader, id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the request's correlation ID, or "unknown" when
// called outside the middleware chain.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

// newCorrelationID returns 16 hex characters, falling back to a nanosecond
// timestamp if crypto/rand fails.
func newCorrelationID() string {
	buf := make([]byte, correlationIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}

	return hex.EncodeToString(buf)
}
