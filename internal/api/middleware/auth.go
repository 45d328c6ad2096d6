// Package middleware provides HTTP middleware components for the Aegis API.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// publicEndpoints defines paths that bypass authentication, such as health
// probes. Never add business endpoints here.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers a path that bypasses authentication.
// Called during route setup only.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// IsPublicEndpoint reports whether a path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	return publicEndpoints[path]
}

// Authentication error types.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for an API key that does not match the
	// configured secret. Generic on purpose.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// extractAPIKey extracts the API key from request headers. X-Api-Key is
// primary; Authorization: Bearer is the fallback.
//
// Security considerations:
// - Rejects keys containing newlines (header injection prevention)
// - Trims whitespace from keys
// - Case-sensitive "Bearer " prefix check.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKey validates and cleans an API key value.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// SecureCompare reports whether two keys are equal in constant time. Both
// sides are hashed first so length differences leak nothing.
func SecureCompare(a, b string) bool {
	hashA := sha256.Sum256([]byte(a))
	hashB := sha256.Sum256([]byte(b))

	return subtle.ConstantTimeCompare(hashA[:], hashB[:]) == 1
}

// MaskKey returns a loggable form of a key: first four characters plus
// asterisks. Short keys are fully masked.
func MaskKey(key string) string {
	const visible = 4

	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}

	return key[:visible] + strings.Repeat("*", len(key)-visible)
}

// Authenticate creates a middleware that validates the shared-secret API key
// on every non-public request.
//
// The middleware:
// - Skips paths registered via RegisterPublicEndpoint
// - Extracts the key from X-Api-Key (primary) or Authorization: Bearer
// - Compares in constant time against the configured secret
// - Returns RFC 7807 compliant error responses on failure.
func Authenticate(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			presented, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, ErrMissingAPIKey)

				return
			}

			if !SecureCompare(presented, apiKey) {
				writeAuthError(w, r, logger, ErrInvalidAPIKey)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant response for an authentication
// failure and logs it without sensitive data.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	if writeErr := writeRFC7807Error(w, r, http.StatusUnauthorized, err.Error(), correlationID); writeErr != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", writeErr),
		)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without
// importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = http.StatusText(statusCode)
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://aegis.dev/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
