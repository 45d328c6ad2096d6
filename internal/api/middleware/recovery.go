package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// recoveryProblem mirrors the api package's RFC 7807 shape. Defined locally
// because the middleware package must not import its consumer.
type recoveryProblem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Recovery converts a downstream panic into a logged 500 problem response
// instead of tearing down the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				cause := recover()
				if cause == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("Recovered from handler panic",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", cause),
					slog.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusInternalServerError)

				problem := recoveryProblem{
					Type:          "https://aegis.dev/problems/internal_error",
					Title:         "Internal Server Error",
					Status:        http.StatusInternalServerError,
					Detail:        "An unexpected error occurred while processing the request",
					Instance:      r.URL.Path,
					CorrelationID: correlationID,
				}

				if err := json.NewEncoder(w).Encode(problem); err != nil {
					logger.Error("Failed to encode panic response",
						slog.String("error", err.Error()),
						slog.String("correlation_id", correlationID),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
