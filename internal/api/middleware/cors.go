package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the slice of the server configuration the CORS middleware
// reads. Implemented by the api package's config to keep the dependency
// pointing this way.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS writes the Access-Control-* headers on every response and terminates
// OPTIONS preflight requests with 204. A wildcard origin list allows any
// caller; otherwise the request Origin must match an entry exactly.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")
	maxAge := strconv.Itoa(config.GetMaxAge())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(r, config.GetAllowedOrigins()); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			if methods != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}

			if config.GetMaxAge() > 0 {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin resolves the Access-Control-Allow-Origin value for a request:
// "*" under a wildcard policy, the request origin when listed, empty
// otherwise.
func allowedOrigin(r *http.Request, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}

	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	origin := r.Header.Get("Origin")
	for _, candidate := range allowed {
		if origin == candidate {
			return origin
		}
	}

	return ""
}
