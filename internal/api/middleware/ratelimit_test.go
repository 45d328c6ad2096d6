package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, config *Config) *InMemoryRateLimiter {
	t.Helper()

	rl := NewInMemoryRateLimiter(config)
	t.Cleanup(rl.Close)

	return rl
}

func TestPerClientLimitIsIndependent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ClientRPS:  1,
		MaxClients: maxClients,
	})

	// Burst is 2 × rate: two requests pass, the third is limited.
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// A different client has its own bucket.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestGlobalLimitCapsAllClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:   1,
		GlobalBurst: 2,
		ClientRPS:   1000,
		MaxClients:  maxClients,
	})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.False(t, rl.Allow("10.0.0.3"), "global bucket exhausted")
}

func TestCleanupRemovesIdleClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:   1000,
		ClientRPS:   10,
		IdleTimeout: time.Nanosecond,
		MaxClients:  maxClients,
	})

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.perClient)
}

func TestMaxClientsFallsBackToGlobalLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ClientRPS:  1,
		MaxClients: 1,
	})

	require.True(t, rl.Allow("10.0.0.1"))

	// The table is full; a new client is not tracked but still served.
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ClientRPS:  1,
		MaxClients: maxClients,
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(rl, slog.New(slog.DiscardHandler))(next)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
		req.RemoteAddr = "192.168.1.5:51000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusOK, send().Code)

	limited := send()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "application/problem+json", limited.Header().Get("Content-Type"))
}

func TestClientAddressStripsPort(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:43210"
	assert.Equal(t, "203.0.113.9", clientAddress(req))

	req.RemoteAddr = "bad-addr"
	assert.Equal(t, "bad-addr", clientAddress(req))
}
