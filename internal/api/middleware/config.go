// Package middleware provides HTTP middleware components for the Aegis API.
package middleware

import (
	"time"

	"github.com/aegis-dq/aegis/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second for two tiers: a process-wide
// global limit and a per-client limit keyed by remote address. Burst
// capacity allows temporary bursts above sustained rate; zero burst fields
// are computed automatically as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 25

	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS)
	ClientBurst int // Default: 0 (computed as 2 × ClientRPS)

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads middleware config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("AEGIS_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("AEGIS_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("AEGIS_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("AEGIS_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration("AEGIS_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("AEGIS_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("AEGIS_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
