package scanner

import (
	"errors"
	"fmt"
	"time"

	"github.com/aegis-dq/aegis/internal/config"
)

// Defaults for the three cadences and the in-cycle worker pool.
const (
	DefaultScanInterval        = 300 * time.Second
	DefaultLineageRefresh      = 3600 * time.Second
	DefaultRediscoveryInterval = 86400 * time.Second
	DefaultWorkers             = 4
)

// ErrInvalidInterval indicates a cadence was configured as zero or negative.
var ErrInvalidInterval = errors.New("scanner interval must be positive")

// Config holds the scanner cadences and concurrency bound.
type Config struct {
	// ScanInterval is the sentinel cadence: how often every enabled table
	// of every active connection is inspected.
	ScanInterval time.Duration

	// LineageRefresh is the query-log ingest cadence.
	LineageRefresh time.Duration

	// RediscoveryInterval is the warehouse-diff cadence.
	RediscoveryInterval time.Duration

	// Workers bounds concurrent table inspections within one scan cycle.
	Workers int
}

// LoadConfig reads scanner settings from the environment:
//   - AEGIS_SCAN_INTERVAL_SECONDS (default 300)
//   - AEGIS_LINEAGE_REFRESH_SECONDS (default 3600)
//   - AEGIS_REDISCOVERY_INTERVAL_SECONDS (default 86400)
//   - AEGIS_SCAN_WORKERS (default 4)
func LoadConfig() *Config {
	return &Config{
		ScanInterval:        config.GetEnvSeconds("AEGIS_SCAN_INTERVAL_SECONDS", DefaultScanInterval),
		LineageRefresh:      config.GetEnvSeconds("AEGIS_LINEAGE_REFRESH_SECONDS", DefaultLineageRefresh),
		RediscoveryInterval: config.GetEnvSeconds("AEGIS_REDISCOVERY_INTERVAL_SECONDS", DefaultRediscoveryInterval),
		Workers:             config.GetEnvInt("AEGIS_SCAN_WORKERS", DefaultWorkers),
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	intervals := map[string]time.Duration{
		"scan":        c.ScanInterval,
		"lineage":     c.LineageRefresh,
		"rediscovery": c.RediscoveryInterval,
	}

	for name, interval := range intervals {
		if interval <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
		}
	}

	if c.Workers < 1 {
		return fmt.Errorf("scanner workers must be at least 1, got %d", c.Workers)
	}

	return nil
}
