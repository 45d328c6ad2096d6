package migrations

import (
	"fmt"
	"os"
)

// Config holds configuration for the migration runner.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table used to track applied migrations.
	MigrationTable string
}

// LoadConfig loads migration configuration from environment variables.
// AEGIS_DB_PATH is the DSN of the persistent store.
//
// Environment access is inlined here rather than going through
// internal/config: that package depends on this one for the embedded
// migration set, and the import must stay one-directional.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnv("AEGIS_DB_PATH", ""),
		MigrationTable: getEnv("AEGIS_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("AEGIS_DB_PATH cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("AEGIS_MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a loggable representation with credentials masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// MaskDatabaseURL masks the password portion of a database URL for logging.
func MaskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	authStart := -1

	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2

			break
		}
	}

	if authStart == -1 {
		return url
	}

	// Find the last "@" in the authority section; passwords may contain "@".
	atPos := -1

	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}

		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	colonPos := -1

	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i

			break
		}
	}

	if colonPos == -1 || atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
