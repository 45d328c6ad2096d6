package warehouse

import "strings"

// systemSchemas lists catalog and system schemas excluded from discovery and
// monitoring, per dialect.
var systemSchemas = map[string][]string{
	"postgres": {
		"information_schema",
		"pg_catalog",
		"pg_toast",
	},
	"snowflake": {
		"information_schema",
		"snowflake",
	},
	"bigquery": {
		"information_schema",
	},
	"redshift": {
		"information_schema",
		"pg_catalog",
		"pg_internal",
	},
}

// IsSystemSchema reports whether a schema is a catalog or system schema for
// the given dialect. Unknown dialects fall back to the postgres list plus the
// universal pg_* prefix rule.
func IsSystemSchema(dialect, schema string) bool {
	normalized := strings.ToLower(strings.TrimSpace(schema))

	if strings.HasPrefix(normalized, "pg_") {
		return true
	}

	names, ok := systemSchemas[strings.ToLower(dialect)]
	if !ok {
		names = systemSchemas["postgres"]
	}

	for _, name := range names {
		if normalized == name {
			return true
		}
	}

	return false
}
