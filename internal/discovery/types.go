// Package discovery proposes which warehouse tables to enroll for
// monitoring. The Investigator runs a bounded tool-calling agent when an LLM
// is configured and a deterministic name-pattern classifier otherwise;
// rediscovery diffs the warehouse against the monitored set without any LLM.
package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// Table roles assigned during classification.
const (
	RoleFact      = "fact"
	RoleDimension = "dimension"
	RoleStaging   = "staging"
	RoleRaw       = "raw"
	RoleSnapshot  = "snapshot"
	RoleSystem    = "system"
	RoleUnknown   = "unknown"
)

// Check types a proposal can recommend.
const (
	CheckSchema    = "schema"
	CheckFreshness = "freshness"
)

// Rediscovery delta actions.
const (
	DeltaNew     = "new"
	DeltaDropped = "dropped"
)

type (
	// TableProposal is one classified candidate table. Not persisted; it
	// lives only in API responses until confirmed.
	TableProposal struct {
		Schema              string             `json:"schema"`
		Table               string             `json:"table"`
		FQN                 string             `json:"fqn"`
		Role                string             `json:"role"`
		Columns             []warehouse.Column `json:"columns"`
		RecommendedChecks   []string           `json:"recommended_checks"`
		SuggestedSLAMinutes *int               `json:"suggested_sla_minutes"`
		Reasoning           string             `json:"reasoning"`
		Skip                bool               `json:"skip"`
	}

	// DiscoveryReport is the full outcome of one discover invocation.
	DiscoveryReport struct {
		ConnectionID   uuid.UUID       `json:"connection_id"`
		ConnectionName string          `json:"connection_name"`
		SchemasFound   []string        `json:"schemas_found"`
		TotalTables    int             `json:"total_tables"`
		Proposals      []TableProposal `json:"proposals"`
		Concerns       []string        `json:"concerns"`
		GeneratedAt    time.Time       `json:"generated_at"`
	}

	// TableDelta is one rediscovery difference between the warehouse and the
	// monitored set.
	TableDelta struct {
		Action   string         `json:"action"`
		Schema   string         `json:"schema"`
		Table    string         `json:"table"`
		FQN      string         `json:"fqn"`
		Proposal *TableProposal `json:"proposal,omitempty"`
	}

	// Target identifies the connection a discovery run operates on.
	Target struct {
		ConnectionID uuid.UUID
		Name         string
	}

	// MonitoredLister serves the currently enrolled table set for a
	// connection, as schema-qualified names.
	MonitoredLister interface {
		MonitoredFQNs(ctx context.Context, connectionID uuid.UUID) ([]string, error)
	}
)
