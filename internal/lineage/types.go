// Package lineage parses captured warehouse SQL into a directed table
// dependency graph and serves upstream, downstream, blast-radius and path
// queries over the non-stale portion of that graph.
package lineage

import (
	"context"
	"errors"
	"time"
)

const (
	// RelationshipDirect marks an edge observed in a top-level FROM clause.
	RelationshipDirect = "direct"

	// RelationshipDerived marks an edge observed through a subquery or CTE.
	RelationshipDerived = "derived"

	// RelationshipAggregated marks an edge whose producing query aggregates.
	RelationshipAggregated = "aggregated"
)

// DefaultStaleWindow is how long an edge stays live without re-observation.
// Stale edges are kept in storage for auditability but excluded from queries.
const DefaultStaleWindow = 30 * 24 * time.Hour

// ErrTableNotFound indicates the requested table has no edges in the graph.
var ErrTableNotFound = errors.New("table not found in lineage graph")

type (
	// Edge is a directed (source -> target) dependency between two fully
	// qualified table names.
	Edge struct {
		Source       string    `json:"source"`
		Target       string    `json:"target"`
		Relationship string    `json:"relationship"`
		Confidence   float64   `json:"confidence"`
		QueryHash    string    `json:"query_hash,omitempty"`
		FirstSeenAt  time.Time `json:"first_seen_at"`
		LastSeenAt   time.Time `json:"last_seen_at"`
	}

	// Node is one reachable table in a traversal result. Confidence is the
	// product of edge confidences along the best path.
	Node struct {
		Table      string  `json:"table"`
		Depth      int     `json:"depth"`
		Confidence float64 `json:"confidence"`
	}

	// BlastRadius aggregates the downstream reach of a table.
	BlastRadius struct {
		Table                string `json:"table"`
		AffectedTables       []Node `json:"affected_tables"`
		TotalAffected        int    `json:"total_affected"`
		MaxDepth             int    `json:"max_depth"`
		HasTerminalConsumers bool   `json:"has_terminal_consumers"`
	}

	// GraphView is the full non-stale graph shape served by the API.
	GraphView struct {
		Nodes []string `json:"nodes"`
		Edges []Edge   `json:"edges"`
	}

	// Store is the persistence contract for lineage edges. Cutoff bounds
	// staleness: only edges with last_seen_at >= cutoff are returned.
	Store interface {
		// UpsertEdge inserts or refreshes an edge. On (source, target)
		// conflict last_seen_at advances and confidence takes the maximum.
		UpsertEdge(ctx context.Context, edge Edge) error

		// ActiveEdges returns every non-stale edge.
		ActiveEdges(ctx context.Context, cutoff time.Time) ([]Edge, error)
	}
)
