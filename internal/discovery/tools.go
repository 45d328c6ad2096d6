package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

// Tool names exposed to the discovery agent.
const (
	toolListSchemas    = "list_warehouse_schemas"
	toolListTables     = "list_schema_tables"
	toolInspectColumns = "inspect_table_columns"
	toolCheckFreshness = "check_table_freshness"
	toolKnownLineage   = "get_known_lineage"
)

const lineageToolDepth = 3

// ErrToolBudgetExhausted stops an agent run that keeps calling tools past
// the per-invocation cap.
var ErrToolBudgetExhausted = errors.New("discovery tool budget exhausted")

// LineageReader is the slice of the lineage graph the discovery tools read.
type LineageReader interface {
	Upstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
	Downstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
}

// toolset binds the five discovery tools to one connector and lineage graph
// for the duration of a single agent invocation. No global state; the budget
// dies with the run.
type toolset struct {
	conn  warehouse.Connector
	graph LineageReader
	limit int
	calls int
}

func newToolset(conn warehouse.Connector, graph LineageReader, limit int) *toolset {
	return &toolset{conn: conn, graph: graph, limit: limit}
}

// invoke dispatches one tool call, charging it against the budget.
func (t *toolset) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if t.calls >= t.limit {
		return nil, ErrToolBudgetExhausted
	}

	t.calls++

	switch name {
	case toolListSchemas:
		return t.conn.ListSchemas(ctx)

	case toolListTables:
		schema, err := argString(args, "schema")
		if err != nil {
			return nil, err
		}

		return t.conn.ListTables(ctx, schema)

	case toolInspectColumns:
		schema, table, err := argSchemaTable(args)
		if err != nil {
			return nil, err
		}

		return t.conn.FetchColumns(ctx, schema, table)

	case toolCheckFreshness:
		schema, table, err := argSchemaTable(args)
		if err != nil {
			return nil, err
		}

		lastUpdate, err := t.conn.FetchLastUpdateTime(ctx, schema, table)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"schema":      schema,
			"table":       table,
			"last_update": lastUpdate,
		}, nil

	case toolKnownLineage:
		fqn, err := argString(args, "fqn")
		if err != nil {
			return nil, err
		}

		upstream, err := t.graph.Upstream(ctx, fqn, lineageToolDepth)
		if err != nil {
			return nil, err
		}

		downstream, err := t.graph.Downstream(ctx, fqn, lineageToolDepth)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"fqn":        fqn,
			"upstream":   upstream,
			"downstream": downstream,
		}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func argString(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("tool argument %q must be a non-empty string", key)
	}

	return value, nil
}

func argSchemaTable(args map[string]any) (string, string, error) {
	schema, err := argString(args, "schema")
	if err != nil {
		return "", "", err
	}

	table, err := argString(args, "table")
	if err != nil {
		return "", "", err
	}

	return schema, table, nil
}
