package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	defaultMaxDepth      = 10
	defaultMinConfidence = 0.0
)

type (
	// Graph serves traversal queries over the non-stale lineage subgraph.
	// Each query loads a consistent snapshot of active edges and walks it in
	// memory, so traversal results are internally consistent.
	Graph struct {
		store         Store
		staleWindow   time.Duration
		maxDepth      int
		minConfidence float64
		logger        *slog.Logger
	}

	// GraphOption configures a Graph.
	GraphOption func(*Graph)

	// adjacency is a direction-indexed view of one edge snapshot.
	adjacency struct {
		forward  map[string][]Edge // source -> outgoing edges
		backward map[string][]Edge // target -> incoming edges
		edges    []Edge
	}
)

// WithMaxDepth bounds traversals that do not specify their own depth.
func WithMaxDepth(depth int) GraphOption {
	return func(g *Graph) {
		if depth > 0 {
			g.maxDepth = depth
		}
	}
}

// WithStaleWindow overrides the edge staleness window.
func WithStaleWindow(window time.Duration) GraphOption {
	return func(g *Graph) {
		if window > 0 {
			g.staleWindow = window
		}
	}
}

// WithMinConfidence filters edges below the given confidence out of all
// traversals.
func WithMinConfidence(minConfidence float64) GraphOption {
	return func(g *Graph) {
		if minConfidence >= 0 && minConfidence <= 1 {
			g.minConfidence = minConfidence
		}
	}
}

// NewGraph creates a lineage graph over the given edge store.
func NewGraph(store Store, logger *slog.Logger, opts ...GraphOption) *Graph {
	g := &Graph{
		store:         store,
		staleWindow:   DefaultStaleWindow,
		maxDepth:      defaultMaxDepth,
		minConfidence: defaultMinConfidence,
		logger:        logger.With(slog.String("component", "lineage")),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Upstream returns tables feeding the given table, up to depth hops away.
// Depth <= 0 uses the configured maximum.
func (g *Graph) Upstream(ctx context.Context, table string, depth int) ([]Node, error) {
	adj, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	return g.traverse(adj.backward, edgeCounterpartSource, table, depth), nil
}

// Downstream returns tables fed by the given table, up to depth hops away.
func (g *Graph) Downstream(ctx context.Context, table string, depth int) ([]Node, error) {
	adj, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	return g.traverse(adj.forward, edgeCounterpartTarget, table, depth), nil
}

// ComputeBlastRadius aggregates the full downstream reach of a table.
// Terminal consumers are reached tables with no outgoing non-stale edges.
func (g *Graph) ComputeBlastRadius(ctx context.Context, table string) (*BlastRadius, error) {
	adj, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	affected := g.traverse(adj.forward, edgeCounterpartTarget, table, g.maxDepth)

	maxDepth := 0
	hasTerminal := false

	for _, node := range affected {
		if node.Depth > maxDepth {
			maxDepth = node.Depth
		}

		if len(adj.forward[node.Table]) == 0 {
			hasTerminal = true
		}
	}

	return &BlastRadius{
		Table:                table,
		AffectedTables:       affected,
		TotalAffected:        len(affected),
		MaxDepth:             maxDepth,
		HasTerminalConsumers: hasTerminal,
	}, nil
}

// Path returns the shortest source-to-target path by hop count; among paths
// of equal length the one with the highest product confidence wins. Returns
// ErrTableNotFound when no path exists.
func (g *Graph) Path(ctx context.Context, source, target string) ([]string, error) {
	adj, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if source == target {
		return []string{source}, nil
	}

	type state struct {
		confidence float64
		path       []string
	}

	best := map[string]state{source: {confidence: 1.0, path: []string{source}}}
	frontier := []string{source}

	for depth := 0; depth < g.maxDepth && len(frontier) > 0; depth++ {
		sort.Strings(frontier)

		next := make(map[string]state)

		for _, table := range frontier {
			current := best[table]

			for _, edge := range adj.forward[table] {
				if _, settled := best[edge.Target]; settled {
					continue
				}

				candidate := state{
					confidence: current.confidence * edge.Confidence,
					path:       append(append([]string{}, current.path...), edge.Target),
				}

				existing, ok := next[edge.Target]
				if !ok || candidate.confidence > existing.confidence {
					next[edge.Target] = candidate
				}
			}
		}

		if found, ok := next[target]; ok {
			return found.path, nil
		}

		frontier = frontier[:0]

		for table, st := range next {
			best[table] = st
			frontier = append(frontier, table)
		}
	}

	return nil, fmt.Errorf("%w: no path from %s to %s", ErrTableNotFound, source, target)
}

// FullGraph returns every non-stale edge and the distinct node set, sorted
// deterministically.
func (g *Graph) FullGraph(ctx context.Context) (*GraphView, error) {
	adj, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	nodeSet := make(map[string]bool)

	for _, edge := range adj.edges {
		nodeSet[edge.Source] = true
		nodeSet[edge.Target] = true
	}

	nodes := make([]string, 0, len(nodeSet))
	for node := range nodeSet {
		nodes = append(nodes, node)
	}

	sort.Strings(nodes)
	sort.Slice(adj.edges, func(i, j int) bool {
		if adj.edges[i].Source != adj.edges[j].Source {
			return adj.edges[i].Source < adj.edges[j].Source
		}

		return adj.edges[i].Target < adj.edges[j].Target
	})

	return &GraphView{Nodes: nodes, Edges: adj.edges}, nil
}

// StaleCutoff returns the oldest last_seen_at an edge may carry and still be
// served by queries.
func (g *Graph) StaleCutoff() time.Time {
	return time.Now().UTC().Add(-g.staleWindow)
}

func (g *Graph) snapshot(ctx context.Context) (*adjacency, error) {
	edges, err := g.store.ActiveEdges(ctx, g.StaleCutoff())
	if err != nil {
		return nil, fmt.Errorf("failed to load lineage edges: %w", err)
	}

	adj := &adjacency{
		forward:  make(map[string][]Edge),
		backward: make(map[string][]Edge),
	}

	for _, edge := range edges {
		if edge.Confidence < g.minConfidence {
			continue
		}

		adj.forward[edge.Source] = append(adj.forward[edge.Source], edge)
		adj.backward[edge.Target] = append(adj.backward[edge.Target], edge)
		adj.edges = append(adj.edges, edge)
	}

	return adj, nil
}

// edgeCounterpart selects the node an edge leads to for a traversal direction.
type edgeCounterpart func(Edge) string

func edgeCounterpartTarget(e Edge) string { return e.Target }
func edgeCounterpartSource(e Edge) string { return e.Source }

// traverse runs a bounded BFS with a visited set; cycles and self-edges
// terminate naturally. Per reached node the best (maximum) product
// confidence at the minimal depth is kept; results sort by depth then name.
func (g *Graph) traverse(index map[string][]Edge, counterpart edgeCounterpart, start string, depth int) []Node {
	if depth <= 0 || depth > g.maxDepth {
		depth = g.maxDepth
	}

	visited := map[string]*Node{start: {Table: start, Depth: 0, Confidence: 1.0}}
	frontier := []string{start}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		sort.Strings(frontier)

		discovered := make(map[string]float64)

		for _, table := range frontier {
			pathConfidence := visited[table].Confidence

			for _, edge := range index[table] {
				next := counterpart(edge)
				if _, seen := visited[next]; seen {
					continue
				}

				candidate := pathConfidence * edge.Confidence
				if candidate > discovered[next] {
					discovered[next] = candidate
				}
			}
		}

		frontier = frontier[:0]

		for table, confidence := range discovered {
			visited[table] = &Node{Table: table, Depth: level, Confidence: confidence}
			frontier = append(frontier, table)
		}
	}

	result := make([]Node, 0, len(visited)-1)

	for table, node := range visited {
		if table == start {
			continue
		}

		result = append(result, *node)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Depth != result[j].Depth {
			return result[i].Depth < result[j].Depth
		}

		return result[i].Table < result[j].Table
	})

	return result
}
