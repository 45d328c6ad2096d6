package lineage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryEdgeStore is an in-memory Store for graph tests.
type memoryEdgeStore struct {
	edges map[string]Edge // "source->target"
}

func newMemoryEdgeStore() *memoryEdgeStore {
	return &memoryEdgeStore{edges: make(map[string]Edge)}
}

func (s *memoryEdgeStore) UpsertEdge(_ context.Context, edge Edge) error {
	key := edge.Source + "->" + edge.Target

	existing, ok := s.edges[key]
	if !ok {
		if edge.FirstSeenAt.IsZero() {
			edge.FirstSeenAt = time.Now().UTC()
		}

		if edge.LastSeenAt.IsZero() {
			edge.LastSeenAt = edge.FirstSeenAt
		}

		s.edges[key] = edge

		return nil
	}

	if edge.Confidence > existing.Confidence {
		existing.Confidence = edge.Confidence
	}

	if edge.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = edge.LastSeenAt
	}

	s.edges[key] = existing

	return nil
}

func (s *memoryEdgeStore) ActiveEdges(_ context.Context, cutoff time.Time) ([]Edge, error) {
	var result []Edge

	for _, edge := range s.edges {
		if !edge.LastSeenAt.Before(cutoff) {
			result = append(result, edge)
		}
	}

	return result, nil
}

func seedEdge(t *testing.T, store *memoryEdgeStore, source, target string, confidence float64, lastSeen time.Time) {
	t.Helper()

	require.NoError(t, store.UpsertEdge(context.Background(), Edge{
		Source:       source,
		Target:       target,
		Relationship: RelationshipDirect,
		Confidence:   confidence,
		FirstSeenAt:  lastSeen,
		LastSeenAt:   lastSeen,
	}))
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDownstreamTraversal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	// raw.x -> stg.x -> mart.x, plus raw.x -> audit.x
	seedEdge(t, store, "raw.x", "stg.x", 1.0, now)
	seedEdge(t, store, "stg.x", "mart.x", 0.8, now)
	seedEdge(t, store, "raw.x", "audit.x", 0.6, now)

	graph := NewGraph(store, testLogger())

	nodes, err := graph.Downstream(context.Background(), "raw.x", 0)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	// Sorted by depth then name.
	assert.Equal(t, Node{Table: "audit.x", Depth: 1, Confidence: 0.6}, nodes[0])
	assert.Equal(t, Node{Table: "stg.x", Depth: 1, Confidence: 1.0}, nodes[1])
	assert.Equal(t, "mart.x", nodes[2].Table)
	assert.Equal(t, 2, nodes[2].Depth)
	assert.InDelta(t, 0.8, nodes[2].Confidence, 0.001)
}

func TestUpstreamTraversalRespectsDepth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	seedEdge(t, store, "raw.x", "stg.x", 1.0, now)
	seedEdge(t, store, "stg.x", "mart.x", 1.0, now)

	graph := NewGraph(store, testLogger())

	nodes, err := graph.Upstream(context.Background(), "mart.x", 1)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "stg.x", nodes[0].Table)

	nodes, err = graph.Upstream(context.Background(), "mart.x", 2)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestTraversalSurvivesCycles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	seedEdge(t, store, "a.t", "b.t", 1.0, now)
	seedEdge(t, store, "b.t", "a.t", 1.0, now)
	seedEdge(t, store, "a.t", "a.t", 1.0, now) // self-edge

	graph := NewGraph(store, testLogger())

	nodes, err := graph.Downstream(context.Background(), "a.t", 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "b.t", nodes[0].Table)
}

func TestBlastRadiusStaleEdgeSuppressed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	// raw.x -> stg.x last seen 31 days ago; stg.x -> mart.x seen today.
	seedEdge(t, store, "raw.x", "stg.x", 1.0, now.Add(-31*24*time.Hour))
	seedEdge(t, store, "stg.x", "mart.x", 1.0, now)

	graph := NewGraph(store, testLogger())

	stale, err := graph.ComputeBlastRadius(context.Background(), "raw.x")
	require.NoError(t, err)
	assert.Zero(t, stale.TotalAffected)
	assert.Empty(t, stale.AffectedTables)

	fresh, err := graph.ComputeBlastRadius(context.Background(), "stg.x")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.TotalAffected)
	assert.Equal(t, "mart.x", fresh.AffectedTables[0].Table)
	assert.Equal(t, 1, fresh.MaxDepth)
	assert.True(t, fresh.HasTerminalConsumers)
}

func TestBlastRadiusTerminalConsumers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	// a -> b -> c; c has out-degree 0, so it is a terminal consumer.
	seedEdge(t, store, "a.t", "b.t", 1.0, now)
	seedEdge(t, store, "b.t", "c.t", 1.0, now)

	graph := NewGraph(store, testLogger())

	radius, err := graph.ComputeBlastRadius(context.Background(), "a.t")
	require.NoError(t, err)
	assert.Equal(t, 2, radius.TotalAffected)
	assert.Equal(t, 2, radius.MaxDepth)
	assert.True(t, radius.HasTerminalConsumers)
}

func TestPathShortestByHopsThenConfidence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	// Two 2-hop paths a -> x -> d (0.9*0.9) and a -> y -> d (0.5*0.5),
	// plus a longer 3-hop path.
	seedEdge(t, store, "a.t", "x.t", 0.9, now)
	seedEdge(t, store, "x.t", "d.t", 0.9, now)
	seedEdge(t, store, "a.t", "y.t", 0.5, now)
	seedEdge(t, store, "y.t", "d.t", 0.5, now)
	seedEdge(t, store, "a.t", "p.t", 1.0, now)
	seedEdge(t, store, "p.t", "q.t", 1.0, now)
	seedEdge(t, store, "q.t", "d.t", 1.0, now)

	graph := NewGraph(store, testLogger())

	path, err := graph.Path(context.Background(), "a.t", "d.t")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.t", "x.t", "d.t"}, path)
}

func TestPathNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	seedEdge(t, store, "a.t", "b.t", 1.0, time.Now().UTC())

	graph := NewGraph(store, testLogger())

	_, err := graph.Path(context.Background(), "b.t", "a.t")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestFullGraphDeterministicOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	seedEdge(t, store, "z.t", "a.t", 1.0, now)
	seedEdge(t, store, "b.t", "a.t", 1.0, now)

	graph := NewGraph(store, testLogger())

	view, err := graph.FullGraph(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.t", "b.t", "z.t"}, view.Nodes)
	require.Len(t, view.Edges, 2)
	assert.Equal(t, "b.t", view.Edges[0].Source)
	assert.Equal(t, "z.t", view.Edges[1].Source)
}

func TestMinConfidenceFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	now := time.Now().UTC()

	seedEdge(t, store, "a.t", "b.t", 0.6, now)
	seedEdge(t, store, "a.t", "c.t", 0.9, now)

	graph := NewGraph(store, testLogger(), WithMinConfidence(0.7))

	nodes, err := graph.Downstream(context.Background(), "a.t", 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "c.t", nodes[0].Table)
}

func TestUpsertMonotonicity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryEdgeStore()
	ctx := context.Background()
	earlier := time.Now().UTC().Add(-time.Hour)
	later := time.Now().UTC()

	require.NoError(t, store.UpsertEdge(ctx, Edge{
		Source: "a.t", Target: "b.t", Confidence: 0.8,
		FirstSeenAt: earlier, LastSeenAt: earlier,
	}))

	// Re-observation with lower confidence must not decrease anything.
	require.NoError(t, store.UpsertEdge(ctx, Edge{
		Source: "a.t", Target: "b.t", Confidence: 0.6,
		FirstSeenAt: later, LastSeenAt: later,
	}))

	edges, err := store.ActiveEdges(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.8, edges[0].Confidence, 0.001)
	assert.Equal(t, later, edges[0].LastSeenAt)
}
