package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aegis-dq/aegis/internal/lineage"
)

// TraversalResponse is the shape shared by upstream and downstream queries.
type TraversalResponse struct {
	Table     string         `json:"table"`
	Direction string         `json:"direction"`
	Depth     int            `json:"depth"`
	Nodes     []lineage.Node `json:"nodes"`
}

func (s *Server) handleLineageGraph(w http.ResponseWriter, r *http.Request) {
	if !s.lineageConfigured(w, r) {
		return
	}

	graph, err := s.deps.Lineage.FullGraph(r.Context())
	if err != nil {
		s.storeFailure(w, r, "load lineage graph", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, graph)
}

func (s *Server) handleLineageUpstream(w http.ResponseWriter, r *http.Request) {
	s.handleTraversal(w, r, "upstream", s.deps.Lineage.Upstream)
}

func (s *Server) handleLineageDownstream(w http.ResponseWriter, r *http.Request) {
	s.handleTraversal(w, r, "downstream", s.deps.Lineage.Downstream)
}

func (s *Server) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	if !s.lineageConfigured(w, r) {
		return
	}

	table, problem := lineageTableFromPath(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	radius, err := s.deps.Lineage.ComputeBlastRadius(r.Context(), table)
	if err != nil {
		s.writeLineageError(w, r, table, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, radius)
}

// traversalFunc is either Upstream or Downstream on the lineage graph.
type traversalFunc func(ctx context.Context, table string, depth int) ([]lineage.Node, error)

func (s *Server) handleTraversal(w http.ResponseWriter, r *http.Request, direction string, traverse traversalFunc) {
	if !s.lineageConfigured(w, r) {
		return
	}

	table, problem := lineageTableFromPath(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Depth 0 means "use the graph's configured maximum".
	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	nodes, err := traverse(r.Context(), table, depth)
	if err != nil {
		s.writeLineageError(w, r, table, err)

		return
	}

	if nodes == nil {
		nodes = []lineage.Node{}
	}

	s.writeJSON(w, r, http.StatusOK, TraversalResponse{
		Table:     table,
		Direction: direction,
		Depth:     depth,
		Nodes:     nodes,
	})
}

func (s *Server) lineageConfigured(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Lineage == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Lineage is not configured"))

		return false
	}

	return true
}

func (s *Server) writeLineageError(w http.ResponseWriter, r *http.Request, table string, err error) {
	if errors.Is(err, lineage.ErrTableNotFound) {
		WriteErrorResponse(w, r, s.logger, NotFound("Table "+table+" is not present in the lineage graph"))

		return
	}

	s.storeFailure(w, r, "traverse lineage", err)
}

// lineageTableFromPath extracts the schema-qualified table name from the
// {table} path segment.
func lineageTableFromPath(r *http.Request) (string, *ProblemDetail) {
	table := strings.TrimSpace(r.PathValue("table"))
	if table == "" || !strings.Contains(table, ".") {
		return "", BadRequest("table must be a schema-qualified name, e.g. public.orders")
	}

	return table, nil
}
