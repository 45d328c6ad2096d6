package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/storage"
)

type (
	// ApproveIncidentRequest resolves an incident. Actor is recorded as the
	// resolver; the note is optional commentary.
	ApproveIncidentRequest struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}

	// DismissIncidentRequest dismisses an incident. Reason is mandatory.
	DismissIncidentRequest struct {
		Reason string `json:"reason"`
	}

	// IncidentListResponse is a filtered incident listing, newest first.
	IncidentListResponse struct {
		Incidents []incident.Incident `json:"incidents"`
		Limit     int                 `json:"limit"`
		Offset    int                 `json:"offset"`
	}
)

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter, problem := incidentFilterFromQuery(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	incidents, err := s.deps.Store.ListIncidents(r.Context(), filter)
	if err != nil {
		s.storeFailure(w, r, "list incidents", err)

		return
	}

	if incidents == nil {
		incidents = []incident.Incident{}
	}

	s.writeJSON(w, r, http.StatusOK, IncidentListResponse{
		Incidents: incidents,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.incidentFromPath(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, inc)
}

// handleIncidentReport serves the persisted report. A 204 means the incident
// exists but its report has not been generated yet. With ?regenerate=true the
// report is rebuilt from the incident's inputs instead of read from the row;
// regeneration is idempotent and nothing is persisted.
func (s *Server) handleIncidentReport(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.incidentFromPath(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("regenerate") == "true" && s.deps.Incidents != nil {
		if report := s.regenerateReport(r, inc); report != nil {
			s.writeJSON(w, r, http.StatusOK, report)

			return
		}
	}

	if inc.Report == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	s.writeJSON(w, r, http.StatusOK, inc.Report)
}

func (s *Server) handleApproveIncident(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Incident orchestration is not configured"))

		return
	}

	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	var req ApproveIncidentRequest
	// An empty body is a valid approval.
	if r.ContentLength > 0 {
		if err := s.decodeJSON(w, r, &req); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	inc, err := s.deps.Incidents.Approve(r.Context(), id, actor)
	if err != nil {
		s.writeIncidentError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, inc)
}

func (s *Server) handleDismissIncident(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Incident orchestration is not configured"))

		return
	}

	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	var req DismissIncidentRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(w, r, &req); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}
	}

	inc, err := s.deps.Incidents.Dismiss(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeIncidentError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, inc)
}

// incidentFromPath loads the incident addressed by the {id} path segment,
// writing the error response itself on failure.
func (s *Server) incidentFromPath(w http.ResponseWriter, r *http.Request) (*incident.Incident, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return nil, false
	}

	inc, err := s.deps.Store.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Incident not found"))

			return nil, false
		}

		s.storeFailure(w, r, "get incident", err)

		return nil, false
	}

	return inc, true
}

// regenerateReport rebuilds the report from the incident's anomaly and table.
// Returns nil when either input row is gone, in which case the caller falls
// back to the persisted report.
func (s *Server) regenerateReport(r *http.Request, inc *incident.Incident) *incident.Report {
	anomaly, err := s.deps.Store.GetAnomaly(r.Context(), inc.AnomalyID)
	if err != nil {
		return nil
	}

	table, err := s.deps.Store.GetMonitoredTable(r.Context(), inc.TableID)
	if err != nil {
		return nil
	}

	return s.deps.Incidents.RegenerateReport(inc, anomaly, table.Sentinel())
}

// writeIncidentError maps orchestrator failures onto the problem taxonomy.
func (s *Server) writeIncidentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound("Incident not found"))
	case errors.Is(err, incident.ErrInvalidTransition):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	case errors.Is(err, incident.ErrMissingReason):
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))
	default:
		s.storeFailure(w, r, "transition incident", err)
	}
}

func incidentFilterFromQuery(r *http.Request) (storage.IncidentFilter, *ProblemDetail) {
	query := r.URL.Query()

	filter := storage.IncidentFilter{
		Status:   query.Get("status"),
		Severity: query.Get("severity"),
	}

	if raw := query.Get("table_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, BadRequest("invalid table_id")
		}

		filter.TableID = id
	}

	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, BadRequest("invalid since: expected RFC 3339 timestamp")
		}

		filter.Since = since
	}

	var err error

	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		return filter, BadRequest(err.Error())
	}

	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		return filter, BadRequest(err.Error())
	}

	return filter, nil
}
