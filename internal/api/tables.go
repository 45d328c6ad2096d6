package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/sentinel"
	"github.com/aegis-dq/aegis/internal/storage"
)

const defaultSnapshotPageSize = 20

type (
	// CreateTableRequest is the direct enrollment payload. Unlike discovery
	// confirmation, a duplicate FQN here is surfaced as a conflict.
	CreateTableRequest struct {
		ConnectionID        uuid.UUID `json:"connection_id"`
		Schema              string    `json:"schema"`
		Table               string    `json:"table"`
		Role                string    `json:"role"`
		CheckTypes          []string  `json:"check_types"`
		FreshnessSLAMinutes int       `json:"freshness_sla_minutes"`
		TimestampColumn     string    `json:"timestamp_column"`
		Enabled             *bool     `json:"enabled"`
	}

	// UpdateTableRequest carries the mutable monitoring configuration.
	// Identity fields (connection, schema, table) are immutable.
	UpdateTableRequest struct {
		Role                string   `json:"role"`
		CheckTypes          []string `json:"check_types"`
		FreshnessSLAMinutes int      `json:"freshness_sla_minutes"`
		TimestampColumn     string   `json:"timestamp_column"`
		Enabled             *bool    `json:"enabled"`
	}

	// TableListResponse is a paginated monitored table listing.
	TableListResponse struct {
		Tables []storage.MonitoredTable `json:"tables"`
		Total  int                      `json:"total"`
		Limit  int                      `json:"limit"`
		Offset int                      `json:"offset"`
	}
)

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if req.ConnectionID == uuid.Nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("connection_id is required"))

		return
	}

	if _, err := s.deps.Store.GetConnection(r.Context(), req.ConnectionID); err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity("connection_id references an unknown connection"))

			return
		}

		s.storeFailure(w, r, "get connection", err)

		return
	}

	table, err := monitoredTableFromSelection(req.ConnectionID, TableSelection{
		Schema:              req.Schema,
		Table:               req.Table,
		Role:                req.Role,
		CheckTypes:          req.CheckTypes,
		FreshnessSLAMinutes: req.FreshnessSLAMinutes,
		TimestampColumn:     req.TimestampColumn,
	})
	if err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	if req.Enabled != nil {
		table.Enabled = *req.Enabled
	}

	inserted, err := s.deps.Store.EnrollTable(r.Context(), table)
	if err != nil {
		s.storeFailure(w, r, "enroll table", err)

		return
	}

	// Discovery confirmation swallows duplicates; the direct endpoint
	// reports them so callers learn the table is already monitored.
	if !inserted {
		WriteErrorResponse(w, r, s.logger, Conflict("Table "+table.FQN()+" is already monitored"))

		return
	}

	s.writeJSON(w, r, http.StatusCreated, table)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	connectionID := uuid.Nil

	if raw := r.URL.Query().Get("connection_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("invalid connection_id"))

			return
		}

		connectionID = parsed
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	tables, err := s.deps.Store.ListMonitoredTables(r.Context(), connectionID)
	if err != nil {
		s.storeFailure(w, r, "list tables", err)

		return
	}

	total := len(tables)
	page := paginate(tables, limit, offset)

	s.writeJSON(w, r, http.StatusOK, TableListResponse{
		Tables: page,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	table, ok := s.tableFromPath(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, table)
}

func (s *Server) handleUpdateTable(w http.ResponseWriter, r *http.Request) {
	table, ok := s.tableFromPath(w, r)
	if !ok {
		return
	}

	var req UpdateTableRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	for _, check := range req.CheckTypes {
		if check != discovery.CheckSchema && check != discovery.CheckFreshness {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity("unknown check type: "+check))

			return
		}
	}

	if strings.TrimSpace(req.Role) != "" {
		table.Role = req.Role
	}

	if len(req.CheckTypes) > 0 {
		table.CheckTypes = req.CheckTypes
	}

	table.FreshnessSLAMinutes = req.FreshnessSLAMinutes
	table.TimestampColumn = req.TimestampColumn
	table.UpdatedAt = time.Now().UTC()

	if req.Enabled != nil {
		table.Enabled = *req.Enabled
	}

	if err := s.deps.Store.UpdateMonitoredTable(r.Context(), table); err != nil {
		if errors.Is(err, storage.ErrMonitoredTableNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Monitored table not found"))

			return
		}

		s.storeFailure(w, r, "update table", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, table)
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.deps.Store.DeleteMonitoredTable(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrMonitoredTableNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Monitored table not found"))

			return
		}

		s.storeFailure(w, r, "delete table", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	table, ok := s.tableFromPath(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultSnapshotPageSize)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	snapshots, err := s.deps.Store.ListSnapshots(r.Context(), table.ID, limit)
	if err != nil {
		s.storeFailure(w, r, "list snapshots", err)

		return
	}

	if snapshots == nil {
		snapshots = []sentinel.Snapshot{}
	}

	s.writeJSON(w, r, http.StatusOK, snapshots)
}

// tableFromPath loads the monitored table addressed by the {id} path segment,
// writing the error response itself on failure.
func (s *Server) tableFromPath(w http.ResponseWriter, r *http.Request) (*storage.MonitoredTable, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return nil, false
	}

	table, err := s.deps.Store.GetMonitoredTable(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrMonitoredTableNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Monitored table not found"))

			return nil, false
		}

		s.storeFailure(w, r, "get table", err)

		return nil, false
	}

	return table, true
}

// paginate slices a listing in memory. Listings here are small; the store
// orders them deterministically so offsets are stable.
func paginate(tables []storage.MonitoredTable, limit, offset int) []storage.MonitoredTable {
	if offset >= len(tables) {
		return []storage.MonitoredTable{}
	}

	tables = tables[offset:]

	if limit > 0 && limit < len(tables) {
		tables = tables[:limit]
	}

	return tables
}
