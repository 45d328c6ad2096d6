package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/storage"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

// probeTimeout bounds the connectivity test probe query.
const probeTimeout = 10 * time.Second

type (
	// ConnectionRequest is the create/update payload for a warehouse
	// connection. URI arrives in plaintext and is encrypted before it
	// touches the store; it is never echoed back.
	ConnectionRequest struct {
		Name     string `json:"name"`
		Dialect  string `json:"dialect"`
		URI      string `json:"uri"`
		IsActive *bool  `json:"is_active"`
	}

	// TestConnectionResponse reports the outcome of a probe query.
	TestConnectionResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	// TableSelection is one confirmed discovery proposal to enroll.
	TableSelection struct {
		Schema              string   `json:"schema"`
		Table               string   `json:"table"`
		Role                string   `json:"role"`
		CheckTypes          []string `json:"check_types"`
		FreshnessSLAMinutes int      `json:"freshness_sla_minutes"`
		TimestampColumn     string   `json:"timestamp_column"`
	}

	// ConfirmDiscoveryRequest is the discovery confirmation payload.
	ConfirmDiscoveryRequest struct {
		TableSelections []TableSelection `json:"table_selections"`
	}

	// ConfirmDiscoveryResponse reports enrollment counts. Duplicates are
	// skipped silently so re-confirming the same selections is a no-op.
	ConfirmDiscoveryResponse struct {
		Enrolled int                      `json:"enrolled"`
		Skipped  int                      `json:"skipped"`
		Tables   []storage.MonitoredTable `json:"tables"`
	}
)

func (req *ConnectionRequest) validate(requireURI bool) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}

	if strings.TrimSpace(req.Dialect) == "" {
		return errors.New("dialect is required")
	}

	if requireURI && strings.TrimSpace(req.URI) == "" {
		return errors.New("uri is required")
	}

	return nil
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req ConnectionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := req.validate(true); err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	encrypted, err := s.deps.Sealer.Encrypt(req.URI)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encrypt connection URI"))

		return
	}

	now := time.Now().UTC()
	conn := &storage.WarehouseConnection{
		ID:           uuid.New(),
		Name:         req.Name,
		Dialect:      req.Dialect,
		EncryptedURI: encrypted,
		IsActive:     req.IsActive == nil || *req.IsActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.deps.Store.CreateConnection(r.Context(), conn); err != nil {
		if errors.Is(err, storage.ErrConnectionExists) {
			WriteErrorResponse(w, r, s.logger, Conflict("A connection with this name already exists"))

			return
		}

		s.storeFailure(w, r, "create connection", err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := s.deps.Store.ListConnections(r.Context())
	if err != nil {
		s.storeFailure(w, r, "list connections", err)

		return
	}

	if connections == nil {
		connections = []storage.WarehouseConnection{}
	}

	s.writeJSON(w, r, http.StatusOK, connections)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, conn)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	var req ConnectionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	// URI is optional on update: an empty value keeps the stored ciphertext.
	if err := req.validate(false); err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	conn.Name = req.Name
	conn.Dialect = req.Dialect
	conn.UpdatedAt = time.Now().UTC()

	if req.IsActive != nil {
		conn.IsActive = *req.IsActive
	}

	if strings.TrimSpace(req.URI) != "" {
		encrypted, err := s.deps.Sealer.Encrypt(req.URI)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encrypt connection URI"))

			return
		}

		conn.EncryptedURI = encrypted
	}

	if err := s.deps.Store.UpdateConnection(r.Context(), conn); err != nil {
		switch {
		case errors.Is(err, storage.ErrConnectionNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("Connection not found"))
		case errors.Is(err, storage.ErrConnectionExists):
			WriteErrorResponse(w, r, s.logger, Conflict("A connection with this name already exists"))
		default:
			s.storeFailure(w, r, "update connection", err)
		}

		return
	}

	s.writeJSON(w, r, http.StatusOK, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.deps.Store.DeleteConnection(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Connection not found"))

			return
		}

		s.storeFailure(w, r, "delete connection", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	connector, err := s.openConnector(conn)
	if err != nil {
		s.writeJSON(w, r, http.StatusOK, TestConnectionResponse{Success: false, Error: err.Error()})

		return
	}
	defer connector.Dispose()

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	if err := connector.Ping(ctx); err != nil {
		s.writeJSON(w, r, http.StatusOK, TestConnectionResponse{Success: false, Error: err.Error()})

		return
	}

	s.writeJSON(w, r, http.StatusOK, TestConnectionResponse{Success: true})
}

func (s *Server) handleDiscoverConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Discovery is not configured"))

		return
	}

	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	connector, err := s.openConnector(conn)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadGateway("Failed to reach warehouse: "+err.Error()))

		return
	}
	defer connector.Dispose()

	report, err := s.deps.Discoverer.Discover(r.Context(), connector, discovery.Target{
		ConnectionID: conn.ID,
		Name:         conn.Name,
	})
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadGateway("Discovery failed: "+err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleConfirmDiscovery(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	var req ConfirmDiscoveryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if len(req.TableSelections) == 0 {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("table_selections must not be empty"))

		return
	}

	response := ConfirmDiscoveryResponse{Tables: []storage.MonitoredTable{}}

	for _, selection := range req.TableSelections {
		table, err := monitoredTableFromSelection(conn.ID, selection)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		inserted, err := s.deps.Store.EnrollTable(r.Context(), table)
		if err != nil {
			s.storeFailure(w, r, "enroll table", err)

			return
		}

		if inserted {
			response.Enrolled++
			response.Tables = append(response.Tables, *table)
		} else {
			response.Skipped++
		}
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// connectionFromPath loads the connection addressed by the {id} path segment,
// writing the error response itself when the ID is malformed or unknown.
func (s *Server) connectionFromPath(w http.ResponseWriter, r *http.Request) (*storage.WarehouseConnection, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return nil, false
	}

	conn, err := s.deps.Store.GetConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Connection not found"))

			return nil, false
		}

		s.storeFailure(w, r, "get connection", err)

		return nil, false
	}

	return conn, true
}

// openConnector decrypts the stored URI and opens a dialect connector.
func (s *Server) openConnector(conn *storage.WarehouseConnection) (warehouse.Connector, error) {
	uri, err := s.deps.Sealer.Decrypt(conn.EncryptedURI)
	if err != nil {
		return nil, err
	}

	return s.deps.Connect(conn.Dialect, uri)
}

func monitoredTableFromSelection(connectionID uuid.UUID, selection TableSelection) (*storage.MonitoredTable, error) {
	if strings.TrimSpace(selection.Schema) == "" || strings.TrimSpace(selection.Table) == "" {
		return nil, errors.New("table selection requires schema and table")
	}

	checkTypes := selection.CheckTypes
	if len(checkTypes) == 0 {
		checkTypes = []string{discovery.CheckSchema}
	}

	for _, check := range checkTypes {
		if check != discovery.CheckSchema && check != discovery.CheckFreshness {
			return nil, errors.New("unknown check type: " + check)
		}
	}

	now := time.Now().UTC()

	return &storage.MonitoredTable{
		ID:                  uuid.New(),
		ConnectionID:        connectionID,
		SchemaName:          selection.Schema,
		TableName:           selection.Table,
		Role:                selection.Role,
		CheckTypes:          checkTypes,
		FreshnessSLAMinutes: selection.FreshnessSLAMinutes,
		TimestampColumn:     selection.TimestampColumn,
		Enabled:             true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// storeFailure logs a persistence error and answers with a generic 500.
func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, operation string, err error) {
	s.logger.Error("Store operation failed",
		slog.String("operation", operation),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	WriteErrorResponse(w, r, s.logger, InternalServerError("Persistence operation failed"))
}
