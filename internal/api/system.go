package api

import (
	"net/http"

	"github.com/aegis-dq/aegis/internal/scanner"
)

// TriggerScanResponse reports whether a manual scan request was accepted.
// Triggered is false when a scan trigger is already pending; the pending
// cycle covers the request, so this is not an error.
type TriggerScanResponse struct {
	Triggered bool `json:"triggered"`
}

// SystemStatusResponse reports the scanner loop state and the number of
// connected WebSocket consumers.
type SystemStatusResponse struct {
	Scanner          scanner.Status `json:"scanner"`
	WebSocketClients int            `json:"websocket_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.ServiceStats(r.Context())
	if err != nil {
		s.storeFailure(w, r, "compute stats", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Scanner is not running"))

		return
	}

	triggered := s.deps.Scanner.TriggerScan()

	s.writeJSON(w, r, http.StatusAccepted, TriggerScanResponse{Triggered: triggered})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var resp SystemStatusResponse

	if s.deps.Scanner != nil {
		resp.Scanner = s.deps.Scanner.Status()
	}

	if s.deps.Notifier != nil {
		resp.WebSocketClients = s.deps.Notifier.SubscriberCount()
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}
