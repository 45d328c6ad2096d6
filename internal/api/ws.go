package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-dq/aegis/internal/api/middleware"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second

	// wsLagCloseReason is sent when the notifier disconnects a subscriber
	// that cannot keep up. Clients reconnect with ?since=<last seen seq>.
	wsLagCloseReason = "event stream lagged"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware and the API
	// key check; the upgrader accepts any origin that got this far.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket streams notifier events to the client in sequence order.
// An optional ?since=<seq> query replays buffered events newer than seq
// before live delivery; without it only new events are streamed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, CodeUpstreamFailure,
			"Service Unavailable", "Event stream is not configured"))

		return
	}

	since := s.deps.Notifier.LastSeq()

	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("invalid since: must be a sequence number"))

			return
		}

		since = parsed
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		return
	}

	subID, events := s.deps.Notifier.Subscribe(since)

	s.logger.Info("WebSocket subscriber connected",
		slog.String("correlation_id", correlationID),
		slog.Uint64("subscriber_id", subID),
		slog.Uint64("since", since),
	)

	defer func() {
		s.deps.Notifier.Unsubscribe(subID)
		conn.Close()

		s.logger.Info("WebSocket subscriber disconnected",
			slog.String("correlation_id", correlationID),
			slog.Uint64("subscriber_id", subID),
		)
	}()

	// Reader goroutine: consumes control frames and signals client close.
	clientGone := make(chan struct{})

	go func() {
		defer close(clientGone)

		conn.SetReadLimit(512)

		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// The notifier closed the channel: this subscriber lagged.
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, wsLagCloseReason),
					deadline)

				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

			if err := conn.WriteJSON(event); err != nil {
				return
			}

		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-clientGone:
			return
		}
	}
}
