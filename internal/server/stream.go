// ABOUTME: SSE endpoint streaming session lists, command updates, check-in alerts, and log lines.
// ABOUTME: New observers receive a session-list and log snapshot before live events.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/redwing-sec/talon/internal/notify"
)

// handleStream attaches an operator as an SSE observer. The connection first
// receives a full session-list snapshot and the current log ring so a fresh
// dashboard renders without extra fetches, then live events until the client
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, observerID := s.broadcaster.Subscribe(r.Context())
	s.logger.Info("stream observer attached", "observer_id", observerID)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Initial snapshots so the observer starts from current state
	s.writeSSEEvent(w, notify.EventSessionList, s.engine.Sessions())
	s.writeSSEEvent(w, notify.EventLogSnapshot, s.logs.Snapshot())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("stream observer detached", "observer_id", observerID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, ev.Type, ev.Data)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event frame.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event notify.EventType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
