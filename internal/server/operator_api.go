// ABOUTME: Operator-facing API: session listing, command queuing, history, logs, session removal.
// ABOUTME: Guarded by bearer-token auth when a JWT secret is configured.

package server

import (
	"net/http"
	"strings"

	"github.com/redwing-sec/talon/internal/tasking"
)

// queueRequest is the operator command submission body.
type queueRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// handleListSessions returns snapshots of all known sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Sessions())
}

// handleSessionRoutes dispatches /api/ui/sessions/{id} and
// /api/ui/sessions/{id}/history.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/ui/sessions/"), "/")
	if rest == "" {
		s.writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if id, found := strings.CutSuffix(rest, "/history"); found {
		if r.Method != http.MethodGet {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleHistory(w, r, id)
		return
	}

	if strings.Contains(rest, "/") {
		s.writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		s.handleRemoveSession(w, r, rest)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleHistory returns a session's full command history, oldest first.
// A 404 only means the session was never seen AND it left no history behind;
// a removed session with surviving commands still answers 200.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	history := s.engine.History(sessionID)
	if !s.engine.SessionExists(sessionID) && len(history) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

// handleRemoveSession drops a session from the registry. Its history in the
// ledger is untouched.
func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.engine.Remove(sessionID) {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueCommand appends a command to a session's history and pending
// queue.
func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req queueRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "command text required")
		return
	}
	if !s.engine.SessionExists(req.SessionID) {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	cmd, ok := s.engine.Queue(req.SessionID, req.Text)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"commandId": cmd.ID,
		"status":    tasking.StatusPending,
	})
}

// handleLogs returns the operational log ring, newest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.logs.Snapshot())
}
