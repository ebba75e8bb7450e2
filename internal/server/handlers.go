package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beamcode/beamcode/internal/storage"
)

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// health reports liveness.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createSessionRequest is the POST /session body.
type createSessionRequest struct {
	Adapter string `json:"adapter"`
	CWD     string `json:"cwd,omitempty"`
	Name    string `json:"name,omitempty"`
}

// createSession launches a new session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result := s.manager.CreateSession(req.Adapter, req.CWD, req.Name)
	if !result.OK {
		writeError(w, http.StatusBadRequest, result.Message)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// listSessions returns the launcher's view of every session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Launcher().ListSessions())
}

// getSession returns one session's state snapshot.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !storage.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, ok := s.manager.EnsureSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session.StateSnapshot())
}

// updateSessionRequest is the PATCH /session/{id} body.
type updateSessionRequest struct {
	Name string `json:"name"`
}

// updateSession renames a session.
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := s.manager.Launcher().GetSession(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.manager.Launcher().SetSessionName(sessionID, req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// deleteSession closes and removes a session.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	result := s.manager.CloseSession(sessionID)
	writeJSON(w, http.StatusOK, result)
}

// archiveSession archives a session.
func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	result := s.manager.SetArchived(sessionID, true)
	if !result.OK {
		writeError(w, http.StatusNotFound, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// unarchiveSession unarchives a session.
func (s *Server) unarchiveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	result := s.manager.SetArchived(sessionID, false)
	if !result.OK {
		writeError(w, http.StatusNotFound, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
