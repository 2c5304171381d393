package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/agent-gateway/internal/session"
)

// handleHealth handles the health check endpoint. No auth; load balancers
// poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"connections": s.conns.count(),
	})
}

// handleTokenAuth exchanges a bearer JWT for a session cookie. Browsers
// cannot attach Authorization headers to WebSocket upgrades, so they call
// this first and upgrade with the cookie.
func (s *Server) handleTokenAuth(w http.ResponseWriter, r *http.Request) {
	if s.jwtValidator == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication is disabled")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := s.jwtValidator.Validate(body.Token)
	if err != nil {
		slog.Info("Token validation failed", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	sess, err := s.sessionManager.CreateSession(claims)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.sessionManager.SetCookie(w, sess)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"userId":    sess.UserID,
		"expiresAt": sess.ExpiresAt.Format(http.TimeFormat),
	})
}

// handleSessionCheck reports whether the caller has a valid cookie session.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if s.sessionManager == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated": true,
			"userId":        localUserID,
		})
		return
	}

	sess := s.sessionManager.GetSessionFromRequest(r)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"userId":        sess.UserID,
		"expiresAt":     sess.ExpiresAt.Format(http.TimeFormat),
	})
}

// handleLogout deletes the caller's cookie session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.sessionManager != nil {
		if sess := s.sessionManager.GetSessionFromRequest(r); sess != nil {
			s.sessionManager.DeleteSession(sess.ID)
		}
		s.sessionManager.ClearCookie(w)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleListSessions returns the caller's workspace sessions, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	sessions := s.sessions.List(userID)
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// handleDeleteSession forgets a workspace session: mapping, metadata, and
// the provisioned directory. Transcripts belong to the engine and are left
// alone.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	sess, found := s.sessions.Resolve(id)
	if !found || sess.UserID != userID {
		// A foreign session reads the same as a missing one.
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := s.sessions.Forget(id); err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Error("Failed to forget session", "workspaceSessionId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if err := s.workspaces.Remove(userID, id); err != nil {
		slog.Warn("Failed to remove session workspace", "workspaceSessionId", id, "error", err)
	}

	slog.Info("Session deleted", "userId", userID, "workspaceSessionId", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
