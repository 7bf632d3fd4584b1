package gateway

import (
	"fmt"
	"net/http"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

type loginRequest struct {
	BaseURL string `json:"baseURL"`
	Token   string `json:"token"`
}

// handleLogin validates the token against the target instance and mints a
// session. The token itself never appears in the response or the logs.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.BaseURL == "" {
		req.BaseURL = s.cfg.Upstream.BaseURL
	}
	if req.BaseURL == "" || req.Token == "" {
		writeError(w, r, fmt.Errorf("baseURL and token are required: %w", types.ErrValidation))
		return
	}

	sess, err := s.sessions.Login(r.Context(), req.BaseURL, req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("gitlab_url", sess.BaseURL).
		Str("username", sess.User.Username).
		Msg("Session created")
	writeJSON(w, http.StatusOK, map[string]any{"user": sess.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	s.sessions.Revoke(sess.ID)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	s.logger.Info().Str("session_id", sess.ID).Msg("Session revoked")
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionInfo is deliberately unauthenticated: the UI polls it to
// decide whether to show the login screen.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveSession(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          sess.User,
		"baseURL":       sess.BaseURL,
	})
}
