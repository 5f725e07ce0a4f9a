package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/aigrid/internal/auth"
)

// @Summary Log in
// @Description Exchanges the server password for a bearer token valid for 30 days.
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body LoginRequest true "Credentials"
// @Success 200 {object} auth.Token
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/v1/auth/login [post]
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if !s.auth.Enabled() {
		writeError(w, http.StatusBadRequest, "authentication is not enabled", "AUTH_DISABLED")
		return
	}
	tok, err := s.auth.Login(req.Password)
	if errors.Is(err, auth.ErrBadPassword) {
		writeError(w, http.StatusUnauthorized, "Incorrect password", "UNAUTHORIZED")
		return
	}
	if err != nil {
		slog.Warn("login failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error(), "AUTH_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// @Summary Verify token
// @Tags Auth
// @Produce json
// @Success 200 {object} VerifyResponse
// @Failure 403 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/auth/verify [post]
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, VerifyResponse{Status: "authenticated", Subject: p.Subject, Method: p.Method})
}
