package gateway

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"isActive"`
}

func userFromPrincipal(p *token.Principal) userPayload {
	return userPayload{
		ID:       p.ID,
		Username: p.Username,
		Role:     string(p.Role),
		Email:    p.Email,
		IsActive: p.IsActive,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validation("request body is not valid JSON"))
		return
	}
	if req.Username == "" || req.Password == "" {
		httperr.Write(w, httperr.Validation("username and password are required", "username", "password"))
		return
	}

	clientIP := identity.ClientIP(r, s.trustProxy)
	result, err := s.tokens.Login(r.Context(), req.Username, req.Password, clientIP, r.UserAgent())
	if err != nil {
		httperr.Write(w, httperr.Authentication("invalid credentials"))
		return
	}

	s.log.Info("login",
		zap.String("username", result.Principal.Username),
		zap.String("ip", clientIP))

	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"expiresIn":    result.ExpiresIn,
		"tokenType":    "Bearer",
		"user":         userFromPrincipal(result.Principal),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httperr.Write(w, httperr.Validation("refreshToken is required", "refreshToken"))
		return
	}

	access, expiresIn, err := s.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.log.Debug("refresh rejected", zap.Error(err))
		httperr.Write(w, httperr.Authentication(verifyReason(err)))
		return
	}

	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken": access,
		"expiresIn":   expiresIn,
		"tokenType":   "Bearer",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFrom(r.Context())
	if !ok {
		httperr.Write(w, httperr.Authentication(httperr.ReasonMissingToken))
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	// A missing or empty body logs out every session of the principal.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.tokens.Logout(r.Context(), principal.ID, req.RefreshToken); err != nil {
		s.log.Warn("logout failed", zap.String("userId", principal.ID), zap.Error(err))
		httperr.WriteCode(w, httperr.CodeInternal, "Logout failed")
		return
	}

	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Successfully logged out",
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFrom(r.Context())
	if !ok {
		httperr.Write(w, httperr.Authentication(httperr.ReasonMissingToken))
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  userFromPrincipal(principal),
	})
}
