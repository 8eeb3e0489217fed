package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/token"
)

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DeviceLabel string `json:"device_label,omitempty"`
}

func (s *Server) sessionMeta(r *http.Request, deviceLabel string) token.SessionMeta {
	return token.SessionMeta{
		DeviceLabel: deviceLabel,
		IP:          clientIP(r, s.cfg.Security.TrustProxyFor),
		UserAgent:   r.UserAgent(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, pair, err := s.tokens.Register(r.Context(), req.Email, req.Password, s.sessionMeta(r, req.DeviceLabel))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":   user,
		"tokens": pair,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, pair, err := s.tokens.Login(r.Context(), req.Email, req.Password, s.sessionMeta(r, req.DeviceLabel))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":   user,
		"tokens": pair,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.tokens.Rotate(r.Context(), req.RefreshToken, s.sessionMeta(r, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleSecureSession moves the bearer into an HTTPOnly cookie so browser
// clients stop holding the token in script-reachable storage.
func (s *Server) handleSecureSession(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r, s.cfg.Auth.CookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.CookieName,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Auth.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(s.cfg.Auth.AccessTokenTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"secure_session": true})
}

func (s *Server) handleLogoutSecure(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Auth.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	user, err := s.tokens.User(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       user,
		"session_id": claims.SessionID,
		"scope":      claims.MicroserviceScope,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	sessions, err := s.tokens.Sessions(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	sessionID := mux.Vars(r)["id"]
	if err := s.tokens.Revoke(r.Context(), claims.Subject, sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": sessionID})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	count, err := s.tokens.RevokeAll(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked_sessions": count})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpecialistName string                  `json:"specialist_name"`
		Permissions    []string                `json:"permissions"`
		Delegation     token.DelegationContext `json:"delegation_context"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	parent := bearerToken(r, s.cfg.Auth.CookieName)
	signed, claims, err := s.tokens.DelegateSpecialist(r.Context(), parent, req.SpecialistName, req.Permissions, req.Delegation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":       signed,
		"specialist":  claims.SpecialistName,
		"permissions": claims.SpecialistPermissions,
		"expires_at":  claims.ExpiresAt.Time,
	})
}

func (s *Server) handleValidateSpecialist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		Permission string `json:"permission,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims, err := s.tokens.Signer().ValidateSpecialist(req.Token, req.Permission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":       true,
		"user_id":     claims.Subject,
		"specialist":  claims.SpecialistName,
		"permissions": claims.SpecialistPermissions,
		"parent_jti":  claims.ParentJTI,
	})
}

// requireSelf enforces that a path/body user id matches the authenticated
// subject; specialists pass when delegated for that same subject.
func requireSelf(r *http.Request, userID string) error {
	claims := ClaimsFrom(r.Context())
	if claims == nil {
		return core.NewError(core.CodeUnauthenticated, "missing credentials")
	}
	if claims.Subject != userID {
		return core.NewError(core.CodeInsufficientScope, "cannot act on another user")
	}
	return nil
}
