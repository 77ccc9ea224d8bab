package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-bullion/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// Middleware wires authentication context into HTTP handlers.
type Middleware struct {
	Service      *Service
	AccessCookie string
}

// RequireAuth enforces that a valid token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticateRequest(r)
		if err != nil {
			if errors.Is(err, errNoToken) || !common.IsAppError(err) {
				err = common.Unauthorized("missing or invalid token", err)
			}
			common.WriteError(w, err, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects authenticated callers lacking role. It must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := common.UserID(r.Context()); !ok {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			if !common.HasRole(r.Context(), role) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) authenticateRequest(r *http.Request) (context.Context, error) {
	if m.Service == nil {
		return r.Context(), errors.New("auth: service not configured")
	}
	token := m.extractToken(r)
	if token == "" {
		return r.Context(), errNoToken
	}
	principal, err := m.Service.ParseAccessToken(token)
	if err != nil {
		return r.Context(), err
	}
	ctx := common.WithUserID(r.Context(), principal.AccountID)
	return common.WithRoles(ctx, principal.Roles), nil
}

func (m Middleware) extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if m.AccessCookie != "" {
		if cookie, err := r.Cookie(m.AccessCookie); err == nil {
			if value := strings.TrimSpace(cookie.Value); value != "" {
				return value
			}
		}
	}
	return ""
}
