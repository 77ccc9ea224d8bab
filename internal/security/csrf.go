package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// CSRF protects requests authenticated by the access cookie using the
// double-submit technique. Only unsafe requests that carry the access cookie
// and no bearer token are checked.
type CSRF struct {
	Header       string
	AccessCookie string
}

// Middleware enforces that unsafe requests carry a token header matching the
// cookie of the same name.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	headerName := strings.TrimSpace(c.Header)
	if headerName == "" {
		headerName = "X-CSRF-Token"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.Header.Get("Authorization"))), "bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		if c.AccessCookie == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := r.Cookie(c.AccessCookie); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimSpace(r.Header.Get(headerName))
		cookie, err := r.Cookie(headerName)
		if token == "" || err != nil || cookie.Value == "" {
			common.JSONError(w, http.StatusForbidden, "CSRF_TOKEN_MISSING", "missing csrf token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			common.JSONError(w, http.StatusForbidden, "CSRF_TOKEN_INVALID", "invalid csrf token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
