package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken reads the admin token from the request. It checks, in order:
// Authorization: Bearer <token>, X-API-Key, and the token query parameter
// (browsers cannot set headers on websocket upgrades).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// RequireToken wraps admin handlers. An empty configured token disables the
// admin surface entirely rather than leaving it open.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, http.StatusForbidden, "admin api disabled: auth_token not configured")
			return
		}
		candidate := ExtractToken(r)
		if candidate == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
