// Package middleware provides HTTP middleware for the bridge server.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hbridge/hbridge-go/internal/types"
)

// tokenExemptPaths are always reachable without a token so health checks
// and scrapers keep working.
var tokenExemptPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// BearerToken extracts the client token from an Authorization: Bearer
// header or the token query parameter.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return t
		}
	}
	return r.URL.Query().Get("token")
}

// TokenOK validates the request's token against the configured one using a
// constant-time comparison. An empty configured token disables auth.
func TokenOK(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(BearerToken(r)), []byte(token)) == 1
}

// Token returns middleware that enforces the shared bearer token. If no
// token is configured, requests pass through unchanged. WebSocket upgrades
// pass through so the socket handler can close with its own status code.
func Token(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, exempt := tokenExemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !TokenOK(r, token) {
				writeError(w, http.StatusUnauthorized, types.CodeUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
