package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// ServeHTTP routes requests. WebSocket upgrades are accepted on any path;
// everything else dispatches on the path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.HandleWS(w, r)
		return
	}

	switch {
	case r.URL.Path == "/healthz":
		h.HandleHealth(w, r)
	case r.URL.Path == "/status.json":
		h.HandleStatus(w, r)
	case r.URL.Path == "/frame.png" || strings.HasPrefix(r.URL.Path, "/frame/"):
		h.HandleFrame(w, r)
	default:
		h.HandleNotFound(w, r)
	}
}
