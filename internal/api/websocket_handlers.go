package api

import (
	"net/http"
)

// HandleWebSocket upgrades the request into a collaboration connection.
// The websocket handler authenticates the bearer token itself.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws.ServeHTTP(w, r)
}
