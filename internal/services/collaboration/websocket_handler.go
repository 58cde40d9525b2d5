package collaboration

import (
	"context"
	"net/http"

	"collabsync/internal/middleware"
	"collabsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections

Authentication happens BEFORE the upgrade: a missing or bad token gets a
plain HTTP 401 and no socket is ever opened.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator verifies the bearer credential of a request
type Authenticator interface {
	Authenticate(r *http.Request) (*models.UserInfo, error)
}

// WebSocketHandler upgrades authenticated requests into gateway connections
type WebSocketHandler struct {
	gateway *Gateway
	auth    Authenticator
	ctx     context.Context // outlives the upgrade request
}

// NewWebSocketHandler creates the handler. Connections are served with ctx,
// so cancelling it stops in-flight message handling on shutdown.
func NewWebSocketHandler(ctx context.Context, gateway *Gateway, auth Authenticator) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: gateway,
		auth:    auth,
		ctx:     ctx,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect")
	defer span.End()

	user, err := h.auth.Authenticate(r)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.gateway.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected connection")
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote an HTTP error
		middleware.AddSpanError(ctx, err)
		h.gateway.log.Warn().Err(err).Msg("failed to upgrade websocket")
		return
	}

	c := NewConnection(*user, h.gateway.cfg.SendBufferSize)
	c.ws = ws
	h.gateway.Connect(c)

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.WritePump()
	go c.ReadPump(h.ctx, h.gateway)
}
