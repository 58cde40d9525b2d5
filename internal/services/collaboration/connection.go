package collaboration

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4 << 20
)

// Connection is one authenticated client connection. It can be joined to
// several documents at once.
type Connection struct {
	ID   string
	User models.UserInfo

	// Send is the bounded outbound queue. It is never closed; closed
	// signals the write side to stop instead.
	Send chan []byte

	ws        *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]models.Role // document id -> role captured at join
}

// NewConnection creates a connection without a transport. The websocket
// handler attaches one; tests drive the gateway through Send directly.
func NewConnection(user models.UserInfo, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Connection{
		ID:     ksuid.New().String(),
		User:   user,
		Send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		rooms:  make(map[string]models.Role),
	}
}

// enqueue queues a frame without blocking. A full queue means the client
// can't keep up, so the connection is closed.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.Send <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

// Close stops the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Closed is closed once the connection is shutting down
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) join(documentID string, role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[documentID] = role
}

func (c *Connection) leave(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[documentID]
	delete(c.rooms, documentID)
	return ok
}

// roleIn returns the role captured when the connection joined documentID
func (c *Connection) roleIn(documentID string) (models.Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, ok := c.rooms[documentID]
	return role, ok
}

// Rooms returns the joined document ids in a stable order
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReadPump reads frames and hands them to the gateway until the socket fails
// Learning: Each connection has its own goroutine reading from the WebSocket
func (c *Connection) ReadPump(ctx context.Context, g *Gateway) {
	defer func() {
		g.Disconnect(ctx, c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.Warn().Err(err).Str("connection_id", c.ID).Msg("websocket read error")
			}
			return
		}

		g.HandleMessage(ctx, c, frame)
	}
}

// WritePump writes queued frames to the socket
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.Send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
