package collaboration

import (
	"sync"

	"collabsync/internal/models"
	"collabsync/internal/protocol"

	"github.com/rs/zerolog"
)

/*
LEARNING: ROOM REGISTRY

A room is the set of connections currently joined to one document:

  rooms["doc-1"] = {conn-a, conn-b}
  rooms["doc-2"] = {conn-a}

Joins and leaves are rare compared to message traffic, so a RWMutex is
enough: broadcasts take the read lock just long enough to copy the member
list, then send outside the lock. Sends never block - a member whose queue
is full gets closed instead of stalling everyone else in the room.
*/

// Hub is the room registry. It is created once in main and shared by the
// gateway and the presence service.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Connection]bool // documentID -> set of connections
	connections map[*Connection]bool

	log zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Connection]bool),
		connections: make(map[*Connection]bool),
		log:         log.With().Str("component", "hub").Logger(),
	}
}

// Register tracks a new connection
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c] = true
}

// Unregister forgets a connection and reports whether it was registered.
// The connection must already have left its rooms.
func (h *Hub) Unregister(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok := h.connections[c]
	delete(h.connections, c)
	return ok
}

// Join adds a connection to a document room
func (h *Hub) Join(documentID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[documentID] == nil {
		h.rooms[documentID] = make(map[*Connection]bool)
	}
	h.rooms[documentID][c] = true

	h.log.Debug().
		Str("document_id", documentID).
		Str("connection_id", c.ID).
		Int("members", len(h.rooms[documentID])).
		Msg("joined room")
}

// Leave removes a connection from a room and returns how many members remain.
// Empty rooms are deleted.
func (h *Hub) Leave(documentID string, c *Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[documentID]
	if !ok {
		return 0
	}

	delete(members, c)
	remaining := len(members)
	if remaining == 0 {
		delete(h.rooms, documentID)
	}

	h.log.Debug().
		Str("document_id", documentID).
		Str("connection_id", c.ID).
		Int("members", remaining).
		Msg("left room")

	return remaining
}

// Members returns the connections in a room
func (h *Hub) Members(documentID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[documentID]
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// MemberCount returns how many connections are joined to a document
func (h *Hub) MemberCount(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[documentID])
}

// Broadcast sends a frame to every member of a room except the given connection
func (h *Hub) Broadcast(documentID string, frame []byte, except *Connection) {
	for _, c := range h.Members(documentID) {
		if c == except {
			continue
		}
		if !c.enqueue(frame) {
			h.log.Warn().
				Str("document_id", documentID).
				Str("connection_id", c.ID).
				Msg("send queue full, closing connection")
		}
	}
}

// BroadcastCursor relays an accepted cursor move to the rest of the room
func (h *Hub) BroadcastCursor(documentID, exceptConnID string, session *models.Session) {
	frame := protocol.MustEncode(protocol.TypeCursorUpdate, protocol.RemoteCursor{
		DocumentID: documentID,
		UserID:     session.UserID,
		Username:   session.UserName,
		Cursor:     session.Cursor,
	})

	for _, c := range h.Members(documentID) {
		if c.ID == exceptConnID {
			continue
		}
		c.enqueue(frame)
	}
}

// RoomCount returns the number of non-empty rooms
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ConnectionCount returns the number of registered connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown closes every connection. Their read pumps then run the normal
// disconnect path.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	h.log.Info().Int("connections", len(conns)).Msg("closing all connections")

	for _, c := range conns {
		c.Close()
	}
}
