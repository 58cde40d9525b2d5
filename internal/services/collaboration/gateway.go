package collaboration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/protocol"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: DISPATCH TABLE

Instead of a switch buried inside the read loop, every inbound message
type maps to a handler:

  handlers[join-document]   = handleJoin
  handlers[document-update] = handleUpdate
  handlers[cursor-update]   = handleCursor
  handlers[leave-document]  = handleLeave

A handler gets the connection and the envelope and reacts by queueing
frames on connections. Nothing here touches a socket, so tests run the
whole protocol by reading from Connection.Send.
*/

type handlerFunc func(ctx context.Context, c *Connection, env *protocol.Envelope) error

// Config tunes the gateway
type Config struct {
	// EnforceEditorRole rejects updates from connections that joined with
	// less than editor role. Off by default: membership alone admits updates.
	EnforceEditorRole bool
	SendBufferSize    int
}

// Gateway routes connection messages to the sync engine and presence service
type Gateway struct {
	hub      *Hub
	engine   SyncEngine
	access   AccessGuard
	presence Presence
	cfg      Config
	log      zerolog.Logger
	metrics  *Metrics

	handlers map[protocol.MessageType]handlerFunc
}

func NewGateway(hub *Hub, engine SyncEngine, access AccessGuard, presence Presence, cfg Config, log zerolog.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		engine:   engine,
		access:   access,
		presence: presence,
		cfg:      cfg,
		log:      log.With().Str("component", "gateway").Logger(),
		metrics:  &Metrics{},
	}

	g.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeJoinDocument:   g.handleJoin,
		protocol.TypeDocumentUpdate: g.handleUpdate,
		protocol.TypeCursorUpdate:   g.handleCursor,
		protocol.TypeLeaveDocument:  g.handleLeave,
	}

	return g
}

// Metrics returns the live gateway counters
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Connect registers an authenticated connection
func (g *Gateway) Connect(c *Connection) {
	g.hub.Register(c)
	g.metrics.connections.Add(1)

	g.log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.User.ID).
		Msg("client connected")
}

// HandleMessage decodes one inbound frame and runs its handler. Handler
// errors and panics are reported to this connection only.
func (g *Gateway) HandleMessage(ctx context.Context, c *Connection, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().
				Str("connection_id", c.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			g.sendError(c, "", 0, fmt.Errorf("panic: %v", r))
		}
	}()

	env, err := protocol.Decode(frame)
	if err != nil {
		g.sendError(c, "", 0, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	handler, ok := g.handlers[env.Type]
	if !ok {
		g.sendError(c, "", 0, fmt.Errorf("%w: unknown message type %q", ErrBadRequest, env.Type))
		return
	}

	if err := handler(ctx, c, env); err != nil {
		g.log.Debug().Err(err).Str("type", string(env.Type)).Str("connection_id", c.ID).Msg("message rejected")
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *Connection, env *protocol.Envelope) error {
	var msg protocol.JoinDocument
	if err := env.DecodePayload(&msg); err != nil || msg.DocumentID == "" {
		return g.sendError(c, "", 0, fmt.Errorf("%w: join needs a documentId", ErrBadRequest))
	}

	ctx, span := middleware.StartSpan(ctx, "Gateway.Join",
		attribute.String("document.id", msg.DocumentID),
		attribute.String("user.id", c.User.ID),
	)
	defer span.End()

	role, err := g.access.RoleOf(ctx, msg.DocumentID, c.User.ID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return g.sendError(c, msg.DocumentID, 0, err)
	}
	if !role.Valid() {
		return g.sendError(c, msg.DocumentID, 0, ErrAccessDenied)
	}

	_, rejoin := c.roleIn(msg.DocumentID)

	// Join the room before reading state so no broadcast falls in between.
	// An update that lands in both the state and a broadcast merges twice
	// on the client, which is a no-op.
	c.join(msg.DocumentID, role)
	g.hub.Join(msg.DocumentID, c)

	state, err := g.engine.GetState(ctx, msg.DocumentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.leave(msg.DocumentID)
		if g.hub.Leave(msg.DocumentID, c) == 0 {
			g.evict(ctx, msg.DocumentID)
		}
		return g.sendError(c, msg.DocumentID, 0, err)
	}

	session := g.presence.Join(msg.DocumentID, c.User, c.ID)

	c.enqueue(protocol.MustEncode(protocol.TypeDocumentState, protocol.DocumentState{
		DocumentID:  msg.DocumentID,
		State:       state.Encoded,
		Version:     state.Version,
		VectorClock: state.VectorClock,
	}))

	if !rejoin {
		g.hub.Broadcast(msg.DocumentID, protocol.MustEncode(protocol.TypeUserJoined, protocol.UserJoined{
			DocumentID: msg.DocumentID,
			UserID:     c.User.ID,
			Username:   c.User.Name,
			Color:      session.Color,
		}), c)
	}

	users := []protocol.PresenceUser{}
	for _, s := range g.presence.Snapshot(msg.DocumentID) {
		if s.ConnectionID == c.ID {
			continue
		}
		users = append(users, protocol.PresenceUser{
			UserID:   s.UserID,
			Username: s.UserName,
			Color:    s.Color,
			Cursor:   s.Cursor,
		})
	}
	c.enqueue(protocol.MustEncode(protocol.TypePresenceUpdate, protocol.PresenceUpdate{
		DocumentID: msg.DocumentID,
		Users:      users,
	}))

	g.log.Info().
		Str("document_id", msg.DocumentID).
		Str("user_id", c.User.ID).
		Str("role", string(role)).
		Uint64("version", state.Version).
		Msg("user joined document")

	return nil
}

func (g *Gateway) handleUpdate(ctx context.Context, c *Connection, env *protocol.Envelope) error {
	var msg protocol.DocumentUpdate
	if err := env.DecodePayload(&msg); err != nil || msg.DocumentID == "" || len(msg.Update) == 0 {
		return g.sendError(c, msg.DocumentID, msg.ClientOperationID, fmt.Errorf("%w: update needs documentId and update bytes", ErrBadRequest))
	}

	role, joined := c.roleIn(msg.DocumentID)
	if !joined {
		return g.sendError(c, msg.DocumentID, msg.ClientOperationID, ErrNotInRoom)
	}
	// Role is only checked at join unless enforcement is switched on, so a
	// viewer already in the room can still submit updates by default.
	if g.cfg.EnforceEditorRole && !role.AtLeast(models.RoleEditor) {
		return g.sendError(c, msg.DocumentID, msg.ClientOperationID, ErrReadOnly)
	}

	start := time.Now()
	res, err := g.engine.ApplyUpdate(ctx, msg.DocumentID, msg.Update, c.User.ID)
	if err != nil {
		return g.sendError(c, msg.DocumentID, msg.ClientOperationID, err)
	}
	g.metrics.ObserveUpdate(time.Since(start))

	// a re-delivered update was already broadcast the first time
	if !res.Duplicate {
		g.hub.Broadcast(msg.DocumentID, protocol.MustEncode(protocol.TypeDocumentUpdate, protocol.RemoteUpdate{
			DocumentID:        msg.DocumentID,
			Update:            msg.Update,
			VectorClock:       res.VectorClock,
			LamportTimestamp:  res.Lamport,
			SequenceNumber:    res.Sequence,
			AuthorUserID:      c.User.ID,
			ClientOperationID: msg.ClientOperationID,
		}), c)
	}

	c.enqueue(protocol.MustEncode(protocol.TypeUpdateAck, protocol.UpdateAck{
		DocumentID:        msg.DocumentID,
		ClientOperationID: msg.ClientOperationID,
		VectorClock:       res.VectorClock,
		LamportTimestamp:  res.Lamport,
		SequenceNumber:    res.Sequence,
		Duplicate:         res.Duplicate,
	}))

	return nil
}

func (g *Gateway) handleCursor(ctx context.Context, c *Connection, env *protocol.Envelope) error {
	var msg protocol.CursorUpdate
	if err := env.DecodePayload(&msg); err != nil || msg.DocumentID == "" {
		return g.sendError(c, msg.DocumentID, 0, fmt.Errorf("%w: cursor needs a documentId", ErrBadRequest))
	}

	if _, joined := c.roleIn(msg.DocumentID); !joined {
		return g.sendError(c, msg.DocumentID, 0, ErrNotInRoom)
	}

	// dropped cursors are not an error, the next one after the interval goes through
	g.presence.UpdateCursor(c.ID, msg.DocumentID, c.User.ID, msg.Cursor)
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *Connection, env *protocol.Envelope) error {
	var msg protocol.LeaveDocument
	if err := env.DecodePayload(&msg); err != nil || msg.DocumentID == "" {
		return g.sendError(c, msg.DocumentID, 0, fmt.Errorf("%w: leave needs a documentId", ErrBadRequest))
	}

	if _, joined := c.roleIn(msg.DocumentID); !joined {
		return g.sendError(c, msg.DocumentID, 0, ErrNotInRoom)
	}

	g.leave(ctx, c, msg.DocumentID)
	return nil
}

// Disconnect runs when a connection goes away: every room it joined is
// left and the connection is forgotten. Safe to call more than once.
func (g *Gateway) Disconnect(ctx context.Context, c *Connection) {
	for _, documentID := range c.Rooms() {
		g.leave(ctx, c, documentID)
	}

	registered := g.hub.Unregister(c)
	g.presence.ForgetConnection(c.ID)
	c.Close()

	if registered {
		g.metrics.connections.Add(-1)
		g.log.Info().
			Str("connection_id", c.ID).
			Str("user_id", c.User.ID).
			Msg("client disconnected")
	}
}

func (g *Gateway) leave(ctx context.Context, c *Connection, documentID string) {
	if !c.leave(documentID) {
		return
	}

	g.presence.Leave(documentID, c.User.ID, c.ID)
	remaining := g.hub.Leave(documentID, c)

	g.hub.Broadcast(documentID, protocol.MustEncode(protocol.TypeUserLeft, protocol.UserLeft{
		DocumentID: documentID,
		UserID:     c.User.ID,
		Username:   c.User.Name,
	}), c)

	if remaining == 0 {
		g.evict(ctx, documentID)
	}
}

// evict drops the in-memory replica of a document nobody is editing.
// The next join reloads it from the snapshot.
func (g *Gateway) evict(ctx context.Context, documentID string) {
	if err := g.engine.Evict(context.WithoutCancel(ctx), documentID); err != nil {
		g.log.Warn().Err(err).Str("document_id", documentID).Msg("document kept in memory")
	}
}

// sendError queues an error frame and returns err for logging
func (g *Gateway) sendError(c *Connection, documentID string, clientOpID uint64, err error) error {
	code := codeFor(err)
	if code == protocol.CodeInternal {
		g.log.Error().Err(err).Str("connection_id", c.ID).Str("document_id", documentID).Msg("internal error")
	}

	c.enqueue(protocol.MustEncode(protocol.TypeError, protocol.Error{
		Code:              code,
		Message:           messageFor(code),
		DocumentID:        documentID,
		ClientOperationID: clientOpID,
	}))

	if errors.Is(err, ErrBadRequest) {
		return err
	}
	return fmt.Errorf("%s: %w", code, err)
}
