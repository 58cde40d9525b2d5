// Package client is a websocket sync client. It keeps a local replica of one
// document, buffers local updates until the server acknowledges them, and
// replays the buffer after every reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/crdt"
	"collabsync/internal/models"
	"collabsync/internal/offline"
	"collabsync/internal/protocol"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

/*
LEARNING: RECONNECT LOOP

Run owns the connection lifecycle:

  dial -> join-document -> document-state -> replay pending -> read loop
    ^                                                              |
    +------------- backoff (exponential, reset once joined) -------+

A pending update is only forgotten when its update-ack arrives, so an
update sent just before the connection dropped is sent again after the
next document-state. The server merges it a second time as a no-op and
acks it with duplicate=true.

An update the server rejects with missing_dependencies (its parent was lost,
e.g. to buffer overflow) stays pending. The client queues its full replica
as one repair update, and the ack of the repair retires everything older.
*/

var (
	// ErrUnauthorized means the server refused the credential
	ErrUnauthorized = errors.New("server rejected credentials")
	// ErrNotConnected is returned by calls that need a joined session
	ErrNotConnected = errors.New("not connected")
	errDisconnected = errors.New("connection closed")
)

const writeWait = 10 * time.Second

// ServerError is an error frame sent by the server
type ServerError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config describes the server and document to sync with
type Config struct {
	URL        string // websocket endpoint, e.g. ws://localhost:8080/ws
	Token      string
	UserID     string
	DocumentID string

	BufferCapacity       int
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	// MaxElapsedTime stops reconnecting after this long without a
	// successful join. Zero retries forever.
	MaxElapsedTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialRetryInterval <= 0 {
		c.InitialRetryInterval = 500 * time.Millisecond
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 30 * time.Second
	}
	return c
}

// Callbacks receive server events. Every field is optional and they run on
// the read goroutine, so they should not block.
type Callbacks struct {
	OnState    func(state protocol.DocumentState)
	OnRemote   func(update protocol.RemoteUpdate)
	OnAck      func(ack protocol.UpdateAck)
	OnCursor   func(cursor protocol.RemoteCursor)
	OnPresence func(presence protocol.PresenceUpdate)
	OnJoined   func(user protocol.UserJoined)
	OnLeft     func(user protocol.UserLeft)
	OnError    func(err *ServerError)
	// OnDrop is told when the offline buffer overflowed and lost an update
	OnDrop func(dropped offline.Pending, err error)
}

// Client syncs one document
type Client struct {
	ID string // replica identity, stable for the client's lifetime

	cfg       Config
	callbacks Callbacks
	buffer    *offline.Buffer
	log       zerolog.Logger
	dialer    *websocket.Dialer

	mu      sync.Mutex
	replica crdt.Replica
	clock   clock.VectorClock
	ws      *websocket.Conn
	joined  bool

	// id of the full-state repair in flight, 0 if none
	repairID atomic.Uint64
}

func New(cfg Config, core crdt.Core, callbacks Callbacks, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log = log.With().
		Str("component", "sync_client").
		Str("client_id", id).
		Str("document_id", cfg.DocumentID).
		Logger()

	c := &Client{
		ID:        id,
		cfg:       cfg,
		callbacks: callbacks,
		buffer:    offline.NewBuffer(cfg.BufferCapacity, log),
		log:       log,
		dialer:    websocket.DefaultDialer,
		replica:   core.New(),
		clock:     clock.New(),
	}
	c.buffer.OnDrop(func(dropped offline.Pending, err error) {
		c.repairID.CompareAndSwap(dropped.ID, 0)
		if callbacks.OnDrop != nil {
			callbacks.OnDrop(dropped, err)
		}
	})
	return c
}

// Submit applies a local update to the replica and queues it for the
// server. It is sent right away when joined, otherwise on the next join.
func (c *Client) Submit(update []byte) (offline.Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.replica.Apply(update); err != nil {
		return offline.Pending{}, err
	}
	c.clock.Increment(c.cfg.UserID)

	p := c.buffer.Enqueue(update, c.clock)
	if c.joined {
		if err := c.sendPending(p); err != nil {
			// stays buffered, the read loop notices the broken socket
			c.log.Debug().Err(err).Uint64("client_operation_id", p.ID).Msg("send failed, kept for replay")
		}
	}
	return p, nil
}

// MoveCursor sends a cursor position. Cursors are not buffered while offline.
func (c *Client) MoveCursor(cursor *models.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotConnected
	}
	return c.write(protocol.TypeCursorUpdate, protocol.CursorUpdate{
		DocumentID: c.cfg.DocumentID,
		Cursor:     cursor,
	})
}

// State returns the encoded local replica
func (c *Client) State() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Encode()
}

// Heads returns the local replica's change heads
func (c *Client) Heads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Heads()
}

// Clock returns a copy of the local vector clock
func (c *Client) Clock() clock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Clone()
}

// Pending returns the unacknowledged updates, oldest first
func (c *Client) Pending() []offline.Pending {
	return c.buffer.Pending()
}

// Connected reports whether the client is joined right now
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Run connects and keeps reconnecting until ctx is cancelled, the server
// sends a terminal error, or MaxElapsedTime passes without a join.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialRetryInterval
	b.MaxInterval = c.cfg.MaxRetryInterval
	b.MaxElapsedTime = c.cfg.MaxElapsedTime

	operation := func() error {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var serverErr *ServerError
		if errors.Is(err, ErrUnauthorized) || (errors.As(err, &serverErr) && serverErr.Code.Terminal()) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("sync connection lost")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection from dial to disconnect
func (c *Client) session(ctx context.Context, onJoined func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	c.ws = ws
	err = c.write(protocol.TypeJoinDocument, protocol.JoinDocument{DocumentID: c.cfg.DocumentID})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.joined = false
		c.mu.Unlock()
		ws.Close()
	}()

	if err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	c.log.Info().Str("url", c.cfg.URL).Msg("connected")

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}

		if err := c.handle(env, onJoined); err != nil {
			return err
		}
	}
}

func (c *Client) handle(env *protocol.Envelope, onJoined func()) error {
	switch env.Type {
	case protocol.TypeDocumentState:
		var msg protocol.DocumentState
		if err := env.DecodePayload(&msg); err != nil {
			return err
		}
		if err := c.resync(msg); err != nil {
			return err
		}
		onJoined()
		if c.callbacks.OnState != nil {
			c.callbacks.OnState(msg)
		}

	case protocol.TypeDocumentUpdate:
		var msg protocol.RemoteUpdate
		if err := env.DecodePayload(&msg); err != nil {
			return err
		}
		c.mu.Lock()
		_, err := c.replica.Apply(msg.Update)
		c.clock.Merge(msg.VectorClock)
		c.mu.Unlock()
		if err != nil {
			c.log.Error().Err(err).Uint64("sequence", msg.SequenceNumber).Msg("failed to merge remote update")
		}
		if c.callbacks.OnRemote != nil {
			c.callbacks.OnRemote(msg)
		}

	case protocol.TypeUpdateAck:
		var msg protocol.UpdateAck
		if err := env.DecodePayload(&msg); err != nil {
			return err
		}
		if msg.ClientOperationID != 0 && c.repairID.CompareAndSwap(msg.ClientOperationID, 0) {
			n := c.buffer.AckThrough(msg.ClientOperationID)
			c.log.Info().Int("retired", n).Msg("full-state repair acknowledged")
		} else {
			c.buffer.Ack(msg.ClientOperationID)
		}
		c.mu.Lock()
		c.clock.Merge(msg.VectorClock)
		c.mu.Unlock()
		if c.callbacks.OnAck != nil {
			c.callbacks.OnAck(msg)
		}

	case protocol.TypeCursorUpdate:
		var msg protocol.RemoteCursor
		if err := env.DecodePayload(&msg); err == nil && c.callbacks.OnCursor != nil {
			c.callbacks.OnCursor(msg)
		}

	case protocol.TypePresenceUpdate:
		var msg protocol.PresenceUpdate
		if err := env.DecodePayload(&msg); err == nil && c.callbacks.OnPresence != nil {
			c.callbacks.OnPresence(msg)
		}

	case protocol.TypeUserJoined:
		var msg protocol.UserJoined
		if err := env.DecodePayload(&msg); err == nil && c.callbacks.OnJoined != nil {
			c.callbacks.OnJoined(msg)
		}

	case protocol.TypeUserLeft:
		var msg protocol.UserLeft
		if err := env.DecodePayload(&msg); err == nil && c.callbacks.OnLeft != nil {
			c.callbacks.OnLeft(msg)
		}

	case protocol.TypeError:
		var msg protocol.Error
		if err := env.DecodePayload(&msg); err != nil {
			return err
		}
		serverErr := &ServerError{Code: msg.Code, Message: msg.Message}

		if msg.ClientOperationID != 0 {
			switch msg.Code {
			case protocol.CodeMergeFailed:
				// a rejected merge will be rejected again, so it is not replayed
				c.buffer.Ack(msg.ClientOperationID)
				c.repairID.CompareAndSwap(msg.ClientOperationID, 0)
			case protocol.CodeMissingDependencies:
				c.repair(msg.ClientOperationID)
			}
		}
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(serverErr)
		}
		if msg.Code.Terminal() {
			c.log.Warn().Str("code", string(msg.Code)).Msg("server ended the session")
			return serverErr
		}

	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("ignoring unknown message")
	}

	return nil
}

// resync merges the server state and replays every pending update, oldest
// first, with its original id
func (c *Client) resync(state protocol.DocumentState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// version 0 has no changes to merge
	if state.Version > 0 && len(state.State) > 0 {
		if _, err := c.replica.Apply(state.State); err != nil {
			return fmt.Errorf("failed to merge document state: %w", err)
		}
	}
	c.clock.Merge(state.VectorClock)
	c.joined = true

	pending := c.buffer.Pending()
	for _, p := range pending {
		if err := c.sendPending(p); err != nil {
			return fmt.Errorf("failed to replay pending update %d: %w", p.ID, err)
		}
	}

	if len(pending) > 0 {
		c.log.Info().Int("pending", len(pending)).Msg("replayed offline updates")
	}
	return nil
}

// repair queues the full local replica after the server rejected update id
// for missing dependencies. The rejected update stays pending until the
// repair is acked. One repair is in flight at a time.
func (c *Client) repair(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined || c.repairID.Load() != 0 {
		return
	}

	p := c.buffer.Enqueue(c.replica.Encode(), c.clock)
	c.repairID.Store(p.ID)
	c.log.Warn().
		Uint64("client_operation_id", id).
		Uint64("repair_id", p.ID).
		Msg("server is missing earlier changes, sending full state")

	if err := c.sendPending(p); err != nil {
		c.log.Debug().Err(err).Uint64("client_operation_id", p.ID).Msg("send failed, kept for replay")
	}
}

// sendPending and write must be called with mu held
func (c *Client) sendPending(p offline.Pending) error {
	return c.write(protocol.TypeDocumentUpdate, protocol.DocumentUpdate{
		DocumentID:        c.cfg.DocumentID,
		Update:            p.Update,
		VectorClock:       p.VectorClock,
		ClientOperationID: p.ID,
	})
}

func (c *Client) write(t protocol.MessageType, payload interface{}) error {
	if c.ws == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
