package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"collabsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

/*
LEARNING: EPHEMERAL PRESENCE

Cursor positions change many times a second and are worthless a moment
later, so they never go through the sync engine or the operation log.

Each connection gets a token bucket with burst 1 refilled every 50ms:

  t=0ms   cursor ─► accepted (bucket empty)
  t=10ms  cursor ─► dropped  (not queued)
  t=55ms  cursor ─► accepted

That caps broadcasts at 20/s per connection no matter how fast a client
sends. Dropped updates are simply gone; the next accepted one carries the
latest position anyway.
*/

// Palette is the set of colors handed out to users
var Palette = []string{"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8", "#F7DC6F"}

// Broadcaster delivers a cursor to every room member except the author's connection
type Broadcaster interface {
	BroadcastCursor(documentID, exceptConnID string, session *models.Session)
}

// Config tunes the presence service
type Config struct {
	CursorInterval time.Duration // minimum gap between accepted cursors per connection
	SessionTTL     time.Duration // how long a disconnected session is kept
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CursorInterval <= 0 {
		c.CursorInterval = 50 * time.Millisecond
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Service tracks sessions and throttles cursor broadcast.
// It has its own lock and never waits on document workers.
type Service struct {
	cfg         Config
	broadcaster Broadcaster
	log         zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[models.SessionKey]*models.Session
	limiters map[string]*rate.Limiter // connection id -> limiter
}

func New(cfg Config, broadcaster Broadcaster, log zerolog.Logger) *Service {
	return &Service{
		cfg:         cfg.withDefaults(),
		broadcaster: broadcaster,
		log:         log.With().Str("component", "presence").Logger(),
		now:         time.Now,
		sessions:    make(map[models.SessionKey]*models.Session),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// SetBroadcaster wires the room registry after construction, since the
// gateway and the presence service reference each other
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

// ColorFor picks a stable palette color for a user
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Join creates or revives the session of a connection in a document
func (s *Service) Join(documentID string, user models.UserInfo, connectionID string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := models.SessionKey{DocumentID: documentID, UserID: user.ID, ConnectionID: connectionID}

	session, ok := s.sessions[key]
	if ok {
		session.Connected = true
		session.LastActiveAt = now
		session.UserName = user.Name
	} else {
		session = models.NewSession(documentID, user, connectionID, ColorFor(user.ID), now)
		s.sessions[key] = session
	}

	if _, ok := s.limiters[connectionID]; !ok {
		s.limiters[connectionID] = rate.NewLimiter(rate.Every(s.cfg.CursorInterval), 1)
	}

	cp := *session
	return &cp
}

// Leave marks the session disconnected. It stays visible to Sweep until it expires.
func (s *Service) Leave(documentID, userID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.SessionKey{DocumentID: documentID, UserID: userID, ConnectionID: connectionID}
	if session, ok := s.sessions[key]; ok {
		session.Connected = false
		session.LastActiveAt = s.now()
	}
}

// ForgetConnection drops the rate limiter of a closed connection
func (s *Service) ForgetConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, connectionID)
}

// UpdateCursor records a cursor move and broadcasts it to the rest of the
// room. It returns false when the update was dropped by the rate cap or
// the connection has no live session in the document.
func (s *Service) UpdateCursor(connectionID, documentID, userID string, cursor *models.Cursor) bool {
	s.mu.Lock()

	key := models.SessionKey{DocumentID: documentID, UserID: userID, ConnectionID: connectionID}
	session, ok := s.sessions[key]
	if !ok || !session.Connected {
		s.mu.Unlock()
		return false
	}

	limiter, ok := s.limiters[connectionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.cfg.CursorInterval), 1)
		s.limiters[connectionID] = limiter
	}

	now := s.now()
	if !limiter.AllowN(now, 1) {
		s.mu.Unlock()
		return false
	}

	if cursor != nil {
		c := *cursor
		session.Cursor = &c
	}
	session.LastActiveAt = now

	cp := *session
	broadcaster := s.broadcaster
	s.mu.Unlock()

	// broadcast outside the lock, the room registry has its own
	if broadcaster != nil {
		broadcaster.BroadcastCursor(documentID, connectionID, &cp)
	}
	return true
}

// Snapshot returns the connected sessions of a document, oldest first
func (s *Service) Snapshot(documentID string) []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.DocumentID == documentID && session.Connected {
			cp := *session
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Sweep removes disconnected sessions inactive for longer than the TTL
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, session := range s.sessions {
		if !session.Connected && now.Sub(session.LastActiveAt) > s.cfg.SessionTTL {
			delete(s.sessions, key)
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug().Int("removed", removed).Msg("expired inactive sessions")
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
