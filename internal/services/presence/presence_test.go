package presence

import (
	"sync"
	"testing"
	"time"

	"collabsync/internal/models"

	"github.com/rs/zerolog"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	documentID string
	except     string
	session    models.Session
}

func (r *recordingBroadcaster) BroadcastCursor(documentID, exceptConnID string, session *models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, broadcastCall{documentID, exceptConnID, *session})
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(cfg Config) (*Service, *recordingBroadcaster, *fakeClock) {
	b := &recordingBroadcaster{}
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(cfg, b, zerolog.Nop())
	s.now = clk.now
	return s, b, clk
}

var alice = models.UserInfo{ID: "alice", Name: "Alice"}

func TestCursorRateCap(t *testing.T) {
	s, b, clk := newTestService(Config{CursorInterval: 50 * time.Millisecond})
	s.Join("doc", alice, "c1")

	accepted := 0
	for i := 0; i < 1000; i++ {
		if s.UpdateCursor("c1", "doc", "alice", &models.Cursor{Position: i}) {
			accepted++
		}
		clk.advance(time.Millisecond)
	}

	if accepted > 20 || accepted < 19 {
		t.Errorf("accepted %d cursor updates in one second, want at most 20", accepted)
	}
	if b.count() != accepted {
		t.Errorf("broadcast %d times for %d accepted updates", b.count(), accepted)
	}
}

func TestCursorAfterGapIsDelivered(t *testing.T) {
	s, b, clk := newTestService(Config{})
	s.Join("doc", alice, "c1")

	if !s.UpdateCursor("c1", "doc", "alice", &models.Cursor{Position: 1}) {
		t.Fatal("first cursor dropped")
	}
	clk.advance(10 * time.Millisecond)
	if s.UpdateCursor("c1", "doc", "alice", &models.Cursor{Position: 2}) {
		t.Fatal("cursor inside the interval accepted")
	}
	clk.advance(50 * time.Millisecond)
	if !s.UpdateCursor("c1", "doc", "alice", &models.Cursor{Position: 3}) {
		t.Fatal("cursor after the interval dropped")
	}

	// dropped updates are not queued: only 1 and 3 were broadcast
	if b.count() != 2 {
		t.Fatalf("broadcasts = %d, want 2", b.count())
	}
	last := b.calls[1]
	if last.session.Cursor.Position != 3 || last.except != "c1" || last.documentID != "doc" {
		t.Errorf("last broadcast = %+v", last)
	}
}

func TestRateCapIsPerConnection(t *testing.T) {
	s, _, _ := newTestService(Config{})
	s.Join("doc", alice, "tab1")
	s.Join("doc", alice, "tab2")

	if !s.UpdateCursor("tab1", "doc", "alice", &models.Cursor{}) {
		t.Error("tab1 dropped")
	}
	if !s.UpdateCursor("tab2", "doc", "alice", &models.Cursor{}) {
		t.Error("tab2 throttled by tab1")
	}
}

func TestCursorWithoutSessionIsDropped(t *testing.T) {
	s, b, _ := newTestService(Config{})

	if s.UpdateCursor("c1", "doc", "alice", &models.Cursor{}) {
		t.Error("cursor accepted without a session")
	}

	s.Join("doc", alice, "c1")
	s.Leave("doc", "alice", "c1")
	if s.UpdateCursor("c1", "doc", "alice", &models.Cursor{}) {
		t.Error("cursor accepted after leave")
	}
	if b.count() != 0 {
		t.Errorf("broadcasts = %d, want 0", b.count())
	}
}

func TestSnapshotAndSweep(t *testing.T) {
	s, _, clk := newTestService(Config{SessionTTL: time.Hour})

	s.Join("doc", alice, "c1")
	clk.advance(time.Second)
	s.Join("doc", models.UserInfo{ID: "bob", Name: "Bob"}, "c2")
	s.Join("other", alice, "c3")

	snap := s.Snapshot("doc")
	if len(snap) != 2 || snap[0].UserID != "alice" || snap[1].UserID != "bob" {
		t.Fatalf("snapshot = %+v", snap)
	}

	s.Leave("doc", "bob", "c2")
	if snap := s.Snapshot("doc"); len(snap) != 1 {
		t.Fatalf("snapshot after leave has %d sessions", len(snap))
	}

	// disconnected sessions survive until the TTL passes
	if n := s.Sweep(clk.now().Add(30 * time.Minute)); n != 0 {
		t.Errorf("swept %d sessions before the TTL", n)
	}
	if n := s.Sweep(clk.now().Add(2 * time.Hour)); n != 1 {
		t.Errorf("swept %d sessions, want 1", n)
	}

	// rejoining revives the record with the same color
	revived := s.Join("doc", models.UserInfo{ID: "bob", Name: "Bob"}, "c2")
	if !revived.Connected || revived.Color != ColorFor("bob") {
		t.Errorf("revived session = %+v", revived)
	}
}

func TestColorForIsStable(t *testing.T) {
	for _, user := range []string{"alice", "bob", "carol", ""} {
		c := ColorFor(user)
		if c != ColorFor(user) {
			t.Errorf("color of %q changed", user)
		}
		found := false
		for _, p := range Palette {
			if p == c {
				found = true
			}
		}
		if !found {
			t.Errorf("color %q of %q not in palette", c, user)
		}
	}
}
