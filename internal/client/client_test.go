package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabsync/internal/auth"
	"collabsync/internal/crdt"
	"collabsync/internal/crdt/crdttest"
	"collabsync/internal/db/dbtest"
	"collabsync/internal/models"
	"collabsync/internal/protocol"
	"collabsync/internal/repository"
	"collabsync/internal/services/collaboration"
	"collabsync/internal/services/presence"
	"collabsync/internal/services/syncengine"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const secret = "test-secret"

var (
	alice = models.UserInfo{ID: "alice", Name: "Alice"}
	bob   = models.UserInfo{ID: "bob", Name: "Bob"}
)

type server struct {
	url    string
	docID  string
	engine *syncengine.Engine
	hub    *collaboration.Hub
	issuer *auth.Issuer
}

// newServer runs the whole websocket stack on sqlite behind httptest
func newServer(t *testing.T) *server {
	t.Helper()
	log := zerolog.Nop()
	ctx := context.Background()

	gdb := dbtest.Open(t)
	docs := repository.NewDocumentRepository(gdb)
	access := repository.NewAccessRepository(gdb)
	oplog := repository.NewOperationLogRepository(gdb)

	core := crdt.NewAutomerge()
	engine := syncengine.New(core, docs, oplog, syncengine.Config{}, log)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(sctx)
	})

	doc, err := docs.Create(ctx, "shared", alice.ID, core.New().Encode())
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := access.Grant(ctx, doc.ID, bob.ID, models.RoleEditor); err != nil {
		t.Fatalf("grant: %v", err)
	}

	hub := collaboration.NewHub(log)
	pres := presence.New(presence.Config{}, hub, log)
	gateway := collaboration.NewGateway(hub, engine, access, pres, collaboration.Config{}, log)

	router := mux.NewRouter()
	router.Handle("/ws", collaboration.NewWebSocketHandler(ctx, gateway, auth.NewAuthenticator(secret)))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)

	return &server{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		docID:  doc.ID,
		engine: engine,
		hub:    hub,
		issuer: auth.NewIssuer(secret, time.Hour),
	}
}

func (s *server) config(t *testing.T, user models.UserInfo) Config {
	t.Helper()
	token, err := s.issuer.Issue(user)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return Config{
		URL:                  s.url,
		Token:                token,
		UserID:               user.ID,
		DocumentID:           s.docID,
		InitialRetryInterval: 200 * time.Millisecond,
		MaxRetryInterval:     time.Second,
	}
}

// start runs the client until the test ends and returns Run's result channel
func start(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(finished)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sameHeads(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClientsConverge(t *testing.T) {
	s := newServer(t)
	core := crdt.NewAutomerge()

	var remote atomic.Int32
	a := New(s.config(t, alice), core, Callbacks{}, zerolog.Nop())
	b := New(s.config(t, bob), core, Callbacks{
		OnRemote: func(u protocol.RemoteUpdate) {
			if u.AuthorUserID == alice.ID {
				remote.Add(1)
			}
		},
	}, zerolog.Nop())
	start(t, a)
	start(t, b)
	waitFor(t, "both joined", func() bool { return a.Connected() && b.Connected() })

	ea, eb := crdttest.NewEditor(), crdttest.NewEditor()
	if _, err := a.Submit(ea.MustSet("title", "hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Submit(eb.MustSet("body", "world")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "acks", func() bool { return len(a.Pending()) == 0 && len(b.Pending()) == 0 })
	waitFor(t, "convergence", func() bool { return sameHeads(a.Heads(), b.Heads()) })
	waitFor(t, "bob sees alice's update", func() bool { return remote.Load() == 1 })

	for _, c := range []*Client{a, b} {
		doc, err := crdttest.Load(c.State())
		if err != nil {
			t.Fatalf("load state: %v", err)
		}
		title, _ := doc.Get("title")
		body, _ := doc.Get("body")
		if title != "hello" || body != "world" {
			t.Errorf("client state title=%v body=%v", title, body)
		}
	}

	vc := a.Clock()
	if vc.Get(alice.ID) != 1 || vc.Get(bob.ID) != 1 {
		t.Errorf("alice clock = %v, want alice:1 bob:1", vc)
	}
}

func TestOfflineUpdatesReplayedOnConnect(t *testing.T) {
	s := newServer(t)

	var mu sync.Mutex
	var acked []uint64
	c := New(s.config(t, alice), crdt.NewAutomerge(), Callbacks{
		OnAck: func(ack protocol.UpdateAck) {
			mu.Lock()
			defer mu.Unlock()
			acked = append(acked, ack.ClientOperationID)
		},
	}, zerolog.Nop())

	editor := crdttest.NewEditor()
	var ids []uint64
	for i, key := range []string{"a", "b", "c"} {
		p, err := c.Submit(editor.MustSet(key, int64(i)))
		if err != nil {
			t.Fatalf("submit offline: %v", err)
		}
		ids = append(ids, p.ID)
	}
	if len(c.Pending()) != 3 {
		t.Fatalf("pending = %d, want 3", len(c.Pending()))
	}

	start(t, c)
	waitFor(t, "replay acked", func() bool { return len(c.Pending()) == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(acked) != 3 {
		t.Fatalf("acks = %v", acked)
	}
	for i := range ids {
		if acked[i] != ids[i] {
			t.Errorf("ack %d = %d, want %d (oldest first)", i, acked[i], ids[i])
		}
	}

	state, err := s.engine.GetState(context.Background(), s.docID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Version != 3 {
		t.Errorf("server version = %d, want 3", state.Version)
	}
}

// Overflow drops the first offline update, so the replayed second one reaches
// the server without its parent. The client repairs with its full state.
func TestLostParentRepairedWithFullState(t *testing.T) {
	s := newServer(t)

	var errs []protocol.ErrorCode
	var mu sync.Mutex
	cfg := s.config(t, alice)
	cfg.BufferCapacity = 1
	c := New(cfg, crdt.NewAutomerge(), Callbacks{
		OnError: func(err *ServerError) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err.Code)
		},
	}, zerolog.Nop())

	editor := crdttest.NewEditor()
	c.Submit(editor.MustSet("a", "first"))
	second, err := c.Submit(editor.MustSet("b", "second"))
	if err != nil {
		t.Fatalf("submit offline: %v", err)
	}
	if pending := c.Pending(); len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending = %v, want only %d", pending, second.ID)
	}

	start(t, c)
	waitFor(t, "repair acked", func() bool { return c.Connected() && len(c.Pending()) == 0 })

	mu.Lock()
	if len(errs) != 1 || errs[0] != protocol.CodeMissingDependencies {
		t.Errorf("errors = %v, want one %s", errs, protocol.CodeMissingDependencies)
	}
	mu.Unlock()

	state, err := s.engine.GetState(context.Background(), s.docID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	doc, err := crdttest.Load(state.Encoded)
	if err != nil {
		t.Fatalf("load server state: %v", err)
	}
	for key, want := range map[string]string{"a": "first", "b": "second"} {
		if got, _ := doc.Get(key); got != want {
			t.Errorf("server %s = %v, want %q", key, got, want)
		}
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	s := newServer(t)

	var states atomic.Int32
	c := New(s.config(t, alice), crdt.NewAutomerge(), Callbacks{
		OnState: func(protocol.DocumentState) { states.Add(1) },
	}, zerolog.Nop())
	start(t, c)
	waitFor(t, "first join", func() bool { return c.Connected() })

	editor := crdttest.NewEditor()
	c.Submit(editor.MustSet("before", true))
	waitFor(t, "first ack", func() bool { return len(c.Pending()) == 0 })

	s.hub.Shutdown()
	waitFor(t, "disconnect", func() bool { return !c.Connected() })

	// buffered while offline
	if _, err := c.Submit(editor.MustSet("during", true)); err != nil {
		t.Fatalf("submit offline: %v", err)
	}

	waitFor(t, "rejoin", func() bool { return states.Load() >= 2 && c.Connected() })
	waitFor(t, "replay ack", func() bool { return len(c.Pending()) == 0 })

	state, err := s.engine.GetState(context.Background(), s.docID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Version != 2 {
		t.Errorf("server version = %d, want 2", state.Version)
	}
}

func TestCursorReachesOtherClient(t *testing.T) {
	s := newServer(t)

	cursors := make(chan protocol.RemoteCursor, 4)
	a := New(s.config(t, alice), crdt.NewAutomerge(), Callbacks{}, zerolog.Nop())
	b := New(s.config(t, bob), crdt.NewAutomerge(), Callbacks{
		OnCursor: func(rc protocol.RemoteCursor) { cursors <- rc },
	}, zerolog.Nop())

	if err := a.MoveCursor(&models.Cursor{Position: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("cursor before join: %v", err)
	}

	start(t, a)
	start(t, b)
	waitFor(t, "both joined", func() bool { return a.Connected() && b.Connected() })

	if err := a.MoveCursor(&models.Cursor{Position: 7, SelectionStart: 7, SelectionEnd: 9}); err != nil {
		t.Fatalf("move cursor: %v", err)
	}

	select {
	case rc := <-cursors:
		if rc.UserID != alice.ID || rc.Cursor == nil || rc.Cursor.Position != 7 {
			t.Errorf("cursor = %+v", rc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cursor relayed")
	}
}

func TestTerminalErrorStopsClient(t *testing.T) {
	s := newServer(t)

	cfg := s.config(t, alice)
	cfg.DocumentID = "missing"
	c := New(cfg, crdt.NewAutomerge(), Callbacks{}, zerolog.Nop())

	select {
	case err := <-start(t, c):
		var serverErr *ServerError
		if !errors.As(err, &serverErr) || serverErr.Code != protocol.CodeNotFound {
			t.Errorf("Run = %v, want not_found", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client kept retrying after a terminal error")
	}
}

func TestBadCredentialsStopClient(t *testing.T) {
	s := newServer(t)

	cfg := s.config(t, alice)
	cfg.Token = "garbage"
	c := New(cfg, crdt.NewAutomerge(), Callbacks{}, zerolog.Nop())

	select {
	case err := <-start(t, c):
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Run = %v, want ErrUnauthorized", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client kept retrying with bad credentials")
	}
}

func TestSubmitRejectsCorruptUpdate(t *testing.T) {
	c := New(Config{UserID: "alice", DocumentID: "doc"}, crdt.NewAutomerge(), Callbacks{}, zerolog.Nop())

	if _, err := c.Submit([]byte{0xde, 0xad}); err == nil {
		t.Fatal("corrupt update accepted")
	}
	if len(c.Pending()) != 0 || c.Clock().Get("alice") != 0 {
		t.Error("rejected update was buffered")
	}
}
