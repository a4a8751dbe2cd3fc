package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"verse/server/internal/engine"
	"verse/server/internal/net/proto"
	"verse/server/internal/token"
	"verse/server/internal/world"
)

// stubUsers is a map-backed user table so tokens can resolve to a
// known user across connects.
type stubUsers struct {
	mu    sync.Mutex
	users map[string]world.User
}

func (s *stubUsers) GetUser(_ context.Context, id string) (*world.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (s *stubUsers) UpsertUser(_ context.Context, u world.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]world.User)
	}
	s.users[u.ID] = u
	return nil
}

type wsEnv struct {
	hub    *Hub
	engine *engine.Engine
	users  *stubUsers
	signer *token.Signer
	url    string
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	eng := engine.New(world.NewStore(), engine.Options{})
	signer, err := token.NewSigner("handler-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	users := &stubUsers{}
	hub := NewHub(eng, users, signer, nil, nil, Config{}, nil)
	eng.SetBroadcaster(hub)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return &wsEnv{
		hub:    hub,
		engine: eng,
		users:  users,
		signer: signer,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFirst pops the first server packet off a fresh connection.
func readFirst(conn *websocket.Conn) (proto.Tag, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return proto.ReadPacket(data)
}

// Settings writes hold the engine serializer and fan out through the
// hub; connects read the player cap from settings. The two must not
// wait on each other's locks.
func TestConnectDuringSettingsWrites(t *testing.T) {
	env := newWSEnv(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			env.engine.ModifySettings(map[string]any{"playerLimit": 32}, engine.Meta{Source: engine.SourceAdmin})
		}
	}()

	for i := 0; i < 4; i++ {
		conn := dialWS(t, env.url+fmt.Sprintf("/?name=p%d", i))
		tag, _, err := readFirst(conn)
		if err != nil {
			t.Fatalf("connect %d stalled: %v", i, err)
		}
		if tag != proto.TagSnapshot {
			t.Fatalf("connect %d expected snapshot, got %s", i, tag.Name())
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("settings writer stalled against the connect path")
	}
}

// Two connects racing on one user must resolve to exactly one live
// session: the slot is claimed at check time, not after the snapshot.
func TestConcurrentConnectsSameUser(t *testing.T) {
	env := newWSEnv(t)
	if err := env.users.UpsertUser(context.Background(), world.User{ID: "u-dup", Name: "Alba"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	authToken, err := env.signer.Create("u-dup")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	url := env.url + "/?authToken=" + authToken

	const dials = 8
	results := make(chan proto.Tag, dials)
	errs := make(chan error, dials)
	var wg sync.WaitGroup
	for i := 0; i < dials; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			tag, _, err := readFirst(conn)
			if err != nil {
				errs <- err
				return
			}
			results <- tag
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("dial failed: %v", err)
	}
	snapshots, kicks := 0, 0
	for tag := range results {
		switch tag {
		case proto.TagSnapshot:
			snapshots++
		case proto.TagKick:
			kicks++
		default:
			t.Fatalf("unexpected first packet %s", tag.Name())
		}
	}
	if snapshots != 1 || kicks != dials-1 {
		t.Fatalf("expected exactly one winner, got %d snapshots and %d kicks", snapshots, kicks)
	}
	if n := env.hub.SessionCount(); n != 1 {
		t.Fatalf("expected one live session, got %d", n)
	}
}

// connPair upgrades one throwaway socket and hands back both ends.
func connPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-conns, client
}

// An aborted connect must release the claimed slots, tell the client,
// and unblock the writer goroutine that is already draining the queue.
func TestAbortConnectReleasesWriter(t *testing.T) {
	eng := engine.New(world.NewStore(), engine.Options{})
	hub := NewHub(eng, &stubUsers{}, nil, nil, nil, Config{}, nil)

	server, client := connPair(t)
	session := newSession("sess-a", hub, server, world.User{ID: "ua", Name: "Alba"})
	hub.mu.Lock()
	hub.sessions[session.ID] = session
	hub.byUser["ua"] = session
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		session.writeLoop()
		close(done)
	}()

	hub.abortConnect(session, world.ErrServerError)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer still blocked after aborted connect")
	}
	tag, payload, err := readFirst(client)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if tag != proto.TagKick {
		t.Fatalf("expected kick, got %s", tag.Name())
	}
	var kick kickPacket
	if err := proto.Unmarshal(payload, &kick); err != nil || kick.Code != world.ErrServerError {
		t.Fatalf("expected server_error kick, got %q (err %v)", kick.Code, err)
	}
	if n := hub.SessionCount(); n != 0 {
		t.Fatalf("expected slots released, got %d sessions", n)
	}
}
