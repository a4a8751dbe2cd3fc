package ws

import (
	"context"
	"testing"

	"verse/server/internal/engine"
	"verse/server/internal/net/proto"
	"verse/server/internal/world"
)

type fakeUsers struct {
	upserts []world.User
}

func (f *fakeUsers) GetUser(context.Context, string) (*world.User, error) { return nil, nil }
func (f *fakeUsers) UpsertUser(_ context.Context, u world.User) error {
	f.upserts = append(f.upserts, u)
	return nil
}

// newTestHub wires a hub and one registered session without a socket;
// outbound packets land on the session queue.
func newTestHub(t *testing.T, adminCode string) (*Hub, *Session, *fakeUsers) {
	t.Helper()
	eng := engine.New(world.NewStore(), engine.Options{})
	users := &fakeUsers{}
	hub := NewHub(eng, users, nil, nil, nil, Config{AdminCode: adminCode}, nil)

	s := &Session{
		ID:     "sess-1",
		hub:    hub,
		user:   world.User{ID: "u1", Name: "Alba"},
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	s.alive.Store(true)
	s.ready.Store(true)
	hub.sessions[s.ID] = s
	hub.byUser[s.user.ID] = s

	if res := eng.AddEntity(&world.Entity{
		ID:       s.ID,
		Type:     world.EntityPlayer,
		Name:     s.user.Name,
		Position: [3]float64{3, 0, 7},
		UserID:   s.user.ID,
	}, engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID}); !res.OK {
		t.Fatalf("seed player failed: %s", res.Error)
	}
	return hub, s, users
}

// nextPacket pops one queued outbound packet.
func nextPacket(t *testing.T, s *Session) (proto.Tag, []byte) {
	t.Helper()
	select {
	case data := <-s.send:
		tag, payload, err := proto.ReadPacket(data)
		if err != nil {
			t.Fatalf("queued packet unreadable: %v", err)
		}
		return tag, payload
	default:
		t.Fatalf("expected a queued packet")
		return 0, nil
	}
}

func drainQueue(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

func TestAdminCommandTogglesRank(t *testing.T) {
	hub, s, users := newTestHub(t, "secret")

	hub.runCommand(s, "admin", "wrong")
	if s.Rank() != 0 {
		t.Fatalf("wrong code must not grant rank")
	}
	drainQueue(s)

	hub.runCommand(s, "admin", "secret")
	if s.Rank() != 1 {
		t.Fatalf("expected rank 1 after correct code")
	}
	if ent := hub.engine.GetEntity(s.ID); ent.Rank != 1 {
		t.Fatalf("player entity rank must follow, got %d", ent.Rank)
	}
	if len(users.upserts) == 0 || users.upserts[len(users.upserts)-1].Rank != 1 {
		t.Fatalf("rank must persist on the user row")
	}
	drainQueue(s)

	// Same code toggles back off.
	hub.runCommand(s, "admin", "secret")
	if s.Rank() != 0 {
		t.Fatalf("expected toggle back to rank 0")
	}
}

func TestAdminCommandDisabledWithoutCode(t *testing.T) {
	hub, s, _ := newTestHub(t, "")
	hub.runCommand(s, "admin", "")
	if s.Rank() != 0 {
		t.Fatalf("empty configured code must never grant rank")
	}
}

func TestNameCommandRenamesPlayerAndUser(t *testing.T) {
	hub, s, users := newTestHub(t, "")

	hub.runCommand(s, "name", "Brook")
	if ent := hub.engine.GetEntity(s.ID); ent.Name != "Brook" {
		t.Fatalf("expected entity renamed, got %q", ent.Name)
	}
	if len(users.upserts) != 1 || users.upserts[0].Name != "Brook" {
		t.Fatalf("expected user row renamed, got %+v", users.upserts)
	}
}

func TestSpawnCommandRequiresAdmin(t *testing.T) {
	hub, s, _ := newTestHub(t, "secret")

	hub.runCommand(s, "spawn", "set")
	if sp := hub.engine.Spawn(); sp.Position != ([3]float64{}) {
		t.Fatalf("non-admin must not move spawn, got %v", sp.Position)
	}

	s.rank.Store(1)
	hub.runCommand(s, "spawn", "set")
	if sp := hub.engine.Spawn(); sp.Position != ([3]float64{3, 0, 7}) {
		t.Fatalf("expected spawn at player position, got %v", sp.Position)
	}

	hub.runCommand(s, "spawn", "clear")
	sp := hub.engine.Spawn()
	if sp.Position != ([3]float64{}) || sp.Quaternion != ([4]float64{0, 0, 0, 1}) {
		t.Fatalf("expected spawn reset to origin, got %+v", sp)
	}
}

func TestChatClearAndRingLimit(t *testing.T) {
	hub, s, _ := newTestHub(t, "secret")
	s.rank.Store(1)

	for i := 0; i < chatBufferSize+10; i++ {
		hub.appendChat(world.ChatMessage{ID: "m", Body: "hello"})
	}
	hub.mu.Lock()
	got := len(hub.chat)
	hub.mu.Unlock()
	if got != chatBufferSize {
		t.Fatalf("expected ring capped at %d, got %d", chatBufferSize, got)
	}

	hub.runCommand(s, "chat", "clear")
	hub.mu.Lock()
	got = len(hub.chat)
	hub.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected chat cleared, got %d", got)
	}
}

func TestSlashRoutingFromChatPacket(t *testing.T) {
	hub, s, _ := newTestHub(t, "secret")

	data, err := proto.WritePacket(proto.TagChatAdded, chatPacket{Body: "/admin secret"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	_, payload, err := proto.ReadPacket(data)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}

	hub.handle(s, proto.TagChatAdded, payload)
	if s.Rank() != 1 {
		t.Fatalf("slash command must route through chat")
	}
	hub.mu.Lock()
	buffered := len(hub.chat)
	hub.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("commands must not land in the chat buffer")
	}
}

func TestPingAnswersPong(t *testing.T) {
	hub, s, _ := newTestHub(t, "")

	data, _ := proto.WritePacket(proto.TagPing, pingPacket{Time: 42})
	_, payload, _ := proto.ReadPacket(data)
	hub.handle(s, proto.TagPing, payload)

	tag, body := nextPacket(t, s)
	if tag != proto.TagPong {
		t.Fatalf("expected pong, got %s", tag.Name())
	}
	var pong pingPacket
	if err := proto.Unmarshal(body, &pong); err != nil || pong.Time != 42 {
		t.Fatalf("pong must echo the client time, got %+v err %v", pong, err)
	}
}

func TestEntityModifiedRejectsForeignTargets(t *testing.T) {
	hub, s, _ := newTestHub(t, "")
	if res := hub.engine.AddEntity(&world.Entity{
		ID: "sess-2", Type: world.EntityPlayer, Name: "Other",
	}, engine.Meta{}); !res.OK {
		t.Fatalf("seed second player failed: %s", res.Error)
	}

	name := "hijacked"
	data, _ := proto.WritePacket(proto.TagEntityModified, world.EntityPatch{ID: "sess-2", Name: &name})
	_, payload, _ := proto.ReadPacket(data)
	hub.handle(s, proto.TagEntityModified, payload)

	if ent := hub.engine.GetEntity("sess-2"); ent.Name != "Other" {
		t.Fatalf("foreign patch must be dropped, got %q", ent.Name)
	}

	// A patch on the own player passes, but rank is scrubbed.
	rank := 5
	data, _ = proto.WritePacket(proto.TagEntityModified, world.EntityPatch{ID: s.ID, Name: &name, Rank: &rank})
	_, payload, _ = proto.ReadPacket(data)
	hub.handle(s, proto.TagEntityModified, payload)

	ent := hub.engine.GetEntity(s.ID)
	if ent.Name != "hijacked" {
		t.Fatalf("own patch must apply, got %q", ent.Name)
	}
	if ent.Rank != 0 {
		t.Fatalf("rank must be scrubbed from player patches, got %d", ent.Rank)
	}
}
