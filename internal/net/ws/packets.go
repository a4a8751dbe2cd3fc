package ws

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verse/server/internal/engine"
	"verse/server/internal/net/proto"
	"verse/server/internal/world"
)

type chatPacket struct {
	Body string `json:"body"`
}

type commandPacket struct {
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

type entityEventPacket struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type transformPacket struct {
	ID         string     `json:"id"`
	Position   [3]float64 `json:"position"`
	Quaternion [4]float64 `json:"quaternion"`
}

type pushPacket struct {
	ID       string     `json:"id"`
	Velocity [3]float64 `json:"velocity"`
}

type sessionAvatarPacket struct {
	Avatar string `json:"avatar"`
}

type pingPacket struct {
	Time int64 `json:"time,omitempty"`
}

// handle dispatches one inbound packet. It runs on the hub tick
// goroutine; handlers may call the engine freely.
func (h *Hub) handle(s *Session, tag proto.Tag, payload []byte) {
	switch tag {
	case proto.TagChatAdded:
		h.handleChat(s, payload)
	case proto.TagCommand:
		h.handleCommand(s, payload)
	case proto.TagEntityModified:
		h.handleEntityModified(s, payload)
	case proto.TagEntityEvent:
		h.handleEntityEvent(s, payload)
	case proto.TagPlayerTeleport:
		h.handleTeleport(s, payload)
	case proto.TagPlayerPush:
		h.handlePush(s, payload)
	case proto.TagPlayerSessionAvatar:
		h.handleSessionAvatar(s, payload)
	case proto.TagPing:
		h.handlePing(s, payload)
	case proto.TagAIRequest:
		h.handleAIRequest(s, payload)
	default:
		h.log.Warn("unexpected inbound packet",
			zap.String("method", tag.Name()), zap.String("session", s.ID))
	}
}

func (h *Hub) handleChat(s *Session, payload []byte) {
	var pkt chatPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil || pkt.Body == "" {
		return
	}
	if strings.HasPrefix(pkt.Body, "/") {
		name, args, _ := strings.Cut(strings.TrimPrefix(pkt.Body, "/"), " ")
		h.runCommand(s, name, strings.TrimSpace(args))
		return
	}
	h.appendChat(world.ChatMessage{
		ID:        uuid.NewString(),
		From:      h.playerName(s),
		FromID:    s.ID,
		Body:      pkt.Body,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) handleCommand(s *Session, payload []byte) {
	var pkt commandPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil || pkt.Name == "" {
		return
	}
	h.runCommand(s, strings.TrimPrefix(pkt.Name, "/"), strings.TrimSpace(pkt.Args))
}

// handleEntityModified accepts a patch against the session's own
// player entity only, and only the fields a player owns.
func (h *Hub) handleEntityModified(s *Session, payload []byte) {
	var patch world.EntityPatch
	if err := proto.Unmarshal(payload, &patch); err != nil {
		return
	}
	if patch.ID != s.ID {
		h.log.Warn("rejecting foreign entity patch",
			zap.String("session", s.ID), zap.String("target", patch.ID))
		return
	}
	scrubbed := world.EntityPatch{
		ID:            patch.ID,
		Position:      patch.Position,
		Quaternion:    patch.Quaternion,
		Name:          patch.Name,
		Avatar:        patch.Avatar,
		SessionAvatar: patch.SessionAvatar,
		Health:        patch.Health,
	}
	h.engine.ModifyEntity(&scrubbed, engine.Meta{
		Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID,
	})
}

// handleEntityEvent relays an app-scripting event to every other
// session; the server never interprets the body.
func (h *Hub) handleEntityEvent(s *Session, payload []byte) {
	var pkt entityEventPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil || pkt.ID == "" {
		return
	}
	data, err := proto.WritePacket(proto.TagEntityEvent, pkt)
	if err != nil {
		return
	}
	h.mu.Lock()
	for id, peer := range h.sessions {
		if id == s.ID || !peer.ready.Load() {
			continue
		}
		peer.enqueue(data)
	}
	h.mu.Unlock()
}

// handleTeleport snaps another player to a transform. Admin-only.
func (h *Hub) handleTeleport(s *Session, payload []byte) {
	if s.Rank() < 1 {
		h.systemChat(s, "admin rank required")
		return
	}
	var pkt transformPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil || pkt.ID == "" {
		return
	}
	target := h.engine.GetEntity(pkt.ID)
	if target == nil || target.Type != world.EntityPlayer {
		h.systemChat(s, "player not found")
		return
	}
	pos, quat := pkt.Position, pkt.Quaternion
	h.engine.ModifyEntity(&world.EntityPatch{
		ID: pkt.ID, Position: &pos, Quaternion: &quat,
	}, engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: pkt.ID})

	// The moved client gets an explicit teleport so it snaps instead
	// of interpolating.
	h.mu.Lock()
	moved := h.sessions[pkt.ID]
	h.mu.Unlock()
	if moved != nil {
		moved.Send(proto.TagPlayerTeleport, pkt)
	}
}

// handlePush relays an impulse to the target player's client.
func (h *Hub) handlePush(s *Session, payload []byte) {
	var pkt pushPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil || pkt.ID == "" {
		return
	}
	h.mu.Lock()
	target := h.sessions[pkt.ID]
	h.mu.Unlock()
	if target != nil {
		target.Send(proto.TagPlayerPush, pkt)
	}
}

func (h *Hub) handleSessionAvatar(s *Session, payload []byte) {
	var pkt sessionAvatarPacket
	if err := proto.Unmarshal(payload, &pkt); err != nil {
		return
	}
	avatar := pkt.Avatar
	h.engine.ModifyEntity(&world.EntityPatch{
		ID: s.ID, SessionAvatar: &avatar,
	}, engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID})
}

func (h *Hub) handlePing(s *Session, payload []byte) {
	var pkt pingPacket
	proto.Unmarshal(payload, &pkt)
	s.Send(proto.TagPong, pkt)
}

func (h *Hub) handleAIRequest(s *Session, payload []byte) {
	if err := h.ai.HandleRequest(s.ID, payload); err != nil {
		h.log.Warn("ai request failed", zap.String("session", s.ID), zap.Error(err))
		h.systemChat(s, "ai request failed")
	}
}

// appendChat stores one message on the ring and fans it out to every
// session, sender included.
func (h *Hub) appendChat(msg world.ChatMessage) {
	data, err := proto.WritePacket(proto.TagChatAdded, msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.chat = append(h.chat, msg)
	if len(h.chat) > chatBufferSize {
		h.chat = h.chat[len(h.chat)-chatBufferSize:]
	}
	for _, peer := range h.sessions {
		if !peer.ready.Load() {
			continue
		}
		peer.enqueue(data)
	}
	h.mu.Unlock()
}

// systemChat sends a targeted message only the recipient sees.
func (h *Hub) systemChat(s *Session, body string) {
	s.Send(proto.TagChatAdded, world.ChatMessage{
		ID:        uuid.NewString(),
		From:      "server",
		Body:      body,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) playerName(s *Session) string {
	if ent := h.engine.GetEntity(s.ID); ent != nil && ent.Name != "" {
		return ent.Name
	}
	return s.user.Name
}

func (h *Hub) upsertUser(u world.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.users.UpsertUser(ctx, u); err != nil {
		h.log.Error("user upsert failed", zap.String("user", u.ID), zap.Error(err))
	}
}
