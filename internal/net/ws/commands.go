package ws

import (
	"crypto/subtle"
	"fmt"
	"time"

	"verse/server/internal/engine"
	"verse/server/internal/world"
)

// runCommand executes one slash command. Every command answers the
// caller with a targeted chat message.
func (h *Hub) runCommand(s *Session, name, args string) {
	switch name {
	case "admin":
		h.cmdAdmin(s, args)
	case "name":
		h.cmdName(s, args)
	case "spawn":
		h.cmdSpawn(s, args)
	case "chat":
		h.cmdChat(s, args)
	case "server":
		h.cmdServer(s, args)
	default:
		h.systemChat(s, "unknown command: /"+name)
	}
}

// cmdAdmin toggles admin rank when the shared code matches.
func (h *Hub) cmdAdmin(s *Session, code string) {
	if h.cfg.AdminCode == "" {
		h.systemChat(s, "admin access is not configured")
		return
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(h.cfg.AdminCode)) != 1 {
		h.systemChat(s, "invalid code")
		return
	}
	rank := 1
	if s.Rank() >= 1 {
		rank = 0
	}
	s.rank.Store(int64(rank))
	h.engine.ModifyEntity(&world.EntityPatch{ID: s.ID, Rank: &rank},
		engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID})

	user := s.user
	user.Rank = rank
	h.upsertUser(user)

	if rank >= 1 {
		h.systemChat(s, "admin rank granted")
	} else {
		h.systemChat(s, "admin rank removed")
	}
}

// cmdName renames the caller's player and user row.
func (h *Hub) cmdName(s *Session, name string) {
	if name == "" {
		h.systemChat(s, "usage: /name <new name>")
		return
	}
	h.engine.ModifyEntity(&world.EntityPatch{ID: s.ID, Name: &name},
		engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID})

	user := s.user
	user.Name = name
	h.upsertUser(user)
	h.systemChat(s, "name set to "+name)
}

// cmdSpawn rewrites or resets the default spawn. Admin-only.
func (h *Hub) cmdSpawn(s *Session, args string) {
	if s.Rank() < 1 {
		h.systemChat(s, "admin rank required")
		return
	}
	meta := engine.Meta{Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID}
	switch args {
	case "set":
		self := h.engine.GetEntity(s.ID)
		if self == nil {
			h.systemChat(s, "player not found")
			return
		}
		res := h.engine.ModifySpawn(world.Spawn{
			Position: self.Position, Quaternion: self.Quaternion,
		}, meta)
		if !res.OK {
			h.systemChat(s, "spawn update failed: "+res.Error)
			return
		}
		h.systemChat(s, "spawn set to your position")
	case "clear":
		res := h.engine.ModifySpawn(world.Spawn{}, meta)
		if !res.OK {
			h.systemChat(s, "spawn update failed: "+res.Error)
			return
		}
		h.systemChat(s, "spawn reset to origin")
	default:
		h.systemChat(s, "usage: /spawn set|clear")
	}
}

// cmdChat clears the chat buffer. Admin-only.
func (h *Hub) cmdChat(s *Session, args string) {
	if args != "clear" {
		h.systemChat(s, "usage: /chat clear")
		return
	}
	if s.Rank() < 1 {
		h.systemChat(s, "admin rank required")
		return
	}
	h.mu.Lock()
	h.chat = nil
	h.mu.Unlock()
	h.systemChat(s, "chat history cleared")
}

// cmdServer reports live counters.
func (h *Hub) cmdServer(s *Session, args string) {
	if args != "stats" {
		h.systemChat(s, "usage: /server stats")
		return
	}
	apps := len(h.engine.ListEntities(world.EntityApp))
	players := len(h.engine.ListEntities(world.EntityPlayer))
	blueprints := len(h.engine.Snapshot().Blueprints)
	h.systemChat(s, fmt.Sprintf(
		"uptime %s, sessions %d, players %d, apps %d, blueprints %d",
		time.Since(h.startedAt).Round(time.Second),
		h.SessionCount(), players, apps, blueprints))
}
