package admin

import (
	"encoding/json"

	"verse/server/internal/engine"
	"verse/server/internal/world"
)

// dispatch routes one adminCommand envelope. Every command produces
// exactly one adminResult carrying the envelope's requestId.
func (h *Hub) dispatch(cmd commandPacket) resultPacket {
	res := resultPacket{Type: "adminResult", RequestID: cmd.RequestID}

	meta := engine.Meta{Actor: "admin", Source: engine.SourceAdmin}
	outcome := world.Fail(world.ErrInvalidOp)

	switch cmd.Type {
	case "blueprint_add":
		var payload struct {
			world.Blueprint
			LockToken string `json:"lockToken"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		meta.LockToken = payload.LockToken
		outcome = h.engine.AddBlueprint(&payload.Blueprint, meta)

	case "blueprint_modify":
		var patch world.BlueprintPatch
		if err := json.Unmarshal(cmd.Payload, &patch); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		if patch.EntityID != "" {
			outcome = h.engine.ModifyBlueprintForEntity(patch.EntityID, &patch, meta)
		} else {
			outcome = h.engine.ModifyBlueprint(&patch, meta)
		}

	case "blueprint_remove":
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.ID == "" {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.RemoveBlueprint(payload.ID, meta)

	case "entity_add":
		var ent world.Entity
		if err := json.Unmarshal(cmd.Payload, &ent); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.AddEntity(&ent, meta)

	case "entity_modify":
		var patch world.EntityPatch
		if err := json.Unmarshal(cmd.Payload, &patch); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.ModifyEntity(&patch, meta)

	case "entity_remove":
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.ID == "" {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.RemoveEntity(payload.ID, meta)

	case "settings_modify":
		var changes map[string]any
		if err := json.Unmarshal(cmd.Payload, &changes); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.ModifySettings(changes, meta)

	case "spawn_modify":
		var sp world.Spawn
		if err := json.Unmarshal(cmd.Payload, &sp); err != nil {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		outcome = h.engine.ModifySpawn(sp, meta)

	case "modify_rank":
		outcome = h.modifyRank(cmd.Payload, meta)

	case "kick":
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.ID == "" {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		if h.players == nil || !h.players.Kick(payload.ID, "kicked") {
			outcome = world.Fail(world.ErrNotConnected)
			break
		}
		outcome = world.Ok()

	case "mute":
		var payload struct {
			ID    string `json:"id"`
			Muted bool   `json:"muted"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.ID == "" {
			outcome = world.Fail(world.ErrInvalidPayload)
			break
		}
		if h.players == nil || !h.players.SetMuted(payload.ID, payload.Muted) {
			outcome = world.Fail(world.ErrNotConnected)
			break
		}
		outcome = world.Ok()
	}

	res.OK = outcome.OK
	res.Error = outcome.Error
	res.Current = outcome.Current
	res.Lock = outcome.Lock
	res.Pending = outcome.Pending
	return res
}

// modifyRank patches a player's rank on the live entity, the session,
// and the user row.
func (h *Hub) modifyRank(payload json.RawMessage, meta engine.Meta) world.Result {
	var req struct {
		ID   string `json:"id"`
		Rank int    `json:"rank"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		return world.Fail(world.ErrInvalidPayload)
	}
	ent := h.engine.GetEntity(req.ID)
	if ent == nil || ent.Type != world.EntityPlayer {
		return world.Fail(world.ErrPlayerNotFound)
	}
	if res := h.engine.ModifyEntity(&world.EntityPatch{ID: req.ID, Rank: &req.Rank}, meta); !res.OK {
		return res
	}
	if h.players != nil {
		h.players.SetRank(req.ID, req.Rank)
	}
	return world.Ok()
}
