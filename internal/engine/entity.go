package engine

import (
	"time"

	"verse/server/internal/world"
)

// AddEntity creates a new entity. App entities get sync metadata, a
// dirty mark, and a changefeed operation; players are transient and
// only broadcast.
func (e *Engine) AddEntity(ent *world.Entity, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addEntityLocked(ent, meta)
}

func (e *Engine) addEntityLocked(ent *world.Entity, meta Meta) world.Result {
	if ent == nil || ent.ID == "" {
		return world.Fail(world.ErrInvalidPayload)
	}
	if ent.Type != world.EntityApp && ent.Type != world.EntityPlayer {
		return world.Fail(world.ErrInvalidPayload)
	}
	ent = ent.Clone()

	opID := newOpID()
	if ent.Type == world.EntityApp {
		// App scope follows the blueprint it instantiates.
		if ent.Scope == "" {
			ent.Scope = world.ScopeForID(ent.Blueprint)
		}
		e.stampSync(&ent.Sync, ent.Blueprint, opID, meta)
	} else if ent.EnteredAt == "" {
		ent.EnteredAt = e.now().UTC().Format(time.RFC3339Nano)
	}

	if res := e.world.AddEntity(ent); !res.OK {
		return res
	}

	added := e.world.GetEntity(ent.ID)
	e.cast.Broadcast(Event{Kind: EvEntityAdded, Data: added}, meta.SessionID)
	if ent.Type == world.EntityApp {
		e.dirtyEntities[ent.ID] = false
		e.feed.Append(world.Operation{
			OpID:      opID,
			Ts:        ent.UpdatedAt,
			Actor:     meta.Actor,
			Source:    meta.Source,
			Kind:      world.OpEntityAdd,
			ObjectUID: ent.UID,
			Snapshot:  added,
		})
	}
	return world.Ok()
}

// ModifyEntity applies a partial entity modify.
func (e *Engine) ModifyEntity(patch *world.EntityPatch, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modifyEntityLocked(patch, meta)
}

func (e *Engine) modifyEntityLocked(patch *world.EntityPatch, meta Meta) world.Result {
	if patch == nil || patch.ID == "" {
		return world.Fail(world.ErrInvalidPayload)
	}
	current := e.world.GetEntity(patch.ID)
	if current == nil {
		return world.Fail(world.ErrNotFound)
	}

	if res := e.world.ModifyEntity(patch); !res.OK {
		return res
	}

	if current.Type == world.EntityApp {
		opID := newOpID()
		sync := current.Sync
		e.stampSync(&sync, current.Blueprint, opID, meta)
		e.world.SetEntitySync(patch.ID, sync)

		updated := e.world.GetEntity(patch.ID)
		e.cast.Broadcast(Event{Kind: EvEntityModified, Data: updated}, meta.SessionID)
		e.dirtyEntities[patch.ID] = false
		e.feed.Append(world.Operation{
			OpID:      opID,
			Ts:        sync.UpdatedAt,
			Actor:     meta.Actor,
			Source:    meta.Source,
			Kind:      world.OpEntityUpdate,
			ObjectUID: sync.UID,
			Patch:     patch,
			Snapshot:  updated,
		})
		return world.Ok()
	}

	// Player mutations are broadcast-only: the persisted layer never
	// stores player entities.
	updated := e.world.GetEntity(patch.ID)
	e.cast.Broadcast(Event{Kind: EvEntityModified, Data: updated}, meta.SessionID)
	return world.Ok()
}

// RemoveEntity deletes an entity. App removals are durable; player
// removals are broadcast-only.
func (e *Engine) RemoveEntity(id string, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeEntityLocked(id, meta)
}

func (e *Engine) removeEntityLocked(id string, meta Meta) world.Result {
	current := e.world.GetEntity(id)
	if current == nil {
		return world.Fail(world.ErrNotFound)
	}
	if res := e.world.RemoveEntity(id); !res.OK {
		return res
	}

	e.cast.Broadcast(Event{Kind: EvEntityRemoved, Data: map[string]any{"id": id, "type": current.Type}}, meta.SessionID)
	if current.Type == world.EntityApp {
		e.dirtyEntities[id] = true
		e.feed.Append(world.Operation{
			OpID:      newOpID(),
			Ts:        e.stampTime(current.UpdatedAt),
			Actor:     meta.Actor,
			Source:    meta.Source,
			Kind:      world.OpEntityRemove,
			ObjectUID: current.UID,
			Patch:     map[string]any{"id": id},
		})
	}
	return world.Ok()
}
