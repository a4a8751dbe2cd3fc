package engine

import (
	"verse/server/internal/store"
	"verse/server/internal/world"
)

// Object uids for the settings and spawn singletons in the changefeed.
const (
	settingsObjectUID = "settings"
	spawnObjectUID    = "spawn"
)

// ModifySettings applies a key-by-key settings update. A nil value
// deletes the key.
func (e *Engine) ModifySettings(changes map[string]any, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(changes) == 0 {
		return world.Fail(world.ErrInvalidPayload)
	}
	if _, bad := changes[""]; bad {
		return world.Fail(world.ErrInvalidPayload)
	}
	for key, value := range changes {
		e.world.SetSetting(key, value)
	}

	e.cast.Broadcast(Event{Kind: EvSettingsModified, Data: changes}, meta.SessionID)
	e.dirtyConfig[store.ConfigSettingsKey] = struct{}{}
	e.feed.Append(world.Operation{
		OpID:      newOpID(),
		Ts:        e.stampTime(""),
		Actor:     meta.Actor,
		Source:    meta.Source,
		Kind:      world.OpSettingsUpdate,
		ObjectUID: settingsObjectUID,
		Patch:     changes,
	})
	return world.Ok()
}

// ModifySpawn rewrites the default player birth transform.
func (e *Engine) ModifySpawn(sp world.Spawn, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sp.Quaternion == ([4]float64{}) {
		sp.Quaternion = [4]float64{0, 0, 0, 1}
	}
	e.world.SetSpawn(sp)

	e.cast.Broadcast(Event{Kind: EvSpawnModified, Data: sp}, meta.SessionID)
	e.dirtyConfig[store.ConfigSpawnKey] = struct{}{}
	e.feed.Append(world.Operation{
		OpID:      newOpID(),
		Ts:        e.stampTime(""),
		Actor:     meta.Actor,
		Source:    meta.Source,
		Kind:      world.OpSpawnUpdate,
		ObjectUID: spawnObjectUID,
		Snapshot:  sp,
	})
	return world.Ok()
}
