package world

import "sort"

// Store holds the authoritative in-memory tables. It is not safe for
// concurrent use on its own: every access must flow through the
// mutation engine's serializer. The store enforces structural
// invariants only (uniqueness, existence, blueprint-reference
// integrity); business rules live in the engine.
type Store struct {
	blueprints map[string]*Blueprint
	entities   map[string]*Entity
	settings   map[string]any
	spawn      Spawn
}

// NewStore creates an empty store with a default spawn.
func NewStore() *Store {
	return &Store{
		blueprints: make(map[string]*Blueprint),
		entities:   make(map[string]*Entity),
		settings:   make(map[string]any),
		spawn:      Spawn{Quaternion: [4]float64{0, 0, 0, 1}},
	}
}

// GetBlueprint returns a clone of the blueprint, or nil.
func (s *Store) GetBlueprint(id string) *Blueprint {
	return s.blueprints[id].Clone()
}

// ListBlueprints returns clones of all blueprints ordered by id.
func (s *Store) ListBlueprints() []*Blueprint {
	out := make([]*Blueprint, 0, len(s.blueprints))
	for _, bp := range s.blueprints {
		out = append(out, bp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddBlueprint inserts a new blueprint. The id must be unique.
func (s *Store) AddBlueprint(bp *Blueprint) Result {
	if bp == nil || bp.ID == "" {
		return Fail(ErrInvalidPayload)
	}
	if _, exists := s.blueprints[bp.ID]; exists {
		return Fail(ErrDuplicateID)
	}
	s.blueprints[bp.ID] = bp.Clone()
	return Ok()
}

// ReplaceBlueprint swaps the stored record wholesale. Rollback path;
// the record must already exist.
func (s *Store) ReplaceBlueprint(bp *Blueprint) Result {
	if bp == nil || bp.ID == "" {
		return Fail(ErrInvalidPayload)
	}
	if _, ok := s.blueprints[bp.ID]; !ok {
		return Fail(ErrNotFound)
	}
	s.blueprints[bp.ID] = bp.Clone()
	return Ok()
}

// ModifyBlueprint shallow-merges the patch over the stored record.
// Version discipline is the engine's job; the store only requires the
// record to exist.
func (s *Store) ModifyBlueprint(patch *BlueprintPatch) Result {
	if patch == nil || patch.ID == "" {
		return Fail(ErrInvalidPayload)
	}
	bp, ok := s.blueprints[patch.ID]
	if !ok {
		return Fail(ErrNotFound)
	}
	patch.ApplyTo(bp)
	if patch.Version != nil {
		bp.Version = *patch.Version
	}
	return Ok()
}

// RemoveBlueprint deletes a blueprint. The scene blueprint cannot be
// removed, and neither can a blueprint still referenced by an entity.
func (s *Store) RemoveBlueprint(id string) Result {
	bp, ok := s.blueprints[id]
	if !ok {
		return Fail(ErrNotFound)
	}
	if bp.ID == SceneID || bp.Scene {
		return Fail(ErrInUse)
	}
	for _, e := range s.entities {
		if e.Blueprint == id {
			return Fail(ErrInUse)
		}
	}
	delete(s.blueprints, id)
	return Ok()
}

// SetBlueprintSync writes back stamped sync metadata and version after
// the engine finishes a mutation.
func (s *Store) SetBlueprintSync(id string, sync Sync, version int) {
	if bp, ok := s.blueprints[id]; ok {
		bp.Sync = sync
		bp.Version = version
	}
}

// BlueprintReferenced reports whether any entity points at the id.
func (s *Store) BlueprintReferenced(id string) bool {
	for _, e := range s.entities {
		if e.Blueprint == id {
			return true
		}
	}
	return false
}

// GetEntity returns a clone of the entity, or nil.
func (s *Store) GetEntity(id string) *Entity {
	return s.entities[id].Clone()
}

// ListEntities returns clones of all entities ordered by id.
func (s *Store) ListEntities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddEntity inserts a new entity. App entities must reference an
// existing blueprint.
func (s *Store) AddEntity(e *Entity) Result {
	if e == nil || e.ID == "" {
		return Fail(ErrInvalidPayload)
	}
	if _, exists := s.entities[e.ID]; exists {
		return Fail(ErrDuplicateID)
	}
	if e.Blueprint != "" {
		if _, ok := s.blueprints[e.Blueprint]; !ok {
			return Fail(ErrNotFound)
		}
	}
	s.entities[e.ID] = e.Clone()
	return Ok()
}

// ModifyEntity shallow-merges the patch over the stored record.
// Rewiring the blueprint reference requires the target to exist.
func (s *Store) ModifyEntity(patch *EntityPatch) Result {
	if patch == nil || patch.ID == "" {
		return Fail(ErrInvalidPayload)
	}
	e, ok := s.entities[patch.ID]
	if !ok {
		return Fail(ErrNotFound)
	}
	if patch.Blueprint != nil && *patch.Blueprint != "" {
		if _, ok := s.blueprints[*patch.Blueprint]; !ok {
			return Fail(ErrNotFound)
		}
	}
	patch.ApplyTo(e)
	return Ok()
}

// RemoveEntity deletes an entity.
func (s *Store) RemoveEntity(id string) Result {
	if _, ok := s.entities[id]; !ok {
		return Fail(ErrNotFound)
	}
	delete(s.entities, id)
	return Ok()
}

// SetEntitySync writes back stamped sync metadata after the engine
// finishes a mutation.
func (s *Store) SetEntitySync(id string, sync Sync) {
	if e, ok := s.entities[id]; ok {
		e.Sync = sync
	}
}

// GetSetting returns one world configuration value.
func (s *Store) GetSetting(key string) (any, bool) {
	v, ok := s.settings[key]
	return v, ok
}

// Settings returns a clone of the settings map.
func (s *Store) Settings() map[string]any {
	return cloneValueMap(s.settings)
}

// SetSetting writes one world configuration key. A nil value deletes
// the key.
func (s *Store) SetSetting(key string, value any) Result {
	if key == "" {
		return Fail(ErrInvalidPayload)
	}
	if value == nil {
		delete(s.settings, key)
		return Ok()
	}
	s.settings[key] = cloneValue(value)
	return Ok()
}

// Spawn returns the default player birth transform.
func (s *Store) Spawn() Spawn {
	return s.spawn
}

// SetSpawn replaces the default player birth transform.
func (s *Store) SetSpawn(sp Spawn) Result {
	s.spawn = sp
	return Ok()
}

// Serialize clones the full world state for snapshots and admin reads.
func (s *Store) Serialize() Snapshot {
	return Snapshot{
		Blueprints: s.ListBlueprints(),
		Entities:   s.ListEntities(),
		Settings:   s.Settings(),
		Spawn:      s.spawn,
	}
}
