// Package engine is the single serialized applier for world
// mutations. Every accepted mutation validates its payload, enforces
// version and deploy-lock rules, stamps sync metadata, applies to the
// state store, fans out to sessions, marks the object dirty for the
// flusher, and emits a changefeed operation — all under one mutex, so
// no two mutations interleave and every session observes broadcasts
// in the same relative order.
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"verse/server/internal/deploylock"
	"verse/server/internal/store"
	"verse/server/internal/world"
)

// Mutation sources. The AI subsystem bypasses the deploy-lock gate
// because it acquires the lock upstream before generating scripts.
const (
	SourceAdmin   = "admin"
	SourcePlayer  = "player"
	SourceAI      = "ai"
	SourceSystem  = "system"
	SourceCleaner = "cleaner"
)

// Meta identifies the actor and channel behind a mutation. SessionID,
// when set, names the origin session that fan-out skips.
type Meta struct {
	Actor     string
	Source    string
	SessionID string
	LockToken string
}

// Event is one broadcastable mutation outcome.
type Event struct {
	Kind string
	Data any
}

// Broadcast event kinds, shared by the player and admin hubs.
const (
	EvBlueprintAdded    = "blueprintAdded"
	EvBlueprintModified = "blueprintModified"
	EvBlueprintRemoved  = "blueprintRemoved"
	EvEntityAdded       = "entityAdded"
	EvEntityModified    = "entityModified"
	EvEntityRemoved     = "entityRemoved"
	EvSettingsModified  = "settingsModified"
	EvSpawnModified     = "spawnModified"
)

// Broadcaster fans events out to connected sessions. Implementations
// must not block: the engine calls them on its critical path.
type Broadcaster interface {
	Broadcast(ev Event, ignoreSessionID string)
	SendTo(sessionID string, ev Event)
}

// OpSink receives accepted operations for durable ordering. The
// changefeed implements it.
type OpSink interface {
	Append(op world.Operation)
}

// AIGate reports whether a script generation is mid-flight for a
// blueprint; the engine blocks racing script edits while it is.
type AIGate interface {
	BusyRootFor(bp *world.Blueprint) string
}

type noopCast struct{}

func (noopCast) Broadcast(Event, string) {}
func (noopCast) SendTo(string, Event)    {}

type noopSink struct{}

func (noopSink) Append(world.Operation) {}

type noopAI struct{}

func (noopAI) BusyRootFor(*world.Blueprint) string { return "" }

// Engine owns the world store and serializes all mutations.
type Engine struct {
	mu    sync.Mutex
	world *world.Store
	locks *deploylock.Manager
	feed  OpSink
	cast  Broadcaster
	ai    AIGate
	log   *zap.Logger
	now   func() time.Time

	// dirty sets; the bool marks a tombstone (row to delete).
	dirtyBlueprints map[string]bool
	dirtyEntities   map[string]bool
	dirtyConfig     map[string]struct{}
}

// Options carries the engine's collaborators. Nil fields get inert
// defaults so tests can wire only what they exercise.
type Options struct {
	Locks       *deploylock.Manager
	Feed        OpSink
	Broadcaster Broadcaster
	AI          AIGate
	Logger      *zap.Logger
	Now         func() time.Time
}

// New builds an engine over the given state store.
func New(ws *world.Store, opts Options) *Engine {
	e := &Engine{
		world:           ws,
		locks:           opts.Locks,
		feed:            opts.Feed,
		cast:            opts.Broadcaster,
		ai:              opts.AI,
		log:             opts.Logger,
		now:             opts.Now,
		dirtyBlueprints: make(map[string]bool),
		dirtyEntities:   make(map[string]bool),
		dirtyConfig:     make(map[string]struct{}),
	}
	if e.locks == nil {
		e.locks = deploylock.NewManager()
	}
	if e.feed == nil {
		e.feed = noopSink{}
	}
	if e.cast == nil {
		e.cast = noopCast{}
	}
	if e.ai == nil {
		e.ai = noopAI{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// SetBroadcaster installs the session fan-out after the hubs exist.
// Must be called before the hubs accept connections.
func (e *Engine) SetBroadcaster(cast Broadcaster) {
	e.mu.Lock()
	e.cast = cast
	e.mu.Unlock()
}

// SetOpSink installs the changefeed sink after the hubs exist, so
// accepted operations can also reach runtime subscribers.
func (e *Engine) SetOpSink(feed OpSink) {
	e.mu.Lock()
	e.feed = feed
	e.mu.Unlock()
}

// SetAIGate installs the AI busy-state collaborator.
func (e *Engine) SetAIGate(gate AIGate) {
	e.mu.Lock()
	e.ai = gate
	e.mu.Unlock()
}

// Locks exposes the deploy-lock manager for the admin surface.
func (e *Engine) Locks() *deploylock.Manager { return e.locks }

// Snapshot clones the full world state under the serializer.
func (e *Engine) Snapshot() world.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Serialize()
}

// WithSnapshot runs fn with a state clone while still holding the
// serializer, so a session can register for broadcasts atomically
// with the snapshot it was sent: no mutation lands between the two.
// fn must not call back into the engine.
func (e *Engine) WithSnapshot(fn func(world.Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.world.Serialize())
}

// GetBlueprint returns a clone of one blueprint, or nil.
func (e *Engine) GetBlueprint(id string) *world.Blueprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.GetBlueprint(id)
}

// GetEntity returns a clone of one entity, or nil.
func (e *Engine) GetEntity(id string) *world.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.GetEntity(id)
}

// ListEntities returns clones of all entities, optionally filtered by
// type.
func (e *Engine) ListEntities(entityType string) []*world.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.world.ListEntities()
	if entityType == "" {
		return all
	}
	out := all[:0]
	for _, ent := range all {
		if ent.Type == entityType {
			out = append(out, ent)
		}
	}
	return out
}

// Settings returns a clone of the settings map.
func (e *Engine) Settings() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Settings()
}

// Spawn returns the current default player birth transform.
func (e *Engine) Spawn() world.Spawn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Spawn()
}

// TakeFlushBatch drains the dirty sets, serializing values under the
// applier lock so the flusher performs I/O without touching shared
// state. Entities with a transient mover/uploader marker stay dirty
// until the marker clears.
func (e *Engine) TakeFlushBatch() store.FlushBatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := store.FlushBatch{
		Blueprints: make(map[string]string),
		Entities:   make(map[string]string),
		Config:     make(map[string]string),
	}
	for id, deleted := range e.dirtyBlueprints {
		if deleted {
			batch.BlueprintDeletes = append(batch.BlueprintDeletes, id)
			delete(e.dirtyBlueprints, id)
			continue
		}
		bp := e.world.GetBlueprint(id)
		if bp == nil {
			delete(e.dirtyBlueprints, id)
			continue
		}
		data, err := json.Marshal(bp)
		if err != nil {
			e.log.Error("blueprint serialize failed", zap.String("id", id), zap.Error(err))
			continue
		}
		batch.Blueprints[id] = string(data)
		delete(e.dirtyBlueprints, id)
	}
	for id, deleted := range e.dirtyEntities {
		if deleted {
			batch.EntityDeletes = append(batch.EntityDeletes, id)
			delete(e.dirtyEntities, id)
			continue
		}
		ent := e.world.GetEntity(id)
		if ent == nil {
			delete(e.dirtyEntities, id)
			continue
		}
		if !ent.Persistable() {
			continue
		}
		ent.State = nil
		data, err := json.Marshal(ent)
		if err != nil {
			e.log.Error("entity serialize failed", zap.String("id", id), zap.Error(err))
			continue
		}
		batch.Entities[id] = string(data)
		delete(e.dirtyEntities, id)
	}
	for key := range e.dirtyConfig {
		var value any
		switch key {
		case store.ConfigSettingsKey:
			value = e.world.Settings()
		case store.ConfigSpawnKey:
			value = e.world.Spawn()
		default:
			delete(e.dirtyConfig, key)
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			e.log.Error("config serialize failed", zap.String("key", key), zap.Error(err))
			continue
		}
		batch.Config[key] = string(data)
		delete(e.dirtyConfig, key)
	}
	return batch
}

// RequeueBlueprint marks a blueprint dirty again after a failed flush.
func (e *Engine) RequeueBlueprint(id string, deleted bool) {
	e.mu.Lock()
	e.dirtyBlueprints[id] = deleted
	e.mu.Unlock()
}

// RequeueEntity marks an entity dirty again after a failed flush.
func (e *Engine) RequeueEntity(id string, deleted bool) {
	e.mu.Lock()
	e.dirtyEntities[id] = deleted
	e.mu.Unlock()
}

// RequeueConfig marks a config key dirty again after a failed flush.
func (e *Engine) RequeueConfig(key string) {
	e.mu.Lock()
	e.dirtyConfig[key] = struct{}{}
	e.mu.Unlock()
}
