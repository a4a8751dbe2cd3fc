package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verse/server/internal/world"
)

// Config keys holding the serialized settings map and spawn transform.
const (
	ConfigSettingsKey = "settings"
	ConfigSpawnKey    = "spawn"
)

// Hydrate loads every persisted row into the state store, backfilling
// missing sync metadata with stable defaults (no timestamp bump) and
// seeding the scene blueprint when the world is empty.
func Hydrate(ctx context.Context, db *DB, ws *world.Store, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	bpRows, err := db.ListBlueprints(ctx)
	if err != nil {
		return err
	}
	for _, row := range bpRows {
		var bp world.Blueprint
		if err := json.Unmarshal([]byte(row.Value), &bp); err != nil {
			log.Warn("skipping unreadable blueprint row", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		if bp.ID == "" {
			bp.ID = row.ID
		}
		backfillSync(&bp.Sync, bp.ID)
		if res := ws.AddBlueprint(&bp); !res.OK {
			log.Warn("skipping blueprint row", zap.String("id", bp.ID), zap.String("error", res.Error))
		}
	}

	if ws.GetBlueprint(world.SceneID) == nil {
		scene := &world.Blueprint{
			ID:        world.SceneID,
			Scene:     true,
			Keep:      true,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		backfillSync(&scene.Sync, scene.ID)
		if res := ws.AddBlueprint(scene); !res.OK {
			return Error.New("seeding scene blueprint: %s", res.Error)
		}
		log.Info("seeded scene blueprint")
	}

	entRows, err := db.ListEntities(ctx)
	if err != nil {
		return err
	}
	for _, row := range entRows {
		var e world.Entity
		if err := json.Unmarshal([]byte(row.Value), &e); err != nil {
			log.Warn("skipping unreadable entity row", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		if e.ID == "" {
			e.ID = row.ID
		}
		if e.Type != world.EntityApp {
			// Only app entities are durable; stray rows from older
			// schemas are dropped.
			continue
		}
		// Transient markers never survive a restart.
		e.Mover = ""
		e.Uploader = ""
		e.State = nil
		backfillSync(&e.Sync, e.Blueprint)
		if res := ws.AddEntity(&e); !res.OK {
			log.Warn("skipping entity row", zap.String("id", e.ID), zap.String("error", res.Error))
		}
	}

	if raw, ok, err := db.GetConfig(ctx, ConfigSettingsKey); err != nil {
		return err
	} else if ok {
		var settings map[string]any
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			log.Warn("unreadable settings row", zap.Error(err))
		} else {
			for key, value := range settings {
				ws.SetSetting(key, value)
			}
		}
	}

	if raw, ok, err := db.GetConfig(ctx, ConfigSpawnKey); err != nil {
		return err
	} else if ok {
		var spawn world.Spawn
		if err := json.Unmarshal([]byte(raw), &spawn); err != nil {
			log.Warn("unreadable spawn row", zap.Error(err))
		} else {
			ws.SetSpawn(spawn)
		}
	}

	return nil
}

// backfillSync fills missing sync fields with stable defaults. It
// never bumps updatedAt: hydration is not a mutation.
func backfillSync(s *world.Sync, scopeSourceID string) {
	if s.UID == "" {
		s.UID = uuid.NewString()
	}
	if s.Scope == "" {
		s.Scope = world.ScopeForID(scopeSourceID)
	}
	if s.ManagedBy == "" {
		s.ManagedBy = world.ManagedLocal
	}
}
