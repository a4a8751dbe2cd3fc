package store

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"verse/server/internal/world"
)

const replayPageSize = 500

// Replay reconstructs world state by folding the changefeed onto the
// given store, oldest operation first. Add and update operations carry
// full snapshots, so the fold is last-writer-wins per object; rows
// that no longer apply (already-removed objects, broken references)
// are skipped with a warning.
func Replay(ctx context.Context, feed *Changefeed, ws *world.Store, log *zap.Logger) (int64, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var cursor int64
	for {
		ops, err := feed.After(ctx, cursor, replayPageSize)
		if err != nil {
			return cursor, err
		}
		for i := range ops {
			if err := applyOperation(ws, &ops[i]); err != nil {
				log.Warn("skipping unreplayable operation",
					zap.Int64("cursor", ops[i].Cursor),
					zap.String("kind", ops[i].Kind), zap.Error(err))
			}
			cursor = ops[i].Cursor
		}
		if len(ops) < replayPageSize {
			return cursor, nil
		}
	}
}

func applyOperation(ws *world.Store, op *world.Operation) error {
	switch op.Kind {
	case world.OpBlueprintAdd, world.OpBlueprintUpdate:
		var bp world.Blueprint
		if err := decodeInto(op.Snapshot, &bp); err != nil {
			return err
		}
		if ws.GetBlueprint(bp.ID) == nil {
			return resultErr(ws.AddBlueprint(&bp))
		}
		return resultErr(ws.ReplaceBlueprint(&bp))

	case world.OpBlueprintRemove:
		id, err := patchID(op.Patch)
		if err != nil {
			return err
		}
		return resultErr(ws.RemoveBlueprint(id))

	case world.OpEntityAdd, world.OpEntityUpdate:
		var e world.Entity
		if err := decodeInto(op.Snapshot, &e); err != nil {
			return err
		}
		ws.RemoveEntity(e.ID)
		return resultErr(ws.AddEntity(&e))

	case world.OpEntityRemove:
		id, err := patchID(op.Patch)
		if err != nil {
			return err
		}
		return resultErr(ws.RemoveEntity(id))

	case world.OpSettingsUpdate:
		var changes map[string]any
		if err := decodeInto(op.Patch, &changes); err != nil {
			return err
		}
		for key, value := range changes {
			ws.SetSetting(key, value)
		}
		return nil

	case world.OpSpawnUpdate:
		var sp world.Spawn
		if err := decodeInto(op.Snapshot, &sp); err != nil {
			return err
		}
		ws.SetSpawn(sp)
		return nil
	}
	return Error.New("unknown operation kind %q", op.Kind)
}

// decodeInto round-trips a decoded JSON value into a typed record.
func decodeInto(v any, out any) error {
	if v == nil {
		return Error.New("operation carries no payload")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(json.Unmarshal(data, out))
}

func patchID(patch any) (string, error) {
	fields, ok := patch.(map[string]any)
	if !ok {
		return "", Error.New("remove operation carries no id")
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return "", Error.New("remove operation carries no id")
	}
	return id, nil
}

func resultErr(res world.Result) error {
	if res.OK {
		return nil
	}
	return Error.New("%s", res.Error)
}
