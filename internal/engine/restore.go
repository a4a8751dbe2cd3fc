package engine

import (
	"verse/server/internal/world"
)

// RestoreBlueprints applies an archived blueprint set wholesale, as
// used by deploy-snapshot rollback. Records keep their uid when the
// id still exists; versions are forced monotonic so optimistic
// clients never see a rewind. Each record runs the full pipeline so
// broadcasts, dirty marks, and changefeed rows fire.
func (e *Engine) RestoreBlueprints(bps []*world.Blueprint, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, bp := range bps {
		if bp == nil || bp.ID == "" {
			return world.Fail(world.ErrInvalidPayload)
		}
	}

	for _, bp := range bps {
		bp = bp.Clone()
		current := e.world.GetBlueprint(bp.ID)
		if current == nil {
			if res := e.addBlueprintLocked(bp, meta, false); !res.OK {
				return res
			}
			continue
		}

		// Keep identity stable across the rollback.
		bp.UID = current.UID
		if bp.Version <= current.Version {
			bp.Version = current.Version + 1
		}
		opID := newOpID()
		e.stampSync(&bp.Sync, bp.ID, opID, meta)
		if res := e.world.ReplaceBlueprint(bp); !res.OK {
			return res
		}

		replaced := e.world.GetBlueprint(bp.ID)
		e.cast.Broadcast(Event{Kind: EvBlueprintModified, Data: replaced}, meta.SessionID)
		e.dirtyBlueprints[bp.ID] = false
		e.feed.Append(world.Operation{
			OpID:      opID,
			Ts:        bp.UpdatedAt,
			Actor:     meta.Actor,
			Source:    meta.Source,
			Kind:      world.OpBlueprintUpdate,
			ObjectUID: bp.UID,
			Snapshot:  replaced,
		})
	}
	return world.Ok()
}
