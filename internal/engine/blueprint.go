package engine

import (
	"fmt"
	"time"

	"verse/server/internal/world"
)

// AddBlueprint creates a new blueprint.
func (e *Engine) AddBlueprint(bp *world.Blueprint, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addBlueprintLocked(bp, meta, true)
}

func (e *Engine) addBlueprintLocked(bp *world.Blueprint, meta Meta, gate bool) world.Result {
	if bp == nil || bp.ID == "" {
		return world.Fail(world.ErrInvalidPayload)
	}
	bp = bp.Clone()

	// A create that lands a script is a script mutation like any
	// other and passes through the same deploy-lock gate as a modify.
	// Fork and rollback creates skip it: their callers authorized.
	if gate && meta.Source != SourceAI && (bp.ScriptRef != "" || bp.HasScriptBundle()) {
		scope := bp.Scope
		if scope == "" {
			scope = world.ScopeForID(bp.ID)
		}
		if code, status := e.locks.Authorize(scope, meta.LockToken); code != "" {
			return world.Result{Error: code, Lock: status}
		}
	}

	if bp.ScriptRef != "" {
		root, code := e.resolveScriptRootLocked(bp.ID, bp.ScriptRef)
		if code != "" {
			return world.Fail(code)
		}
		// A reference blueprint never carries its own bundle; the
		// resolved root's script URL is copied onto the record.
		bp.Script = root.Script
		bp.ScriptEntry = ""
		bp.ScriptFiles = nil
		bp.ScriptFormat = ""
	}
	if code := validateBundle(bp); code != "" {
		return world.Fail(code)
	}

	if bp.Version <= 0 {
		bp.Version = 1
	}
	if bp.CreatedAt == "" {
		bp.CreatedAt = e.now().UTC().Format(time.RFC3339Nano)
	}

	opID := newOpID()
	e.stampSync(&bp.Sync, bp.ID, opID, meta)

	if res := e.world.AddBlueprint(bp); !res.OK {
		return res
	}

	added := e.world.GetBlueprint(bp.ID)
	e.cast.Broadcast(Event{Kind: EvBlueprintAdded, Data: added}, meta.SessionID)
	e.dirtyBlueprints[bp.ID] = false
	e.feed.Append(world.Operation{
		OpID:      opID,
		Ts:        bp.UpdatedAt,
		Actor:     meta.Actor,
		Source:    meta.Source,
		Kind:      world.OpBlueprintAdd,
		ObjectUID: bp.UID,
		Snapshot:  added,
	})
	return world.Ok()
}

// ModifyBlueprint applies a partial blueprint modify under the
// version, AI-busy, and deploy-lock rules.
func (e *Engine) ModifyBlueprint(patch *world.BlueprintPatch, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modifyBlueprintLocked(patch, meta, true)
}

func (e *Engine) modifyBlueprintLocked(patch *world.BlueprintPatch, meta Meta, gate bool) world.Result {
	if patch == nil || patch.ID == "" {
		return world.Fail(world.ErrInvalidPayload)
	}
	current := e.world.GetBlueprint(patch.ID)
	if current == nil {
		return world.Fail(world.ErrNotFound)
	}

	// Optimistic concurrency: a submitted version must be strictly
	// greater than the held one. The loser gets the authoritative
	// record back, and its session receives a revert broadcast so the
	// optimistic UI reconciles.
	newVersion := current.Version + 1
	if patch.Version != nil {
		if *patch.Version <= current.Version {
			if meta.SessionID != "" {
				e.cast.SendTo(meta.SessionID, Event{Kind: EvBlueprintModified, Data: current})
			}
			return world.Result{Error: world.ErrVersionMismatch, Current: current}
		}
		newVersion = *patch.Version
	}

	if patch.HasScriptFields() && meta.Source != SourceAI {
		if pending := e.ai.BusyRootFor(current); pending != "" {
			return world.Result{Error: world.ErrAIRequestPending, Pending: pending}
		}
		if gate {
			scope := current.Scope
			if patch.Scope != nil && *patch.Scope != "" {
				scope = *patch.Scope
			}
			if scope == "" {
				scope = world.ScopeForID(patch.ID)
			}
			token := patch.LockToken
			if token == "" {
				token = meta.LockToken
			}
			if code, status := e.locks.Authorize(scope, token); code != "" {
				return world.Result{Error: code, Lock: status}
			}
		}
	}

	if patch.ScriptRef != nil && *patch.ScriptRef != "" {
		if patchHasInlineScript(patch) {
			return world.Fail(world.ErrInvalidPayload)
		}
		root, code := e.resolveScriptRootLocked(patch.ID, *patch.ScriptRef)
		if code != "" {
			return world.Fail(code)
		}
		script := root.Script
		empty := ""
		var noFiles map[string]string
		patch.Script = &script
		patch.ScriptEntry = &empty
		patch.ScriptFiles = &noFiles
		patch.ScriptFormat = &empty
	}

	merged := current.Clone()
	patch.ApplyTo(merged)
	if code := validateBundle(merged); code != "" {
		return world.Fail(code)
	}

	if res := e.world.ModifyBlueprint(patch); !res.OK {
		return res
	}

	opID := newOpID()
	sync := merged.Sync
	e.stampSync(&sync, patch.ID, opID, meta)
	e.world.SetBlueprintSync(patch.ID, sync, newVersion)

	updated := e.world.GetBlueprint(patch.ID)
	e.cast.Broadcast(Event{Kind: EvBlueprintModified, Data: updated}, meta.SessionID)
	e.dirtyBlueprints[patch.ID] = false
	e.feed.Append(world.Operation{
		OpID:      opID,
		Ts:        sync.UpdatedAt,
		Actor:     meta.Actor,
		Source:    meta.Source,
		Kind:      world.OpBlueprintUpdate,
		ObjectUID: sync.UID,
		Patch:     patch,
		Snapshot:  updated,
	})
	return world.Ok()
}

// RemoveBlueprint deletes a blueprint that no entity references.
func (e *Engine) RemoveBlueprint(id string, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeBlueprintLocked(id, meta)
}

func (e *Engine) removeBlueprintLocked(id string, meta Meta) world.Result {
	current := e.world.GetBlueprint(id)
	if current == nil {
		return world.Fail(world.ErrNotFound)
	}
	if res := e.world.RemoveBlueprint(id); !res.OK {
		return res
	}

	opID := newOpID()
	ts := e.stampTime(current.UpdatedAt)
	e.cast.Broadcast(Event{Kind: EvBlueprintRemoved, Data: map[string]any{"id": id}}, meta.SessionID)
	e.dirtyBlueprints[id] = true
	e.feed.Append(world.Operation{
		OpID:      opID,
		Ts:        ts,
		Actor:     meta.Actor,
		Source:    meta.Source,
		Kind:      world.OpBlueprintRemove,
		ObjectUID: current.UID,
		Patch:     map[string]any{"id": id},
	})
	return world.Ok()
}

// ModifyBlueprintForEntity applies a script edit targeted through an
// entity. When the entity's blueprint is a pure reference, a new
// concrete blueprint is forked from the referenced root, the entity
// is rewired to it, and the edit lands on the fork; otherwise the
// edit applies in place.
func (e *Engine) ModifyBlueprintForEntity(entityID string, patch *world.BlueprintPatch, meta Meta) world.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if patch == nil {
		return world.Fail(world.ErrInvalidPayload)
	}
	ent := e.world.GetEntity(entityID)
	if ent == nil {
		return world.Fail(world.ErrNotFound)
	}
	bp := e.world.GetBlueprint(ent.Blueprint)
	if bp == nil {
		return world.Fail(world.ErrNotFound)
	}

	if bp.ScriptRef == "" || bp.HasScriptBundle() {
		patch.ID = bp.ID
		return e.modifyBlueprintLocked(patch, meta, true)
	}

	root, code := e.resolveScriptRootLocked(bp.ID, bp.ScriptRef)
	if code != "" {
		return world.Fail(code)
	}

	if patch.HasScriptFields() && meta.Source != SourceAI {
		if pending := e.ai.BusyRootFor(root); pending != "" {
			return world.Result{Error: world.ErrAIRequestPending, Pending: pending}
		}
		scope := root.Scope
		if scope == "" {
			scope = world.ScopeForID(root.ID)
		}
		token := patch.LockToken
		if token == "" {
			token = meta.LockToken
		}
		if code, status := e.locks.Authorize(scope, token); code != "" {
			return world.Result{Error: code, Lock: status}
		}
	}

	fork := root.Clone()
	fork.ID = e.nextForkIDLocked(root.ID)
	fork.Sync = world.Sync{}
	fork.Version = 0
	fork.ScriptRef = ""
	fork.CreatedAt = ""
	if res := e.addBlueprintLocked(fork, meta, false); !res.OK {
		return res
	}

	rewire := &world.EntityPatch{ID: entityID, Blueprint: &fork.ID}
	if res := e.modifyEntityLocked(rewire, meta); !res.OK {
		return res
	}

	patch.ID = fork.ID
	patch.Version = nil
	return e.modifyBlueprintLocked(patch, meta, false)
}

// resolveScriptRootLocked validates a scriptRef target: it must
// exist, not be the referrer itself, not itself delegate, and carry a
// concrete bundle.
func (e *Engine) resolveScriptRootLocked(selfID, refID string) (*world.Blueprint, string) {
	if refID == selfID {
		return nil, world.ErrInvalidPayload
	}
	root := e.world.GetBlueprint(refID)
	if root == nil || root.ScriptRef != "" || !root.HasScriptBundle() {
		return nil, world.ErrScriptRefNotFound
	}
	return root, ""
}

// nextForkIDLocked walks {base}_2, {base}_3, … to the first free id.
func (e *Engine) nextForkIDLocked(base string) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if e.world.GetBlueprint(candidate) == nil {
			return candidate
		}
	}
}

func patchHasInlineScript(p *world.BlueprintPatch) bool {
	if p.Script != nil && *p.Script != "" {
		return true
	}
	if p.ScriptEntry != nil && *p.ScriptEntry != "" {
		return true
	}
	if p.ScriptFiles != nil && len(*p.ScriptFiles) > 0 {
		return true
	}
	return false
}
