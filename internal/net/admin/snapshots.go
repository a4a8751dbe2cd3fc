package admin

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verse/server/internal/engine"
	"verse/server/internal/world"
)

type snapshotPayload struct {
	Blueprints []*world.Blueprint `json:"blueprints"`
}

// handleSnapshotCreate archives the current blueprint table, whole or
// limited to one scope, as a single JSON blob keyed by a fresh id.
func (a *API) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
			return
		}
	}

	snap := a.engine.Snapshot()
	payload := snapshotPayload{}
	for _, bp := range snap.Blueprints {
		if req.Scope == "" || bp.Scope == req.Scope {
			payload.Blueprints = append(payload.Blueprints, bp)
		}
	}
	if req.Scope != "" && len(payload.Blueprints) == 0 {
		writeError(w, http.StatusNotFound, world.ErrScopeUnknown)
		return
	}

	value, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, world.ErrSnapshotFailed)
		return
	}
	id := uuid.NewString()
	if err := a.db.CreateDeploySnapshot(r.Context(), id, req.Scope, string(value)); err != nil {
		a.log.Error("deploy snapshot write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrSnapshotFailed)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"id": id, "scope": req.Scope, "blueprints": len(payload.Blueprints),
	})
}

// handleRollback restores an archived blueprint set. The request
// scope must equal the one the archive was taken with; restore runs
// through the engine so every record broadcasts and lands on the
// changefeed.
func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}

	record, err := a.db.GetDeploySnapshot(r.Context(), req.ID)
	if err != nil {
		a.log.Error("deploy snapshot read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrRollbackFailed)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, world.ErrNotFound)
		return
	}
	if record.Scope != req.Scope {
		writeError(w, http.StatusConflict, world.ErrScopeMismatch)
		return
	}

	var payload snapshotPayload
	if err := json.Unmarshal([]byte(record.Value), &payload); err != nil {
		writeError(w, http.StatusInternalServerError, world.ErrRollbackFailed)
		return
	}

	res := a.engine.RestoreBlueprints(payload.Blueprints, engine.Meta{
		Actor: "admin", Source: engine.SourceAdmin,
	})
	if !res.OK {
		writeResult(w, res)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"restored": len(payload.Blueprints), "scope": record.Scope,
	})
}
