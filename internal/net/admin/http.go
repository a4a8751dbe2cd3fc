package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"verse/server/internal/assets"
	"verse/server/internal/cleaner"
	"verse/server/internal/deploylock"
	"verse/server/internal/engine"
	"verse/server/internal/store"
	"verse/server/internal/world"
)

const (
	changesDefaultLimit = 200
	changesMaxLimit     = 1000
)

// API is the HTTP admin surface. Every route requires the shared
// secret in X-Admin-Code.
type API struct {
	hub     *Hub
	engine  *engine.Engine
	feed    *store.Changefeed
	db      *store.DB
	assets  assets.Store
	cleaner *cleaner.Service
	locks   *deploylock.Manager
	maxUp   int64
	log     *zap.Logger
}

// NewAPI wires the HTTP surface onto the shared admin hub.
func NewAPI(hub *Hub, eng *engine.Engine, feed *store.Changefeed, db *store.DB, as assets.Store, cl *cleaner.Service, maxUpload int64, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		hub:     hub,
		engine:  eng,
		feed:    feed,
		db:      db,
		assets:  as,
		cleaner: cl,
		locks:   eng.Locks(),
		maxUp:   maxUpload,
		log:     log,
	}
}

// Register mounts the admin routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/snapshot", a.gate(a.handleSnapshot))
	mux.HandleFunc("GET /admin/changes", a.gate(a.handleChanges))
	mux.HandleFunc("GET /admin/blueprints/{id}", a.gate(a.handleGetBlueprint))
	mux.HandleFunc("DELETE /admin/blueprints/{id}", a.gate(a.handleDeleteBlueprint))
	mux.HandleFunc("GET /admin/entities", a.gate(a.handleEntities))
	mux.HandleFunc("GET /admin/upload-check", a.gate(a.handleUploadCheck))
	mux.HandleFunc("PUT /admin/spawn", a.gate(a.handleSpawn))
	mux.HandleFunc("POST /admin/upload", a.gate(a.handleUpload))
	mux.HandleFunc("POST /admin/clean", a.gate(a.handleClean))
	mux.HandleFunc("GET /admin/deploy-lock", a.gate(a.handleLockStatus))
	mux.HandleFunc("POST /admin/deploy-lock", a.gate(a.handleLockAcquire))
	mux.HandleFunc("PUT /admin/deploy-lock", a.gate(a.handleLockRenew))
	mux.HandleFunc("DELETE /admin/deploy-lock", a.gate(a.handleLockRelease))
	mux.HandleFunc("POST /admin/deploy-snapshots", a.gate(a.handleSnapshotCreate))
	mux.HandleFunc("POST /admin/deploy-snapshots/rollback", a.gate(a.handleRollback))
}

// gate enforces the admin code before the handler runs.
func (a *API) gate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.hub.codeValid(r.Header.Get("X-Admin-Code")) {
			writeError(w, http.StatusUnauthorized, world.ErrInvalidCode)
			return
		}
		next(w, r)
	}
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeBody(w, status, map[string]string{"error": code})
}

// statusFor maps result error codes onto HTTP statuses.
func statusFor(code string) int {
	switch code {
	case world.ErrInvalidCode, world.ErrUnauthorized:
		return http.StatusUnauthorized
	case world.ErrAdminRequired, world.ErrBuilderRequired:
		return http.StatusForbidden
	case world.ErrNotFound, world.ErrPlayerNotFound:
		return http.StatusNotFound
	case world.ErrVersionMismatch, world.ErrInUse, world.ErrDuplicateID,
		world.ErrDeployLocked, world.ErrDeployLockRequired,
		world.ErrNotLocked, world.ErrNotOwner, world.ErrAIRequestPending:
		return http.StatusConflict
	case world.ErrDBUnavailable, world.ErrSnapshotFailed, world.ErrRollbackFailed,
		world.ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeResult(w http.ResponseWriter, res world.Result) {
	if res.OK {
		writeBody(w, http.StatusOK, res)
		return
	}
	writeBody(w, statusFor(res.Error), res)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeBody(w, http.StatusOK, a.engine.Snapshot())
}

type changesResponse struct {
	Cursor     int64             `json:"cursor"`
	HeadCursor int64             `json:"headCursor"`
	Operations []world.Operation `json:"operations"`
	HasMore    bool              `json:"hasMore"`
}

// handleChanges pages the changefeed. An absent or "latest" cursor is
// head-mode: the frontier with no history.
func (a *API) handleChanges(w http.ResponseWriter, r *http.Request) {
	head, err := a.feed.Head(r.Context())
	if err != nil {
		a.log.Error("changefeed head failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrDBUnavailable)
		return
	}

	rawCursor := r.URL.Query().Get("cursor")
	if rawCursor == "" || rawCursor == "latest" {
		writeBody(w, http.StatusOK, changesResponse{
			Cursor: head, HeadCursor: head, Operations: []world.Operation{},
		})
		return
	}
	cursor, err := strconv.ParseInt(rawCursor, 10, 64)
	if err != nil || cursor < 0 {
		writeError(w, http.StatusBadRequest, world.ErrInvalidCursor)
		return
	}

	limit := changesDefaultLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 1 || limit > changesMaxLimit {
			writeError(w, http.StatusBadRequest, world.ErrInvalidLimit)
			return
		}
	}

	ops, err := a.feed.After(r.Context(), cursor, limit)
	if err != nil {
		a.log.Error("changefeed read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrDBUnavailable)
		return
	}
	next := cursor
	if n := len(ops); n > 0 {
		next = ops[n-1].Cursor
	}
	writeBody(w, http.StatusOK, changesResponse{
		Cursor:     next,
		HeadCursor: head,
		Operations: ops,
		HasMore:    next < head,
	})
}

func (a *API) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	bp := a.engine.GetBlueprint(r.PathValue("id"))
	if bp == nil {
		writeError(w, http.StatusNotFound, world.ErrNotFound)
		return
	}
	writeBody(w, http.StatusOK, bp)
}

func (a *API) handleDeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	res := a.engine.RemoveBlueprint(r.PathValue("id"), engine.Meta{
		Actor: "admin", Source: engine.SourceAdmin,
	})
	writeResult(w, res)
}

func (a *API) handleEntities(w http.ResponseWriter, r *http.Request) {
	writeBody(w, http.StatusOK, a.engine.ListEntities(r.URL.Query().Get("type")))
}

// handleUploadCheck reports whether a content-addressed name is
// already stored, so clients can skip redundant uploads.
func (a *API) handleUploadCheck(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if !assets.ValidName(name) {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	exists, err := a.assets.Exists(r.Context(), name)
	if err != nil {
		a.log.Error("upload check failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrServerError)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"exists": exists,
		"url":    a.assets.URL() + "/" + name,
	})
}

func (a *API) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var sp world.Spawn
	if err := json.NewDecoder(r.Body).Decode(&sp); err != nil {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	writeResult(w, a.engine.ModifySpawn(sp, engine.Meta{
		Actor: "admin", Source: engine.SourceAdmin,
	}))
}

// handleUpload stores one multipart file under its content hash.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUp)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	defer file.Close()

	name, err := a.assets.Upload(r.Context(), filepath.Ext(header.Filename), file)
	if err != nil {
		a.log.Error("upload failed", zap.String("filename", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrServerError)
		return
	}
	writeBody(w, http.StatusOK, map[string]string{
		"name": name,
		"url":  a.assets.URL() + "/" + name,
	})
}

func (a *API) handleClean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dryrun"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	report, err := a.cleaner.Run(ctx, req.DryRun)
	if err != nil {
		a.log.Error("cleaner run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, world.ErrServerError)
		return
	}
	writeBody(w, http.StatusOK, report)
}

func (a *API) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = world.ScopeGlobal
	}
	status := a.locks.StatusFor(scope)
	if status == nil {
		writeBody(w, http.StatusOK, map[string]any{"locked": false})
		return
	}
	writeBody(w, http.StatusOK, map[string]any{"locked": true, "lock": status})
}

func (a *API) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
		Owner string `json:"owner"`
		TTLMs int64  `json:"ttlMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scope == "" {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	token, ttlMs, blocking, errCode := a.locks.Acquire(req.Scope, req.Owner, ttl)
	if errCode != "" {
		writeBody(w, statusFor(errCode), map[string]any{
			"error": errCode, "lock": blocking,
		})
		return
	}
	writeBody(w, http.StatusOK, map[string]any{"token": token, "ttlMs": ttlMs})
}

func (a *API) handleLockRenew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		TTLMs int64  `json:"ttlMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	ttlMs, errCode := a.locks.Renew(req.Token, time.Duration(req.TTLMs)*time.Millisecond)
	if errCode != "" {
		writeError(w, statusFor(errCode), errCode)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{"ttlMs": ttlMs})
}

func (a *API) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, world.ErrInvalidPayload)
		return
	}
	if errCode := a.locks.Release(req.Token); errCode != "" {
		writeError(w, statusFor(errCode), errCode)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{"released": true})
}
