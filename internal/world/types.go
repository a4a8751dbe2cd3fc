package world

// SceneID is the reserved blueprint id for the singleton scene.
const SceneID = "$scene"

// ScopeGlobal is the scope assigned when nothing else is derivable.
const ScopeGlobal = "global"

// Entity type discriminators.
const (
	EntityApp    = "app"
	EntityPlayer = "player"
)

// managedBy values.
const (
	ManagedLocal   = "local"
	ManagedRuntime = "runtime"
	ManagedShared  = "shared"
)

// Script bundle formats.
const (
	ScriptFormatModule     = "module"
	ScriptFormatLegacyBody = "legacy-body"
)

// Sync is the reconciliation metadata stamped on every blueprint and
// app entity. UID is assigned once and never reused; UpdatedAt is
// monotonic per object.
type Sync struct {
	UID          string `json:"uid"`
	Scope        string `json:"scope"`
	ManagedBy    string `json:"managedBy"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	UpdatedBy    string `json:"updatedBy,omitempty"`
	UpdateSource string `json:"updateSource,omitempty"`
	LastOpID     string `json:"lastOpId,omitempty"`
}

// FileRef points at an uploaded asset.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Blueprint is a reusable recipe for an app: model, script bundle,
// props, and flags. ScriptRef, when set, delegates the script bundle
// to another blueprint and is mutually exclusive with the inline
// script fields.
type Blueprint struct {
	ID           string            `json:"id"`
	Version      int               `json:"version"`
	Name         string            `json:"name,omitempty"`
	Desc         string            `json:"desc,omitempty"`
	Author       string            `json:"author,omitempty"`
	Image        *FileRef          `json:"image,omitempty"`
	Model        string            `json:"model,omitempty"`
	Script       string            `json:"script,omitempty"`
	ScriptEntry  string            `json:"scriptEntry,omitempty"`
	ScriptFiles  map[string]string `json:"scriptFiles,omitempty"`
	ScriptFormat string            `json:"scriptFormat,omitempty"`
	ScriptRef    string            `json:"scriptRef,omitempty"`
	Props        map[string]any    `json:"props,omitempty"`
	Preload      bool              `json:"preload,omitempty"`
	Public       bool              `json:"public,omitempty"`
	Locked       bool              `json:"locked,omitempty"`
	Frozen       bool              `json:"frozen,omitempty"`
	Unique       bool              `json:"unique,omitempty"`
	Scene        bool              `json:"scene,omitempty"`
	Disabled     bool              `json:"disabled,omitempty"`
	Keep         bool              `json:"keep,omitempty"`
	CreatedAt    string            `json:"createdAt,omitempty"`
	Sync
}

// HasScriptBundle reports whether the blueprint carries a concrete
// inline script bundle (as opposed to delegating via ScriptRef).
func (b *Blueprint) HasScriptBundle() bool {
	return b.Script != "" || b.ScriptEntry != "" || len(b.ScriptFiles) > 0
}

// Clone returns a deep copy safe to hand outside the store.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	out := *b
	if b.Image != nil {
		img := *b.Image
		out.Image = &img
	}
	if b.ScriptFiles != nil {
		out.ScriptFiles = make(map[string]string, len(b.ScriptFiles))
		for k, v := range b.ScriptFiles {
			out.ScriptFiles[k] = v
		}
	}
	out.Props = cloneValueMap(b.Props)
	return &out
}

// Entity is a runtime instance in the scene: an app (blueprint-backed
// object) or a player. The Type field discriminates; fields that do
// not apply to a variant stay zero. Mover, Uploader, and State are
// transient and never persisted.
type Entity struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Position   [3]float64 `json:"position"`
	Quaternion [4]float64 `json:"quaternion"`

	// app fields
	Blueprint string         `json:"blueprint,omitempty"`
	Scale     *[3]float64    `json:"scale,omitempty"`
	Pinned    bool           `json:"pinned,omitempty"`
	Mover     string         `json:"mover,omitempty"`
	Uploader  string         `json:"uploader,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	State     map[string]any `json:"state,omitempty"`

	// player fields
	Name          string  `json:"name,omitempty"`
	Avatar        string  `json:"avatar,omitempty"`
	SessionAvatar string  `json:"sessionAvatar,omitempty"`
	Rank          int     `json:"rank,omitempty"`
	Health        float64 `json:"health,omitempty"`
	EnteredAt     string  `json:"enteredAt,omitempty"`
	UserID        string  `json:"userId,omitempty"`

	Sync
}

// Clone returns a deep copy safe to hand outside the store.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.Scale != nil {
		s := *e.Scale
		out.Scale = &s
	}
	out.Props = cloneValueMap(e.Props)
	out.State = cloneValueMap(e.State)
	return &out
}

// Persistable reports whether the entity should be written to the
// backing table right now. Players are never persisted; app entities
// are skipped while a transient mover/uploader marker is set.
func (e *Entity) Persistable() bool {
	return e.Type == EntityApp && e.Mover == "" && e.Uploader == ""
}

// Spawn is the default player birth transform.
type Spawn struct {
	Position   [3]float64 `json:"position"`
	Quaternion [4]float64 `json:"quaternion"`
}

// User is the durable account row behind a player.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
	Rank      int    `json:"rank"`
	CreatedAt string `json:"createdAt"`
}

// Operation is one durable changefeed row.
type Operation struct {
	Cursor    int64  `json:"cursor"`
	OpID      string `json:"opId"`
	Ts        string `json:"ts"`
	Actor     string `json:"actor,omitempty"`
	Source    string `json:"source,omitempty"`
	Kind      string `json:"kind"`
	ObjectUID string `json:"objectUid,omitempty"`
	Patch     any    `json:"patch,omitempty"`
	Snapshot  any    `json:"snapshot,omitempty"`
}

// Operation kinds.
const (
	OpBlueprintAdd    = "blueprint.add"
	OpBlueprintUpdate = "blueprint.update"
	OpBlueprintRemove = "blueprint.remove"
	OpEntityAdd       = "entity.add"
	OpEntityUpdate    = "entity.update"
	OpEntityRemove    = "entity.remove"
	OpSettingsUpdate  = "settings.update"
	OpSpawnUpdate     = "spawn.update"
)

// ChatMessage is one entry of the in-memory chat buffer included in
// the connect snapshot.
type ChatMessage struct {
	ID        string `json:"id"`
	From      string `json:"from,omitempty"`
	FromID    string `json:"fromId,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// Snapshot is a read-only clone of the full world state.
type Snapshot struct {
	Blueprints []*Blueprint   `json:"blueprints"`
	Entities   []*Entity      `json:"entities"`
	Settings   map[string]any `json:"settings"`
	Spawn      Spawn          `json:"spawn"`
}

func cloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneValueMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
