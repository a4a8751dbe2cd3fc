package world

// BlueprintPatch is a partial blueprint modify. Every field is
// present-or-absent: nil means "leave alone", a pointer to the zero
// value means "clear". LockToken rides along for the deploy-lock gate
// and is never merged into the record.
type BlueprintPatch struct {
	ID           string             `json:"id"`
	Version      *int               `json:"version,omitempty"`
	Name         *string            `json:"name,omitempty"`
	Desc         *string            `json:"desc,omitempty"`
	Author       *string            `json:"author,omitempty"`
	Image        *FileRef           `json:"image,omitempty"`
	Model        *string            `json:"model,omitempty"`
	Script       *string            `json:"script,omitempty"`
	ScriptEntry  *string            `json:"scriptEntry,omitempty"`
	ScriptFiles  *map[string]string `json:"scriptFiles,omitempty"`
	ScriptFormat *string            `json:"scriptFormat,omitempty"`
	ScriptRef    *string            `json:"scriptRef,omitempty"`
	Props        *map[string]any    `json:"props,omitempty"`
	Preload      *bool              `json:"preload,omitempty"`
	Public       *bool              `json:"public,omitempty"`
	Locked       *bool              `json:"locked,omitempty"`
	Frozen       *bool              `json:"frozen,omitempty"`
	Unique       *bool              `json:"unique,omitempty"`
	Disabled     *bool              `json:"disabled,omitempty"`
	Keep         *bool              `json:"keep,omitempty"`
	Scope        *string            `json:"scope,omitempty"`
	ManagedBy    *string            `json:"managedBy,omitempty"`

	LockToken string `json:"lockToken,omitempty"`
	EntityID  string `json:"entityId,omitempty"`
}

// HasScriptFields reports whether the patch touches the script bundle
// and therefore falls under the deploy-lock gate.
func (p *BlueprintPatch) HasScriptFields() bool {
	return p.Script != nil || p.ScriptEntry != nil || p.ScriptFiles != nil ||
		p.ScriptFormat != nil || p.ScriptRef != nil
}

// ApplyTo shallow-merges the patch over the record. Version and sync
// metadata are handled by the caller.
func (p *BlueprintPatch) ApplyTo(b *Blueprint) {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Desc != nil {
		b.Desc = *p.Desc
	}
	if p.Author != nil {
		b.Author = *p.Author
	}
	if p.Image != nil {
		if p.Image.URL == "" {
			b.Image = nil
		} else {
			img := *p.Image
			b.Image = &img
		}
	}
	if p.Model != nil {
		b.Model = *p.Model
	}
	if p.Script != nil {
		b.Script = *p.Script
	}
	if p.ScriptEntry != nil {
		b.ScriptEntry = *p.ScriptEntry
	}
	if p.ScriptFiles != nil {
		if *p.ScriptFiles == nil {
			b.ScriptFiles = nil
		} else {
			files := make(map[string]string, len(*p.ScriptFiles))
			for k, v := range *p.ScriptFiles {
				files[k] = v
			}
			b.ScriptFiles = files
		}
	}
	if p.ScriptFormat != nil {
		b.ScriptFormat = *p.ScriptFormat
	}
	if p.ScriptRef != nil {
		b.ScriptRef = *p.ScriptRef
	}
	if p.Props != nil {
		b.Props = cloneValueMap(*p.Props)
	}
	if p.Preload != nil {
		b.Preload = *p.Preload
	}
	if p.Public != nil {
		b.Public = *p.Public
	}
	if p.Locked != nil {
		b.Locked = *p.Locked
	}
	if p.Frozen != nil {
		b.Frozen = *p.Frozen
	}
	if p.Unique != nil {
		b.Unique = *p.Unique
	}
	if p.Disabled != nil {
		b.Disabled = *p.Disabled
	}
	if p.Keep != nil {
		b.Keep = *p.Keep
	}
	if p.Scope != nil {
		b.Scope = *p.Scope
	}
	if p.ManagedBy != nil {
		b.ManagedBy = *p.ManagedBy
	}
}

// EntityPatch is a partial entity modify with the same
// present-or-absent semantics as BlueprintPatch.
type EntityPatch struct {
	ID         string          `json:"id"`
	Blueprint  *string         `json:"blueprint,omitempty"`
	Position   *[3]float64     `json:"position,omitempty"`
	Quaternion *[4]float64     `json:"quaternion,omitempty"`
	Scale      *[3]float64     `json:"scale,omitempty"`
	Pinned     *bool           `json:"pinned,omitempty"`
	Mover      *string         `json:"mover,omitempty"`
	Uploader   *string         `json:"uploader,omitempty"`
	Props      *map[string]any `json:"props,omitempty"`
	State      *map[string]any `json:"state,omitempty"`

	Name          *string  `json:"name,omitempty"`
	Avatar        *string  `json:"avatar,omitempty"`
	SessionAvatar *string  `json:"sessionAvatar,omitempty"`
	Rank          *int     `json:"rank,omitempty"`
	Health        *float64 `json:"health,omitempty"`
}

// ApplyTo shallow-merges the patch over the record.
func (p *EntityPatch) ApplyTo(e *Entity) {
	if p.Blueprint != nil {
		e.Blueprint = *p.Blueprint
	}
	if p.Position != nil {
		e.Position = *p.Position
	}
	if p.Quaternion != nil {
		e.Quaternion = *p.Quaternion
	}
	if p.Scale != nil {
		s := *p.Scale
		e.Scale = &s
	}
	if p.Pinned != nil {
		e.Pinned = *p.Pinned
	}
	if p.Mover != nil {
		e.Mover = *p.Mover
	}
	if p.Uploader != nil {
		e.Uploader = *p.Uploader
	}
	if p.Props != nil {
		e.Props = cloneValueMap(*p.Props)
	}
	if p.State != nil {
		e.State = cloneValueMap(*p.State)
	}
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Avatar != nil {
		e.Avatar = *p.Avatar
	}
	if p.SessionAvatar != nil {
		e.SessionAvatar = *p.SessionAvatar
	}
	if p.Rank != nil {
		e.Rank = *p.Rank
	}
	if p.Health != nil {
		e.Health = *p.Health
	}
}
