package engine

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"verse/server/internal/world"
)

// scriptExtensions lists the file types accepted in a script bundle.
var scriptExtensions = map[string]bool{
	".js":   true,
	".mjs":  true,
	".jsx":  true,
	".ts":   true,
	".tsx":  true,
	".json": true,
	".txt":  true,
	".md":   true,
	".glsl": true,
	".wgsl": true,
}

// validScriptPath enforces the safe relative-path policy: no absolute
// paths, no parent traversal, approved extensions only.
func validScriptPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	if strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return false
	}
	return scriptExtensions[strings.ToLower(path.Ext(clean))]
}

// validateBundle checks a post-merge blueprint's script fields. The
// record either delegates through scriptRef or owns a coherent bundle
// where every path validates and the entry resolves.
func validateBundle(bp *world.Blueprint) string {
	if bp.ScriptRef != "" {
		if bp.ScriptRef == bp.ID {
			return world.ErrInvalidPayload
		}
		if bp.HasScriptBundle() && (bp.ScriptEntry != "" || len(bp.ScriptFiles) > 0) {
			return world.ErrInvalidPayload
		}
		return ""
	}
	if bp.ScriptFormat != "" &&
		bp.ScriptFormat != world.ScriptFormatModule &&
		bp.ScriptFormat != world.ScriptFormatLegacyBody {
		return world.ErrInvalidPayload
	}
	for p := range bp.ScriptFiles {
		if !validScriptPath(p) {
			return world.ErrInvalidEntry
		}
	}
	if len(bp.ScriptFiles) > 0 {
		if bp.ScriptEntry == "" {
			return world.ErrMissingEntry
		}
		if _, ok := bp.ScriptFiles[bp.ScriptEntry]; !ok {
			return world.ErrMissingEntry
		}
	}
	if bp.ScriptEntry != "" && !validScriptPath(bp.ScriptEntry) {
		return world.ErrInvalidEntry
	}
	return ""
}

// stampTime produces the next updatedAt for an object: the current
// clock, nudged forward when the previous stamp is not older, so the
// per-object history stays monotonic under clock skew.
func (e *Engine) stampTime(prev string) string {
	now := e.now().UTC()
	if prev != "" {
		if prevT, err := time.Parse(time.RFC3339Nano, prev); err == nil && !now.After(prevT) {
			now = prevT.Add(time.Millisecond)
		}
	}
	return now.Format(time.RFC3339Nano)
}

// stampSync refreshes the sync block for a mutation. UID is assigned
// once; scope falls back to derivation from the id when neither the
// patch nor the record carries one.
func (e *Engine) stampSync(s *world.Sync, id, opID string, meta Meta) {
	if s.UID == "" {
		s.UID = uuid.NewString()
	}
	if s.Scope == "" {
		s.Scope = world.ScopeForID(id)
	}
	if s.ManagedBy == "" {
		s.ManagedBy = world.ManagedLocal
	}
	s.UpdatedAt = e.stampTime(s.UpdatedAt)
	s.UpdatedBy = meta.Actor
	s.UpdateSource = meta.Source
	s.LastOpID = opID
}

// newOpID mints a globally unique operation id.
func newOpID() string { return uuid.NewString() }
