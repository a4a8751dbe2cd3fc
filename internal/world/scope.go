package world

import "strings"

// ScopeForID derives the sync scope from a blueprint id: empty ids
// fall back to the global scope, the scene blueprint is its own
// scope, and derived ids of the form {app}__{variant} group under the
// base app name.
func ScopeForID(id string) string {
	if id == "" {
		return ScopeGlobal
	}
	if id == SceneID {
		return SceneID
	}
	if i := strings.Index(id, "__"); i > 0 {
		return id[:i]
	}
	return id
}
