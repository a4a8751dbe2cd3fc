// Package voice names the external voice transport contract. The core
// never carries audio; it only hands sessions a handshake blob and
// relays moderation toggles.
package voice

// Transport is the injected voice collaborator.
type Transport interface {
	// Serialize produces the per-user handshake included in the
	// connect snapshot, or nil when voice is disabled.
	Serialize(userID string) any
	// SetMuted toggles server-side muting for a user.
	SetMuted(userID string, muted bool)
	// ClearModifiers drops all per-session modifiers on disconnect.
	ClearModifiers(userID string)
}

// Disabled is the transport used when no voice service is configured.
type Disabled struct{}

func (Disabled) Serialize(string) any  { return nil }
func (Disabled) SetMuted(string, bool) {}
func (Disabled) ClearModifiers(string) {}
