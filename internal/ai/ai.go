// Package ai names the external script-generation contract. The core
// routes player requests to it and asks it whether a blueprint's
// script root is mid-generation, so racing manual edits can be
// blocked.
package ai

import "verse/server/internal/world"

// Busy describes a script generation in flight.
type Busy struct {
	RootID    string `json:"rootId"`
	StartedAt string `json:"startedAt"`
}

// Service is the injected AI script subsystem.
type Service interface {
	// HandleRequest routes one aiRequest packet from a session.
	HandleRequest(sessionID string, payload []byte) error
	// BusyStateForBlueprint returns a busy descriptor when a script
	// for the blueprint's root is mid-generation, else nil.
	BusyStateForBlueprint(bp *world.Blueprint) *Busy
}

// Disabled is the service used when no generator is configured.
type Disabled struct{}

// ErrUnavailable is the named error surfaced to sessions that route
// AI requests at a world without a generator.
const ErrUnavailable = "ai_unavailable"

func (Disabled) HandleRequest(string, []byte) error { return nil }

func (Disabled) BusyStateForBlueprint(*world.Blueprint) *Busy { return nil }

// Gate adapts a Service to the mutation engine's busy check.
type Gate struct {
	Service Service
}

// BusyRootFor returns the pending root id for a blueprint, or "".
func (g Gate) BusyRootFor(bp *world.Blueprint) string {
	if g.Service == nil {
		return ""
	}
	if busy := g.Service.BusyStateForBlueprint(bp); busy != nil {
		return busy.RootID
	}
	return ""
}
