// Package deploylock provides the scope-keyed mutual exclusion that
// guards multi-file script deploys. A lock on the global scope blocks
// every scope; a scoped lock blocks only its own scope. Locks expire
// on TTL and are pruned lazily on inspection.
package deploylock

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"verse/server/internal/world"
)

// DefaultTTL applies when the caller does not ask for one.
const DefaultTTL = 120 * time.Second

// Status describes an active lock without exposing its token.
type Status struct {
	Scope      string `json:"scope"`
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquiredAt"`
	ExpiresAt  string `json:"expiresAt"`
	TTLMillis  int64  `json:"ttlMs"`
}

type lock struct {
	scope      string
	owner      string
	token      string
	acquiredAt time.Time
	expiresAt  time.Time
}

// Manager owns the in-memory lock map. Safe for concurrent use; the
// internal mutex is held only for map bookkeeping, never across I/O.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lock
	now   func() time.Time
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lock), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (l *lock) status(now time.Time) *Status {
	return &Status{
		Scope:      l.scope,
		Owner:      l.owner,
		AcquiredAt: l.acquiredAt.UTC().Format(time.RFC3339),
		ExpiresAt:  l.expiresAt.UTC().Format(time.RFC3339),
		TTLMillis:  l.expiresAt.Sub(now).Milliseconds(),
	}
}

// pruneLocked drops expired entries. Callers hold m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	for scope, l := range m.locks {
		if !now.Before(l.expiresAt) {
			delete(m.locks, scope)
		}
	}
}

// blockingLocked returns the lock that blocks operations in scope, or
// nil. The global lock blocks everything; a scoped lock blocks only
// itself.
func (m *Manager) blockingLocked(scope string) *lock {
	if l, ok := m.locks[world.ScopeGlobal]; ok {
		return l
	}
	if l, ok := m.locks[scope]; ok {
		return l
	}
	return nil
}

// Acquire takes the lock for scope. Acquiring the global scope
// requires no other lock to be active at all.
func (m *Manager) Acquire(scope, owner string, ttl time.Duration) (token string, ttlMillis int64, blocking *Status, err string) {
	if scope == "" {
		scope = world.ScopeGlobal
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	if scope == world.ScopeGlobal && len(m.locks) > 0 {
		for _, l := range m.locks {
			return "", 0, l.status(now), world.ErrDeployLocked
		}
	}
	if l := m.blockingLocked(scope); l != nil {
		return "", 0, l.status(now), world.ErrDeployLocked
	}

	l := &lock{
		scope:      scope,
		owner:      owner,
		token:      newToken(),
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}
	m.locks[scope] = l
	return l.token, ttl.Milliseconds(), nil, ""
}

// Renew pushes the expiry forward for the token owner.
func (m *Manager) Renew(token string, ttl time.Duration) (int64, string) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	for _, l := range m.locks {
		if l.token == token {
			l.expiresAt = now.Add(ttl)
			return ttl.Milliseconds(), ""
		}
	}
	return 0, world.ErrNotLocked
}

// Release drops the lock owned by token.
func (m *Manager) Release(token string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	for scope, l := range m.locks {
		if l.token == token {
			delete(m.locks, scope)
			return ""
		}
	}
	return world.ErrNotLocked
}

// StatusFor returns the lock currently blocking scope, or nil when the
// scope is unlocked.
func (m *Manager) StatusFor(scope string) *Status {
	if scope == "" {
		scope = world.ScopeGlobal
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	if l := m.blockingLocked(scope); l != nil {
		return l.status(now)
	}
	return nil
}

// Authorize checks a presented token against the locks relevant to
// scope. Returns "" when the token owns the scoped or global lock,
// deploy_lock_required when no lock is active, and deploy_locked
// (plus the blocking status) when a different token holds it.
func (m *Manager) Authorize(scope, token string) (string, *Status) {
	if scope == "" {
		scope = world.ScopeGlobal
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	l := m.blockingLocked(scope)
	if l == nil {
		return world.ErrDeployLockRequired, nil
	}
	if token == "" || l.token != token {
		return world.ErrDeployLocked, l.status(now)
	}
	return "", nil
}

func newToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}
