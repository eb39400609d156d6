package config

import (
	"sync"
	"time"
)

// Manager hands out short-lived memoized snapshots so hot paths don't pay
// for a full environment walk per request, while env edits still take
// effect within one TTL.
type Manager struct {
	mu      sync.RWMutex
	snap    Config
	takenAt time.Time
	ttl     time.Duration
}

// NewManager builds a manager with the given memoization TTL. A zero or
// negative TTL disables memoization entirely.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl}
}

// Get returns the memoized snapshot, refreshing it when stale. The returned
// Config shares internal maps with other callers and must be treated as
// read-only.
func (m *Manager) Get() Config {
	if m.ttl <= 0 {
		return Snapshot()
	}

	m.mu.RLock()
	if !m.takenAt.IsZero() && time.Since(m.takenAt) < m.ttl {
		snap := m.snap
		m.mu.RUnlock()
		return snap
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takenAt.IsZero() || time.Since(m.takenAt) >= m.ttl {
		m.snap = Snapshot()
		m.takenAt = time.Now()
	}
	return m.snap
}

// Invalidate drops the memoized snapshot so the next Get re-resolves.
// Tests use this after mutating the environment.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takenAt = time.Time{}
}
