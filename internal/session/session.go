// Package session owns the current session identifier and its rolling expiry.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"companion-telemetry/internal/model"
	"companion-telemetry/internal/store"
)

// InactivityWindow is how long a persisted session stays resumable after its
// last recorded activity.
const InactivityWindow = 30 * time.Minute

type persisted struct {
	ID           string `json:"id"`
	LastActivity int64  `json:"timestamp"` // milliseconds epoch
}

// Manager tracks the active session id. Persistence failures are non-fatal:
// reads fall back to a fresh session, failed writes are retried on the next
// mutation.
type Manager struct {
	kv store.KV

	mu       sync.Mutex
	id       string
	last     time.Time
	restored bool
}

// NewManager returns a manager that lazily restores or creates a session on
// first use.
func NewManager(kv store.KV) *Manager {
	return &Manager{kv: kv}
}

// Current returns the active session id, restoring the persisted session on
// first call if its last activity is within the inactivity window.
func (m *Manager) Current(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.restored {
		m.restore(ctx)
		m.restored = true
	}
	if m.id == "" || time.Since(m.last) > InactivityWindow {
		m.id = model.NewID("session")
		m.last = time.Now()
		m.persist(ctx)
	}
	return m.id
}

// Touch records activity against the current session, extending its expiry.
func (m *Manager) Touch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = time.Now()
	m.persist(ctx)
}

// Rotate unconditionally starts and persists a new session, returning its id.
func (m *Manager) Rotate(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = true
	m.id = model.NewID("session")
	m.last = time.Now()
	m.persist(ctx)
	return m.id
}

// StartedAt returns the creation time embedded in the current session id.
func (m *Manager) StartedAt(ctx context.Context) time.Time {
	id := m.Current(ctx)
	return time.UnixMilli(model.IDTimestamp(id))
}

func (m *Manager) restore(ctx context.Context) {
	data, err := m.kv.Get(ctx, store.KeySession)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("session: discard corrupt persisted session: %v", err)
		return
	}
	last := time.UnixMilli(p.LastActivity)
	if p.ID == "" || time.Since(last) > InactivityWindow {
		return
	}
	m.id = p.ID
	m.last = last
}

func (m *Manager) persist(ctx context.Context) {
	data, err := json.Marshal(persisted{ID: m.id, LastActivity: m.last.UnixMilli()})
	if err != nil {
		return
	}
	if err := m.kv.Set(ctx, store.KeySession, data); err != nil {
		log.Printf("session: persist failed: %v", err)
	}
}
