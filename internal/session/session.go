// Package session carries the impersonation view across requests. The
// ticket for an admin names the open session and its target; the HTTP
// layer turns it back into an impersonation.View on every request.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session: no view ticket")

// Ticket is the persisted part of an impersonation view.
type Ticket struct {
	SessionID string    `json:"session_id"`
	AdminID   string    `json:"admin_id"`
	TargetID  string    `json:"target_id"`
	StartedAt time.Time `json:"started_at"`
}

// Store keeps at most one ticket per admin.
type Store interface {
	Put(ctx context.Context, t Ticket, ttl time.Duration) error
	Get(ctx context.Context, adminID string) (Ticket, error)
	Delete(ctx context.Context, adminID string) error
}

// MemoryStore is a Store for single-process runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	ticket    Ticket
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, t Ticket, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.AdminID] = memoryEntry{ticket: t, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, adminID string) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tickets[adminID]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.tickets, adminID)
		return Ticket{}, ErrNotFound
	}
	return e.ticket, nil
}

func (m *MemoryStore) Delete(_ context.Context, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tickets, adminID)
	return nil
}
