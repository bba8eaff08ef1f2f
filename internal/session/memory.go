package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cofradia.org/internal/auth"
)

type entry struct {
	sess    auth.Session
	expires time.Time
}

// Memory is an in-process session store with the same expiry rules as Redis.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	byID    map[string]entry
	revoked map[string]time.Time
}

var _ auth.SessionStore = (*Memory)(nil)

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, byID: make(map[string]entry), revoked: make(map[string]time.Time)}
}

func (m *Memory) Save(_ context.Context, s auth.Session, ttl time.Duration) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty session id", auth.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = entry{sess: s, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Find(_ context.Context, id string) (auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.byID, id)
		return auth.Session{}, auth.ErrNotFound
	}
	return e.sess, nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	delete(m.byID, id)
	return m.now().Before(e.expires), nil
}

func (m *Memory) RevokeRemember(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = m.now().Add(ttl)
	return nil
}

func (m *Memory) RememberRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.revoked, jti)
		return false, nil
	}
	return true, nil
}
