package token

import (
	"context"
	"sync"
	"time"

	"github.com/luna-platform/hub/internal/core"
)

// MemorySessionStore is the in-process SessionStore for tests and degraded
// dev mode.
type MemorySessionStore struct {
	mu       sync.Mutex
	users    map[string]*core.User
	byEmail  map[string]string
	sessions map[string]*core.Session
	refresh  map[string]*core.RefreshToken // by id
	byHash   map[string]string             // token hash -> id
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		users:    make(map[string]*core.User),
		byEmail:  make(map[string]string),
		sessions: make(map[string]*core.Session),
		refresh:  make(map[string]*core.RefreshToken),
		byHash:   make(map[string]string),
	}
}

func (ms *MemorySessionStore) CreateUser(_ context.Context, u *core.User) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *u
	ms.users[u.ID] = &copied
	ms.byEmail[u.Email] = u.ID
	return nil
}

func (ms *MemorySessionStore) GetUser(_ context.Context, userID string) (*core.User, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if u, ok := ms.users[userID]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemorySessionStore) GetUserByEmail(_ context.Context, email string) (*core.User, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if id, ok := ms.byEmail[email]; ok {
		copied := *ms.users[id]
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemorySessionStore) CreateSession(_ context.Context, s *core.Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *s
	ms.sessions[s.ID] = &copied
	return nil
}

func (ms *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*core.Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if s, ok := ms.sessions[sessionID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemorySessionStore) ListSessions(_ context.Context, userID string) ([]*core.Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := time.Now()
	var out []*core.Session
	for _, s := range ms.sessions {
		if s.UserID == userID && s.RevokedAt == nil && now.Before(s.ExpiresAt) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (ms *MemorySessionStore) TouchSession(_ context.Context, sessionID string, lastSeen time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if s, ok := ms.sessions[sessionID]; ok {
		s.LastSeen = lastSeen
	}
	return nil
}

func (ms *MemorySessionStore) RevokeSession(_ context.Context, sessionID string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if s, ok := ms.sessions[sessionID]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
	}
	return nil
}

func (ms *MemorySessionStore) RevokeAllSessions(_ context.Context, userID, exceptSessionID string, at time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	count := 0
	for id, s := range ms.sessions {
		if s.UserID == userID && id != exceptSessionID && s.RevokedAt == nil {
			s.RevokedAt = &at
			count++
		}
	}
	for _, rt := range ms.refresh {
		if rt.UserID == userID && rt.SessionID != exceptSessionID && rt.RevokedAt == nil {
			rt.RevokedAt = &at
		}
	}
	return count, nil
}

func (ms *MemorySessionStore) CreateRefreshToken(_ context.Context, rt *core.RefreshToken) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *rt
	ms.refresh[rt.ID] = &copied
	ms.byHash[rt.TokenHash] = rt.ID
	return nil
}

func (ms *MemorySessionStore) GetRefreshTokenByHash(_ context.Context, hash string) (*core.RefreshToken, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if id, ok := ms.byHash[hash]; ok {
		copied := *ms.refresh[id]
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemorySessionStore) RevokeRefreshToken(_ context.Context, id string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if rt, ok := ms.refresh[id]; ok && rt.RevokedAt == nil {
		rt.RevokedAt = &at
	}
	return nil
}

func (ms *MemorySessionStore) RevokeSessionTokens(_ context.Context, sessionID string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, rt := range ms.refresh {
		if rt.SessionID == sessionID && rt.RevokedAt == nil {
			rt.RevokedAt = &at
		}
	}
	return nil
}
