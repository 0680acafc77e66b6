package session

import (
	"context"
	"sync"
	"time"
)

// Revocation records that a token session was ended before its tokens expired.
type Revocation struct {
	SessionID string
	UserID    string
	RevokedAt time.Time
	Reason    string
}

// Revocations is the server-side deny list of token sessions.
//
// Access tokens are verified offline; a token whose "sid" is listed here is
// rejected at sign-in even while its signature and expiry are valid.
type Revocations interface {
	// Revoked reports whether sessionID has been revoked.
	Revoked(ctx context.Context, sessionID string) (bool, error)

	// Revoke lists a session. Revoking twice keeps the first record.
	Revoke(ctx context.Context, r Revocation) error
}

// MemoryRevocations is an in-process Revocations for dev and tests.
type MemoryRevocations struct {
	mu   sync.RWMutex
	rows map[string]Revocation
}

// NewMemoryRevocations constructs an empty MemoryRevocations.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{rows: make(map[string]Revocation)}
}

func (m *MemoryRevocations) Revoked(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[sessionID]
	return ok, nil
}

func (m *MemoryRevocations) Revoke(_ context.Context, r Revocation) error {
	if r.SessionID == "" {
		return ErrSessionNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.SessionID]; !ok {
		m.rows[r.SessionID] = r
	}
	return nil
}
