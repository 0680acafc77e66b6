// Package credential stores each user's completion-service credentials.
//
// The engine only reads credentials; writes come from the settings surface
// (out of process) or from operator tooling.
package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the user has no stored credential.
	ErrNotFound = errors.New("credential: not found")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("credential: invalid input")
)

// Credential is one user's completion-service configuration.
type Credential struct {
	APIKey string
	// AssistantID selects the assistant used for runs. Optional.
	AssistantID string
	UpdatedAt   time.Time
}

// Usable reports whether c carries a non-empty API key.
func (c Credential) Usable() bool { return strings.TrimSpace(c.APIKey) != "" }

// Complete reports whether c can start a run: it needs an API key and an
// assistant, its own or defaultAssistant.
func (c Credential) Complete(defaultAssistant string) bool {
	if !c.Usable() {
		return false
	}
	return strings.TrimSpace(c.AssistantID) != "" || strings.TrimSpace(defaultAssistant) != ""
}

// Redacted returns a copy safe for logs.
func (c Credential) Redacted() Credential {
	out := c
	if k := strings.TrimSpace(c.APIKey); k != "" {
		tail := k
		if len(tail) > 4 {
			tail = tail[len(tail)-4:]
		}
		out.APIKey = "…" + tail
	}
	return out
}

// Reader is the read-only view the engine depends on.
type Reader interface {
	Get(ctx context.Context, userID string) (Credential, error)
}

// Store reads and writes credentials.
type Store interface {
	Reader
	Put(ctx context.Context, userID string, c Credential) error
	Close() error
}

// MemoryStore is a dev/test Store. Keys are kept in plaintext.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Credential
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Credential)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credential{}, ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.recs[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Put(ctx context.Context, userID string, c Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.recs[userID] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
