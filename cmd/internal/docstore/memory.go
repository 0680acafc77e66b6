package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"frugalgpt/cmd/internal/chat"
)

// MemoryStore is a dev-only fallback when no database is configured.
type MemoryStore struct {
	feeds *feeds

	mu     sync.Mutex
	recs   map[string]chat.Conversation
	closed bool
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		feeds: newFeeds(log),
		recs:  make(map[string]chat.Conversation),
	}
}

// Close stops every live feed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feeds.closeAll()
	return nil
}

// Create stores a new record.
func (s *MemoryStore) Create(ctx context.Context, rec chat.Conversation) (chat.Conversation, error) {
	if err := validateCreate(rec); err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Conversation{}, ErrClosed
	}
	if _, ok := s.recs[rec.Identity]; ok {
		s.mu.Unlock()
		return chat.Conversation{}, ErrAlreadyExists
	}
	stored := prepareCreate(rec)
	s.recs[rec.Identity] = stored
	s.feeds.publish(stored)
	s.mu.Unlock()

	return stored.Clone(), nil
}

// Get returns the record for identity.
func (s *MemoryStore) Get(ctx context.Context, identity string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[strings.TrimSpace(identity)]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies p to the record for identity.
func (s *MemoryStore) Update(ctx context.Context, identity string, p Patch) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Conversation{}, ErrClosed
	}
	cur, ok := s.recs[identity]
	if !ok {
		s.mu.Unlock()
		return chat.Conversation{}, ErrNotFound
	}
	next := applyPatch(cur, p)
	s.recs[identity] = next
	// Publishing under the lock keeps feed order equal to write order.
	s.feeds.publish(next)
	s.mu.Unlock()

	return next.Clone(), nil
}

// Delete removes the record for identity.
func (s *MemoryStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[identity]; !ok {
		return ErrNotFound
	}
	delete(s.recs, identity)
	s.feeds.fail(identity, ErrNotFound)
	return nil
}

// Subscribe opens a live feed for identity.
func (s *MemoryStore) Subscribe(ctx context.Context, identity string, onChange func(chat.Conversation), onError func(error)) (Unsubscribe, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w := s.feeds.join(identity, onChange, onError)
	if rec, ok := s.recs[identity]; ok {
		w.offer(rec)
	}
	return s.feeds.unsubscribeFunc(w), nil
}

var _ Store = (*MemoryStore)(nil)
