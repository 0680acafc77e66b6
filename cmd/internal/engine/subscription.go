package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/docstore"
)

var errSubscriptionStopped = errors.New("engine: subscription stopped")

// Subscription holds at most one live feed of a conversation record.
//
// Concurrency guarantees:
//   - Open closes the previous feed before subscribing, so two feeds are
//     never live at once.
//   - Callbacks of a feed that has been closed are dropped (generation check).
//   - Close is idempotent. Stop closes and refuses later Opens.
type Subscription struct {
	docs docstore.Store
	log  *slog.Logger

	mu       sync.Mutex
	gen      uint64
	identity string
	unsub    docstore.Unsubscribe
	opens    int
	stopped  bool
}

// NewSubscription constructs a closed Subscription.
func NewSubscription(docs docstore.Store, log *slog.Logger) *Subscription {
	if log == nil {
		log = slog.Default()
	}
	return &Subscription{docs: docs, log: log}
}

// Open subscribes to identity. onUpdate receives the current record once the
// feed is live and every later change; onInterrupted receives errors wrapping
// chat.ErrFeedInterrupted (and docstore.ErrNotFound when the record is gone).
func (s *Subscription) Open(ctx context.Context, identity string, onUpdate func(chat.Conversation), onInterrupted func(error)) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return docstore.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errSubscriptionStopped
	}
	s.closeLocked()

	s.gen++
	gen := s.gen

	unsub, err := s.docs.Subscribe(ctx, identity,
		func(rec chat.Conversation) {
			if !s.current(gen) {
				return
			}
			if onUpdate != nil {
				onUpdate(rec)
			}
		},
		func(err error) {
			if !s.current(gen) {
				return
			}
			s.log.Warn("engine.feed.interrupted", "identity", identity, "err", err)
			if onInterrupted != nil {
				onInterrupted(fmt.Errorf("%w: %w", chat.ErrFeedInterrupted, err))
			}
		},
	)
	if err != nil {
		return err
	}

	s.identity = identity
	s.unsub = unsub
	s.opens++
	s.log.Debug("engine.feed.open", "identity", identity, "generation", gen)
	return nil
}

// Close tears down the live feed, if any.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Stop closes the feed for good.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.stopped = true
}

// Identity returns the identity of the live feed, or "".
func (s *Subscription) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Opens returns how many feeds have been opened.
func (s *Subscription) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Subscription) closeLocked() {
	if s.unsub == nil {
		return
	}
	// Bumping the generation first drops callbacks already in flight.
	s.gen++
	unsub := s.unsub
	s.unsub = nil
	s.log.Debug("engine.feed.close", "identity", s.identity)
	s.identity = ""
	unsub()
}

func (s *Subscription) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.stopped
}
