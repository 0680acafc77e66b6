// Package docstore persists conversation records and exposes a live feed of
// changes per conversation identity.
//
// Three implementations share one contract: PostgresStore (production,
// LISTEN/NOTIFY feed), BoltStore (single-node embedded file) and MemoryStore
// (dev/tests).
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"frugalgpt/cmd/internal/chat"
)

var (
	// ErrNotFound is returned when the record does not exist (or was deleted).
	ErrNotFound = errors.New("docstore: not found")
	// ErrAlreadyExists is returned by Create when the identity is taken.
	ErrAlreadyExists = errors.New("docstore: already exists")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("docstore: invalid input")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docstore: closed")
)

// Patch describes a partial update of a record.
//
// Messages are upserted by id: existing ids are replaced in place, unknown
// ids are appended in order. Re-applying the same patch is a no-op on the
// message list, which makes retries safe.
type Patch struct {
	DisplayName *string
	OwnerID     string
	Messages    []chat.Message
	Now         time.Time
}

// Unsubscribe stops a feed. It is idempotent.
type Unsubscribe func()

// Store persists conversation records.
//
// Requirements:
//   - Create fails with ErrAlreadyExists for a taken identity.
//   - Update fails with ErrNotFound for a missing record and bumps Version.
//   - Subscribe delivers the current record (if any) once, then every later
//     change in order; a deletion is reported through onError with ErrNotFound.
//     Callbacks for one subscription never run concurrently.
type Store interface {
	Create(ctx context.Context, rec chat.Conversation) (chat.Conversation, error)
	Get(ctx context.Context, identity string) (chat.Conversation, error)
	Update(ctx context.Context, identity string, p Patch) (chat.Conversation, error)
	Delete(ctx context.Context, identity string) error
	Subscribe(ctx context.Context, identity string, onChange func(chat.Conversation), onError func(error)) (Unsubscribe, error)
	Close() error
}

func validateCreate(rec chat.Conversation) error {
	if strings.TrimSpace(rec.Identity) == "" {
		return errors.Join(ErrInvalidInput, errors.New("missing identity"))
	}
	if strings.TrimSpace(rec.OwnerID) == "" {
		return errors.Join(ErrInvalidInput, errors.New("missing owner_id"))
	}
	return nil
}

// prepareCreate normalizes a record before its first write.
func prepareCreate(rec chat.Conversation) chat.Conversation {
	out := rec.Clone()
	if out.Messages == nil {
		out.Messages = []chat.Message{}
	}
	if out.LastUpdated.IsZero() {
		out.LastUpdated = time.Now().UTC()
	}
	out.Version = 1
	return out
}

// applyPatch returns cur with p applied and Version bumped.
func applyPatch(cur chat.Conversation, p Patch) chat.Conversation {
	out := cur.Clone()
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if strings.TrimSpace(p.OwnerID) != "" {
		out.OwnerID = p.OwnerID
	}
	if len(p.Messages) > 0 {
		out.Messages = chat.UpsertMessages(out.Messages, p.Messages)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out.LastUpdated = now
	out.Version = cur.Version + 1
	return out
}
