package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"frugalgpt/cmd/internal/chat"
)

var conversationsBucket = []byte("conversations")

// BoltStore keeps records in a single embedded bbolt file.
//
// The live feed is process-local: only writes made through this BoltStore
// reach its subscribers.
type BoltStore struct {
	db    *bolt.DB
	log   *slog.Logger
	feeds *feeds

	// wmu orders commit+publish so feeds observe writes in commit order.
	wmu sync.Mutex
}

// OpenBoltStore opens (or creates) the bbolt file at path.
func OpenBoltStore(path string, log *slog.Logger) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Join(ErrInvalidInput, errors.New("missing bolt path"))
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("docstore: bolt dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("docstore: bolt open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: bolt bucket: %w", err)
	}

	return &BoltStore{db: db, log: log, feeds: newFeeds(log)}, nil
}

// Close stops every feed and closes the file.
func (s *BoltStore) Close() error {
	s.feeds.closeAll()
	return s.db.Close()
}

func (s *BoltStore) Create(ctx context.Context, rec chat.Conversation) (chat.Conversation, error) {
	if err := validateCreate(rec); err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	stored := prepareCreate(rec)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return ErrClosed
		}
		if b.Get([]byte(stored.Identity)) != nil {
			return ErrAlreadyExists
		}
		return putRecord(b, stored)
	})
	if err != nil {
		return chat.Conversation{}, mapBoltErr(err)
	}
	s.feeds.publish(stored)
	return stored.Clone(), nil
}

func (s *BoltStore) Get(ctx context.Context, identity string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	var out chat.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx.Bucket(conversationsBucket), strings.TrimSpace(identity))
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return chat.Conversation{}, mapBoltErr(err)
	}
	return out, nil
}

func (s *BoltStore) Update(ctx context.Context, identity string, p Patch) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var next chat.Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		cur, err := getRecord(b, identity)
		if err != nil {
			return err
		}
		next = applyPatch(cur, p)
		return putRecord(b, next)
	})
	if err != nil {
		return chat.Conversation{}, mapBoltErr(err)
	}
	s.feeds.publish(next)
	return next.Clone(), nil
}

func (s *BoltStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil || b.Get([]byte(identity)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(identity))
	})
	if err != nil {
		return mapBoltErr(err)
	}
	s.feeds.fail(identity, ErrNotFound)
	return nil
}

func (s *BoltStore) Subscribe(ctx context.Context, identity string, onChange func(chat.Conversation), onError func(error)) (Unsubscribe, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Holding wmu keeps a concurrent write from slipping between the read
	// and the join.
	s.wmu.Lock()
	defer s.wmu.Unlock()

	w := s.feeds.join(identity, onChange, onError)
	rec, err := s.Get(ctx, identity)
	switch {
	case err == nil:
		w.offer(rec)
	case errors.Is(err, ErrNotFound):
	default:
		s.feeds.leave(w)
		return nil, err
	}
	return s.feeds.unsubscribeFunc(w), nil
}

func getRecord(b *bolt.Bucket, identity string) (chat.Conversation, error) {
	if b == nil {
		return chat.Conversation{}, ErrClosed
	}
	raw := b.Get([]byte(identity))
	if raw == nil {
		return chat.Conversation{}, ErrNotFound
	}
	var rec chat.Conversation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chat.Conversation{}, fmt.Errorf("docstore: decode %q: %w", identity, err)
	}
	return rec, nil
}

func putRecord(b *bolt.Bucket, rec chat.Conversation) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("docstore: encode %q: %w", rec.Identity, err)
	}
	return b.Put([]byte(rec.Identity), raw)
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

var _ Store = (*BoltStore)(nil)
