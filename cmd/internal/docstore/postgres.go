package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"frugalgpt/cmd/internal/chat"
)

// ErrFeedLost is reported to every open feed when the change listener loses
// its connection. Feeds stay open; once the listener is back, each receives
// the current record.
var ErrFeedLost = errors.New("docstore: feed lost")

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close stops the change listener only.
//
// Feed model:
//   - Every write runs pg_notify(channel, identity) inside its transaction.
//   - One listener connection per store re-reads notified records and fans
//     them out to local watchers, so writes from other processes are seen too.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	log     *slog.Logger
	feeds   *feeds

	mu           sync.Mutex
	listening    bool
	stopListener context.CancelFunc
	listenerDone chan struct{}
	closed       bool
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "frugalgpt").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithLogger sets the logger used by the listener.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "frugalgpt",
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	st.channel = st.schema + "_conversation_changed"
	st.feeds = newFeeds(st.log)
	return st, nil
}

// Close stops the listener and every feed. The pool stays open.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	s.closed = true
	stop, done := s.stopListener, s.listenerDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.feeds.closeAll()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec chat.Conversation) (chat.Conversation, error) {
	if err := validateCreate(rec); err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	stored := prepareCreate(rec)
	raw, err := json.Marshal(stored.Messages)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("docstore: encode messages: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.table()+` (identity, owner_id, display_name, messages, last_updated, version)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (identity) DO NOTHING`,
		stored.Identity, stored.OwnerID, stored.DisplayName, string(raw), stored.LastUpdated, stored.Version,
	)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.Conversation{}, ErrAlreadyExists
	}
	if err := s.notify(ctx, tx, stored.Identity); err != nil {
		return chat.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, err
	}
	return stored, nil
}

func (s *PostgresStore) Get(ctx context.Context, identity string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	rec, err := s.read(ctx, s.pool, strings.TrimSpace(identity), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, identity string, p Patch) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes concurrent upserts of the same record.
	cur, err := s.read(ctx, tx, identity, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}

	next := applyPatch(cur, p)
	raw, err := json.Marshal(next.Messages)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("docstore: encode messages: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET owner_id = $2,
		        display_name = $3,
		        messages = $4::jsonb,
		        last_updated = $5,
		        version = $6
		  WHERE identity = $1`,
		next.Identity, next.OwnerID, next.DisplayName, string(raw), next.LastUpdated, next.Version,
	); err != nil {
		return chat.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if err := s.notify(ctx, tx, identity); err != nil {
		return chat.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, err
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM `+s.table()+` WHERE identity = $1`, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := s.notify(ctx, tx, identity); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Subscribe(ctx context.Context, identity string, onChange func(chat.Conversation), onError func(error)) (Unsubscribe, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}

	// Join before reading so a write landing in between is still delivered;
	// the version check drops whichever copy arrives second.
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

// Listener restart delays: doubling from listenerMinBackoff, capped at
// listenerMaxBackoff.
const (
	listenerMinBackoff = 250 * time.Millisecond
	listenerMaxBackoff = 30 * time.Second
)

// ensureListener starts the LISTEN loop once. The loop restarts itself after
// a lost connection; only Close stops it.
func (s *PostgresStore) ensureListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.listening {
		return nil
	}

	c, err := s.dialListener(ctx)
	if err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.listening = true
	s.stopListener = cancel
	s.listenerDone = done

	go s.listen(lctx, c, done)
	s.log.Info("docstore.listener.start", "channel", s.channel)
	return nil
}

// dialListener takes a connection out of the pool and subscribes it to the
// channel. The connection carries LISTEN state; it never goes back to the pool.
func (s *PostgresStore) dialListener(ctx context.Context) (*pgx.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("docstore: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("docstore: listen: %w", err)
	}
	return conn.Hijack(), nil
}

func (s *PostgresStore) listen(ctx context.Context, c *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
	}()

	for {
		err := s.drain(ctx, c)
		_ = c.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("docstore.listener.fail", "channel", s.channel, "err", err)
		s.feeds.failAll(errors.Join(ErrFeedLost, err))

		if c = s.redial(ctx); c == nil {
			return
		}
		s.log.Info("docstore.listener.restart", "channel", s.channel)
		// Writes made while the listener was down were never notified.
		for _, identity := range s.feeds.identities() {
			s.refresh(ctx, identity)
		}
	}
}

// drain fans out notifications until the connection fails.
func (s *PostgresStore) drain(ctx context.Context, c *pgx.Conn) error {
	for {
		n, err := c.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.refresh(ctx, n.Payload)
	}
}

// redial retries dialListener with backoff until it succeeds or ctx ends,
// in which case it returns nil.
func (s *PostgresStore) redial(ctx context.Context) *pgx.Conn {
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(listenerBackoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := s.dialListener(dctx)
		cancel()
		if err == nil {
			return c
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("docstore.listener.redial_fail", "channel", s.channel, "attempt", attempt+1, "err", err)
	}
}

func listenerBackoff(attempt int) time.Duration {
	d := listenerMinBackoff
	for i := 0; i < attempt && d < listenerMaxBackoff; i++ {
		d *= 2
	}
	return min(d, listenerMaxBackoff)
}

// refresh re-reads identity and fans the result out to local watchers.
func (s *PostgresStore) refresh(ctx context.Context, identity string) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.Get(rctx, identity)
	switch {
	case err == nil:
		s.feeds.publish(rec)
	case errors.Is(err, ErrNotFound):
		s.feeds.fail(identity, ErrNotFound)
	case ctx.Err() != nil:
	default:
		s.log.Warn("docstore.listener.refresh_fail", "identity", identity, "err", err)
		s.feeds.fail(identity, err)
	}
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) read(ctx context.Context, q queryer, identity string, lock bool) (chat.Conversation, error) {
	sql := `SELECT identity, owner_id, display_name, messages, last_updated, version
	          FROM ` + s.table() + `
	         WHERE identity = $1`
	if lock {
		sql += ` FOR UPDATE`
	}

	var (
		rec chat.Conversation
		raw []byte
	)
	if err := q.QueryRow(ctx, sql, identity).Scan(
		&rec.Identity, &rec.OwnerID, &rec.DisplayName, &raw, &rec.LastUpdated, &rec.Version,
	); err != nil {
		return chat.Conversation{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Messages); err != nil {
			return chat.Conversation{}, fmt.Errorf("docstore: decode %q: %w", identity, err)
		}
	}
	if rec.Messages == nil {
		rec.Messages = []chat.Message{}
	}
	rec.LastUpdated = rec.LastUpdated.UTC()
	return rec, nil
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, identity string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, identity); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (s *PostgresStore) table() string { return pgIdent(s.schema, "conversations") }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
