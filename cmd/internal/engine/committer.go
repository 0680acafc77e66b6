package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
)

// UserCommit is the input of Committer.CommitUser.
type UserCommit struct {
	// Identity is the existing conversation identity, or "" for a new one.
	Identity string
	// Assigned is the identity the completion service assigned to a new
	// conversation. Ignored when Identity is set.
	Assigned string
	OwnerID  string
	Message  chat.Message
	// Credential is used to name a new conversation.
	Credential credential.Credential
}

// Committer writes turns to the document store.
//
// Writes are upserts keyed by message id, so any of them may be retried or
// repeated without duplicating entries. A failed write is retried once
// unless the record is gone, which is reported as chat.ErrPersistenceConflict.
type Committer struct {
	docs    docstore.Store
	namer   completion.Namer
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	timeout     time.Duration
	nameTimeout time.Duration

	mu     sync.Mutex
	finals map[string]*finalRefs
}

// finalRefs is the CommitFinal state of one turn.
type finalRefs struct {
	calls   int
	writing bool
	written bool
}

// NewCommitter constructs a Committer. namer may be nil.
func NewCommitter(docs docstore.Store, namer completion.Namer, cfg Config, log *slog.Logger, metrics *Metrics) *Committer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Committer{
		docs:        docs,
		namer:       namer,
		log:         log,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
		timeout:     cfg.CommitTimeout,
		nameTimeout: cfg.NameTimeout,
		finals:      make(map[string]*finalRefs),
	}
}

// CommitUser persists the user's message.
//
// For an existing conversation it upserts the message. For a new one it
// creates the durable record under in.Assigned, named by the namer (or
// chat.FallbackName), owned by in.OwnerID and holding the message.
func (c *Committer) CommitUser(ctx context.Context, in UserCommit) (chat.Conversation, error) {
	const op = "engine.Committer.CommitUser"

	if strings.TrimSpace(in.Identity) != "" {
		rec, err := c.update(ctx, op, "user", in.Identity, in.OwnerID, []chat.Message{in.Message})
		return rec, err
	}

	assigned := strings.TrimSpace(in.Assigned)
	if assigned == "" {
		return chat.Conversation{}, chat.NewOpError(op, chat.ErrInvalidState, "no identity assigned")
	}

	rec := chat.Conversation{
		Identity:    assigned,
		OwnerID:     in.OwnerID,
		DisplayName: c.name(ctx, assigned, in.Credential, in.Message.Content),
		Messages:    []chat.Message{in.Message.Clone()},
		LastUpdated: c.now(),
	}

	out, err := c.retry(ctx, func(wctx context.Context, attempt int) (chat.Conversation, error) {
		created, err := c.docs.Create(wctx, rec)
		if errors.Is(err, docstore.ErrAlreadyExists) && attempt > 0 {
			// The first attempt landed before its response was lost.
			return c.docs.Get(wctx, assigned)
		}
		return created, err
	})
	if err != nil {
		c.metrics.commit("create", "error")
		return chat.Conversation{}, c.mapErr(op, err)
	}
	c.metrics.commit("create", "ok")
	c.log.Info("engine.commit.create", "identity", assigned, "owner_id", in.OwnerID, "display_name", out.DisplayName)
	return out, nil
}

// CommitFinal persists the completed entries of turnID. Once a write for
// the turn has succeeded, or while one is running, later calls are no-ops
// that return nil. A call after a failed write tries again.
func (c *Committer) CommitFinal(ctx context.Context, identity, turnID, ownerID string, tail []chat.Message) error {
	const op = "engine.Committer.CommitFinal"

	c.mu.Lock()
	st := c.finals[turnID]
	if st == nil {
		st = &finalRefs{}
		c.finals[turnID] = st
	}
	st.calls++
	calls := st.calls
	if st.written || st.writing {
		c.mu.Unlock()
		c.metrics.commit("final", "duplicate")
		c.log.Debug("engine.commit.final.duplicate", "identity", identity, "turn_id", turnID, "calls", calls)
		return nil
	}
	st.writing = true
	c.mu.Unlock()

	_, err := c.update(ctx, op, "final", identity, ownerID, tail)

	c.mu.Lock()
	st.writing = false
	st.written = err == nil
	c.mu.Unlock()
	return err
}

// Finalized reports how many times CommitFinal was called for turnID since
// the last Release.
func (c *Committer) Finalized(turnID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.finals[turnID]; st != nil {
		return st.calls
	}
	return 0
}

// Release forgets turnID. Call it once the turn can deliver no more events.
func (c *Committer) Release(turnID string) {
	c.mu.Lock()
	delete(c.finals, turnID)
	c.mu.Unlock()
}

// CommitPartialFailure persists a failed turn: the user's message and the
// system notice that replaced the reply. Partial assistant text is never
// passed here.
func (c *Committer) CommitPartialFailure(ctx context.Context, identity, ownerID string, user, notice chat.Message) error {
	const op = "engine.Committer.CommitPartialFailure"
	_, err := c.update(ctx, op, "partial_failure", identity, ownerID, []chat.Message{user, notice})
	return err
}

func (c *Committer) update(ctx context.Context, op, label, identity, ownerID string, msgs []chat.Message) (chat.Conversation, error) {
	if strings.TrimSpace(identity) == "" {
		return chat.Conversation{}, chat.NewOpError(op, chat.ErrInvalidState, "no identity")
	}

	rec, err := c.retry(ctx, func(wctx context.Context, _ int) (chat.Conversation, error) {
		return c.docs.Update(wctx, identity, docstore.Patch{
			OwnerID:  ownerID,
			Messages: msgs,
			Now:      c.now(),
		})
	})
	if err != nil {
		c.metrics.commit(label, "error")
		c.log.Warn("engine.commit.fail", "op", label, "identity", identity, "err", err)
		return chat.Conversation{}, c.mapErr(op, err)
	}
	c.metrics.commit(label, "ok")
	c.log.Debug("engine.commit.ok", "op", label, "identity", identity, "version", rec.Version, "messages", len(msgs))
	return rec, nil
}

// retry runs fn at most twice. Each attempt gets its own deadline and
// survives cancellation of ctx, so a detached turn still persists.
func (c *Committer) retry(ctx context.Context, fn func(context.Context, int) (chat.Conversation, error)) (chat.Conversation, error) {
	base := context.WithoutCancel(ctx)

	var (
		rec chat.Conversation
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		wctx, cancel := context.WithTimeout(base, c.timeout)
		rec, err = fn(wctx, attempt)
		cancel()
		if err == nil || !retryableWrite(err) {
			return rec, err
		}
		if attempt == 0 {
			c.log.Info("engine.commit.retry", "err", err)
		}
	}
	return rec, err
}

func (c *Committer) name(ctx context.Context, identity string, cred credential.Credential, first string) string {
	if c.namer == nil {
		return chat.FallbackName(identity)
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.nameTimeout)
	defer cancel()

	name, err := c.namer.Name(nctx, cred, first)
	name = strings.TrimSpace(name)
	if err != nil || name == "" {
		if err != nil {
			c.log.Info("engine.name.fallback", "identity", identity, "err", err)
		}
		return chat.FallbackName(identity)
	}
	return name
}

func (c *Committer) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return chat.NewOpError(op, chat.ErrPersistenceConflict, "conversation no longer exists")
	case errors.Is(err, docstore.ErrAlreadyExists):
		return chat.NewOpError(op, chat.ErrPersistenceConflict, "conversation already exists")
	case errors.Is(err, docstore.ErrInvalidInput):
		return chat.NewOpError(op, chat.ErrInvalidState, err.Error())
	default:
		return chat.NewOpError(op, chat.ErrTransportFailure, err.Error())
	}
}

func retryableWrite(err error) bool {
	switch {
	case errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, docstore.ErrInvalidInput),
		errors.Is(err, docstore.ErrClosed):
		return false
	case errors.Is(err, docstore.ErrAlreadyExists):
		// Only meaningful on the retry path of Create, which handles it.
		return false
	default:
		return true
	}
}
