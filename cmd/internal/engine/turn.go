package engine

import (
	"context"
	"log/slog"
	"sync"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/transcript"
)

// Turn is a handle on one in-flight turn.
//
// The turn keeps its own transcript of what it produced, so the durable
// commit does not depend on the conversation view, which is dropped when
// the user navigates away.
type Turn struct {
	ID   string
	User chat.Message
	// New is set when the turn started a new conversation.
	New bool

	log     *slog.Logger
	own     *transcript.Store
	ownerID string

	mu       sync.Mutex
	view     *transcript.Store
	identity string
	err      error
	done     chan struct{}
}

func newTurn(id string, user chat.Message, identity, ownerID string, view *transcript.Store, log *slog.Logger) (*Turn, error) {
	own := transcript.New()
	if err := own.AppendOptimistic(user); err != nil {
		return nil, err
	}
	return &Turn{
		ID:       id,
		User:     user.Clone(),
		New:      identity == "",
		log:      log,
		own:      own,
		ownerID:  ownerID,
		view:     view,
		identity: identity,
		done:     make(chan struct{}),
	}, nil
}

// Identity returns the conversation identity; "" until a new conversation is assigned one.
func (t *Turn) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Done is closed when the turn has finished, including its durable writes.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Err returns the turn's outcome once Done is closed.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the turn finishes or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.Err()
	}
}

// Attached reports whether events still reach the conversation view.
func (t *Turn) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view != nil
}

func (t *Turn) setIdentity(identity string) {
	t.mu.Lock()
	t.identity = identity
	t.mu.Unlock()
}

// detach stops applying events to the conversation view.
func (t *Turn) detach() {
	t.mu.Lock()
	t.view = nil
	t.mu.Unlock()
}

func (t *Turn) attachedView() *transcript.Store {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// apply runs fn on the turn's own transcript and, while attached, on the
// view. Only the former decides the outcome; the view may have been frozen
// under us.
func (t *Turn) apply(fn func(*transcript.Store) error) error {
	if err := fn(t.own); err != nil {
		return err
	}
	if v := t.attachedView(); v != nil {
		if err := fn(v); err != nil {
			t.log.Debug("engine.turn.view_apply", "turn_id", t.ID, "err", err)
		}
	}
	return nil
}

// abort ends the turn in both transcripts and returns the notice entry.
func (t *Turn) abort(noticeID, text string) chat.Message {
	notice := t.own.AbortTurn(noticeID, text)
	if v := t.attachedView(); v != nil {
		v.AbortTurn(noticeID, text)
	}
	return notice
}

// entries returns everything the turn produced, user message first.
func (t *Turn) entries() []chat.Message {
	return t.own.Snapshot().Tail
}

func (t *Turn) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.view = nil
	t.mu.Unlock()
	close(t.done)
}
