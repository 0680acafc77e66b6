// Package transcript implements the in-memory transcript of the active
// conversation: a baseline reported by the durable store, a tail of the
// current turn's entries that have not been confirmed persisted yet, and
// settled local entries that no durable write is expected to confirm.
//
// Rendered transcript = baseline with local entries placed by CreatedAt,
// followed by the tail. An entry leaves the tail or the local set when a
// baseline containing its id arrives. Tail entries left over from an earlier
// turn are settled into the local set when the next turn starts.
package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"

	"frugalgpt/cmd/internal/chat"
)

// Snapshot is a consistent, caller-owned copy of the transcript state.
type Snapshot struct {
	Baseline []chat.Message
	Tail     []chat.Message
	// Local holds settled entries: notices and leftovers of turns that were
	// not persisted.
	Local     []chat.Message
	Rendered  []chat.Message
	Streaming bool

	// Stale is set while the live feed is interrupted; the baseline is the last one known.
	Stale bool
	// Frozen is set after a persistence conflict; no further turns are accepted.
	Frozen bool

	// Version increases on every mutation.
	Version uint64
}

// Store is the single-writer transcript for one conversation.
//
// Concurrency guarantees:
//   - All mutations serialize on one lock.
//   - Entries are replaced, never mutated through shared storage, so a Snapshot
//     never observes a half-applied update.
//   - onChange runs after the lock is released, on the mutating goroutine.
type Store struct {
	mu sync.RWMutex

	baseline  []chat.Message
	tail      []chat.Message
	local     []chat.Message
	streaming bool
	stale     bool
	frozen    bool
	version   uint64

	// active is the id of the open assistant reply of the current turn.
	active string

	now      func() time.Time
	onChange func()
}

// Option configures a Store.
type Option func(*Store)

// WithChangeHook registers fn to be called after every successful mutation.
func WithChangeHook(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithClock overrides the clock used to stamp engine-authored entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AppendOptimistic appends a locally authored message to the tail. What is
// left in the tail from the previous turn is settled first.
func (s *Store) AppendOptimistic(msg chat.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return chat.NewOpError("transcript.AppendOptimistic", chat.ErrInvalidState, "missing message id")
	}

	err := s.mutate(func() error {
		if s.frozen {
			return chat.NewOpError("transcript.AppendOptimistic", chat.ErrPersistenceConflict, "transcript frozen")
		}
		if s.streaming {
			return chat.NewOpError("transcript.AppendOptimistic", chat.ErrInvalidState, "reply is streaming")
		}
		if s.containsLocked(msg.ID) {
			return chat.NewOpError("transcript.AppendOptimistic", chat.ErrInvalidState, "duplicate message id")
		}
		s.settleLocked()
		s.tail = appendCopy(s.tail, msg.Clone())
		return nil
	})
	return err
}

// MergeBaseline replaces the baseline with the authoritative list and drops
// every tail and local entry whose id is now present in it. Unmatched tail
// entries are kept, in order, after the new baseline.
func (s *Store) MergeBaseline(baseline []chat.Message) {
	_ = s.mutate(func() error {
		s.baseline = chat.CloneMessages(baseline)

		if len(s.tail) == 0 && len(s.local) == 0 {
			return nil
		}
		known := make(map[string]struct{}, len(baseline))
		for _, m := range baseline {
			known[m.ID] = struct{}{}
		}
		s.tail = without(s.tail, known)
		s.local = without(s.local, known)
		return nil
	})
}

// Settle moves the tail into the local set. It is used when a turn ended
// without its entries being persisted; it fails while a reply is streaming.
func (s *Store) Settle() error {
	return s.mutate(func() error {
		if s.streaming {
			return chat.NewOpError("transcript.Settle", chat.ErrInvalidState, "reply is streaming")
		}
		if len(s.tail) == 0 {
			return errUnchanged
		}
		s.settleLocked()
		return nil
	})
}

// BeginStreamingReply appends an empty assistant entry and marks the
// transcript as streaming.
func (s *Store) BeginStreamingReply(id string) error {
	return s.mutate(func() error {
		if s.frozen {
			return chat.NewOpError("transcript.BeginStreamingReply", chat.ErrPersistenceConflict, "transcript frozen")
		}
		if s.containsLocked(id) {
			return chat.NewOpError("transcript.BeginStreamingReply", chat.ErrInvalidState, "duplicate message id")
		}
		s.tail = appendCopy(s.tail, chat.Message{
			ID:        id,
			Role:      chat.RoleAssistant,
			CreatedAt: s.now(),
		})
		s.streaming = true
		s.active = id
		return nil
	})
}

// ExtendLastTail appends delta to the open assistant reply of the current
// turn. Tool notices appended after it do not close it.
func (s *Store) ExtendLastTail(delta string) error {
	return s.mutate(func() error {
		i := s.activeLocked()
		if i < 0 {
			return chat.NewOpError("transcript.ExtendLastTail", chat.ErrNoActiveTurn, "")
		}
		updated := s.tail[i].Clone()
		updated.Content += delta

		next := make([]chat.Message, len(s.tail))
		copy(next, s.tail)
		next[i] = updated
		s.tail = next
		return nil
	})
}

// NoteToolInvocation appends a tool notice entry.
func (s *Store) NoteToolInvocation(id, kind string) error {
	return s.mutate(func() error {
		if s.containsLocked(id) {
			return chat.NewOpError("transcript.NoteToolInvocation", chat.ErrInvalidState, "duplicate message id")
		}
		s.tail = appendCopy(s.tail, chat.Message{
			ID:        id,
			Role:      chat.RoleToolNotice,
			Content:   chat.ToolNoticeText(kind),
			CreatedAt: s.now(),
		})
		return nil
	})
}

// EndTurn clears the streaming flag.
func (s *Store) EndTurn() {
	_ = s.mutate(func() error {
		s.streaming = false
		s.active = ""
		return nil
	})
}

// AbortTurn ends the turn after a failure. The open assistant reply, if any,
// becomes a system entry carrying notice; otherwise a new system entry with
// fallbackID is appended. The resulting system entry is returned.
func (s *Store) AbortTurn(fallbackID, notice string) chat.Message {
	var out chat.Message
	_ = s.mutate(func() error {
		s.streaming = false
		i := s.activeLocked()
		s.active = ""

		if i >= 0 {
			updated := s.tail[i].Clone()
			updated.Role = chat.RoleSystem
			updated.Content = notice

			next := make([]chat.Message, len(s.tail))
			copy(next, s.tail)
			next[i] = updated
			s.tail = next
			out = updated.Clone()
			return nil
		}

		out = chat.Message{ID: fallbackID, Role: chat.RoleSystem, Content: notice, CreatedAt: s.now()}
		s.tail = appendCopy(s.tail, out.Clone())
		return nil
	})
	return out
}

// AppendNotice adds an engine-authored system entry to the local set.
// Notices are accepted even when the transcript is frozen.
func (s *Store) AppendNotice(id, text string) {
	_ = s.mutate(func() error {
		if s.containsLocked(id) {
			return chat.ErrInvalidState
		}
		s.local = byStamp(appendCopy(s.local, chat.Message{
			ID:        id,
			Role:      chat.RoleSystem,
			Content:   text,
			CreatedAt: s.now(),
		}))
		return nil
	})
}

// RemoveLocal drops the local entry with id, if any.
func (s *Store) RemoveLocal(id string) {
	_ = s.mutate(func() error {
		for i, m := range s.local {
			if m.ID != id {
				continue
			}
			next := make([]chat.Message, 0, len(s.local)-1)
			next = append(next, s.local[:i]...)
			s.local = append(next, s.local[i+1:]...)
			return nil
		}
		return errUnchanged
	})
}

// Freeze rejects further turns after a persistence conflict.
func (s *Store) Freeze() {
	_ = s.mutate(func() error {
		s.frozen = true
		s.streaming = false
		s.active = ""
		return nil
	})
}

// SetStale records whether the baseline may be out of date.
func (s *Store) SetStale(stale bool) {
	_ = s.mutate(func() error {
		if s.stale == stale {
			return errUnchanged
		}
		s.stale = stale
		return nil
	})
}

// Streaming reports whether a reply is currently streaming.
func (s *Store) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

// Frozen reports whether the transcript has been frozen.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Snapshot returns a consistent copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rendered := make([]chat.Message, 0, len(s.baseline)+len(s.local)+len(s.tail))
	rendered = interleave(rendered, s.baseline, s.local)
	rendered = append(rendered, chat.CloneMessages(s.tail)...)

	return Snapshot{
		Baseline:  chat.CloneMessages(s.baseline),
		Tail:      chat.CloneMessages(s.tail),
		Local:     chat.CloneMessages(s.local),
		Rendered:  rendered,
		Streaming: s.streaming,
		Stale:     s.stale,
		Frozen:    s.frozen,
		Version:   s.version,
	}
}

// ---- internals ----

type sentinel string

func (e sentinel) Error() string { return string(e) }

// errUnchanged skips the version bump and change hook for no-op mutations.
const errUnchanged = sentinel("unchanged")

func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	err := fn()
	if err == nil {
		s.version++
	}
	hook := s.onChange
	s.mu.Unlock()

	if err == errUnchanged {
		return nil
	}
	if err == nil && hook != nil {
		hook()
	}
	return err
}

func (s *Store) containsLocked(id string) bool {
	for _, m := range s.tail {
		if m.ID == id {
			return true
		}
	}
	for _, m := range s.local {
		if m.ID == id {
			return true
		}
	}
	for _, m := range s.baseline {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) activeLocked() int {
	if s.active == "" {
		return -1
	}
	for i := len(s.tail) - 1; i >= 0; i-- {
		if s.tail[i].ID == s.active {
			return i
		}
	}
	return -1
}

// settleLocked moves the tail into the local set, keeping local sorted by
// CreatedAt.
func (s *Store) settleLocked() {
	if len(s.tail) == 0 {
		return
	}
	next := make([]chat.Message, 0, len(s.local)+len(s.tail))
	next = append(next, s.local...)
	s.local = byStamp(append(next, s.tail...))
	s.tail = nil
	s.active = ""
}

// interleave appends baseline to dst with each local entry placed before the
// first baseline entry created strictly after it. Local entries without a
// timestamp go last.
func interleave(dst, baseline, local []chat.Message) []chat.Message {
	j := 0
	for _, b := range baseline {
		for j < len(local) && !b.CreatedAt.IsZero() && !local[j].CreatedAt.IsZero() && local[j].CreatedAt.Before(b.CreatedAt) {
			dst = append(dst, local[j].Clone())
			j++
		}
		dst = append(dst, b.Clone())
	}
	for ; j < len(local); j++ {
		dst = append(dst, local[j].Clone())
	}
	return dst
}

// byStamp sorts msgs in place by CreatedAt. The sort is stable so entries of
// one turn keep their order.
func byStamp(msgs []chat.Message) []chat.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return stampBefore(msgs[i].CreatedAt, msgs[j].CreatedAt)
	})
	return msgs
}

// stampBefore orders zero timestamps after every real one.
func stampBefore(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	default:
		return a.Before(b)
	}
}

func without(in []chat.Message, drop map[string]struct{}) []chat.Message {
	if len(in) == 0 {
		return in
	}
	kept := make([]chat.Message, 0, len(in))
	for _, m := range in {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// appendCopy never writes into spare capacity that a previous Snapshot could share.
func appendCopy(in []chat.Message, m chat.Message) []chat.Message {
	out := make([]chat.Message, len(in), len(in)+1)
	copy(out, in)
	return append(out, m)
}
