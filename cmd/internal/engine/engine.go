// Package engine is the conversation synchronization engine.
//
// One Engine serves one client connection and shows one conversation at a
// time. It reconciles three sources into the conversation's transcript:
// the user's optimistic message, the live feed of the durable record and
// the completion service's event stream. Turns keep running when the user
// navigates away; they are detached from the view and still persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
	"frugalgpt/cmd/internal/ids"
	"frugalgpt/cmd/internal/transcript"
)

// State is the engine's turn state for the active conversation.
type State uint8

const (
	// StateIdle accepts a new turn.
	StateIdle State = iota
	// StateSending means the gate passed and the user message is out; the
	// stream is not open yet.
	StateSending
	// StateStreaming means the reply stream is being consumed.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Notice texts appended to the transcript.
const (
	noticeFeedInterrupted = "Live updates were interrupted. You are seeing the last known state of this conversation."
	noticeConflict        = "This conversation was deleted or changed elsewhere and can no longer be updated."
	noticeSaveFailed      = "Part of this conversation could not be saved. Please try again."
)

// SessionSource is the read side of the per-connection session.
type SessionSource interface {
	User() (session.User, bool)
	Subscribe(fn func(session.Change)) (cancel func())
}

// Notice is a user-visible condition raised outside the request/response
// path of Send.
type Notice struct {
	// Code is chat.Code of the underlying error.
	Code     string
	Text     string
	Identity string
}

// Hooks let the owner of an Engine observe it. Hooks run on engine
// goroutines and must neither block nor call back into the Engine.
type Hooks struct {
	// OnChange is called after any change visible through View.
	OnChange func()
	// OnNavigate is called when a new conversation is assigned its identity.
	OnNavigate func(identity string)
	// OnNotice is called for stream, persistence and feed failures.
	OnNotice func(Notice)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Docs        docstore.Store
	Completion  completion.Service
	Namer       completion.Namer
	Credentials credential.Reader
	Session     SessionSource
	// Turns is shared by every Engine of the process. Nil gives the Engine
	// a registry of its own.
	Turns   *TurnRegistry
	IDs     *ids.Generator
	Metrics *Metrics
	Log     *slog.Logger
}

// View is a consistent picture of the active conversation.
type View struct {
	Identity    string
	OwnerID     string
	DisplayName string
	LastUpdated time.Time
	State       State
	CanSend     bool
	Transcript  transcript.Snapshot
}

// slot is the active conversation: its transcript, feed and identity.
type slot struct {
	store    *transcript.Store
	sub      *Subscription
	resolver *IdentityResolver
	current  atomic.Bool

	mu          sync.Mutex
	identity    string
	ownerID     string
	displayName string
	lastUpdated time.Time
	conflicted  bool
	// staleNotice is the feed-interrupted notice shown while the feed is down.
	staleNotice string
}

func (s *slot) meta() (identity, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.ownerID
}

// Engine drives turns for one connection.
//
// Concurrency guarantees:
//   - Send and SwitchConversation are serialized.
//   - The feed callbacks and the ingestor only touch the transcript through
//     transcript.Store operations.
//   - Close is idempotent; turns in flight keep running detached.
type Engine struct {
	cfg       Config
	deps      Deps
	hooks     Hooks
	log       *slog.Logger
	gate      *Gate
	committer *Committer
	ingestor  *Ingestor
	now       func() time.Time

	// base outlives the connection; turns run under it.
	base context.Context

	sendMu sync.Mutex

	mu       sync.Mutex
	cur      *slot
	state    State
	active   *Turn
	eligible bool
	eligGen  uint64
	closed   bool

	turns       sync.WaitGroup
	stopSession func()
	closeOnce   sync.Once
}

// New constructs an Engine showing a new, empty conversation.
//
// base bounds the lifetime of turns; it should be the server's context, not
// the connection's, so that turns outlive a disconnect.
func New(base context.Context, cfg Config, deps Deps, hooks Hooks) (*Engine, error) {
	if deps.Docs == nil || deps.Completion == nil || deps.Session == nil {
		return nil, errors.New("engine: docs, completion and session are required")
	}
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = ids.NewGenerator(nil)
	}
	if deps.Turns == nil {
		deps.Turns = NewTurnRegistry()
	}
	if base == nil {
		base = context.Background()
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		hooks:     hooks,
		log:       deps.Log,
		gate:      NewGate(deps.Credentials, cfg.CredentialTimeout, deps.Log, WithDefaultAssistant(cfg.DefaultAssistantID)),
		committer: NewCommitter(deps.Docs, deps.Namer, cfg, deps.Log, deps.Metrics),
		ingestor:  NewIngestor(deps.IDs, cfg.StreamIdleTimeout, deps.Log, deps.Metrics),
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
	}

	s := e.newSlot("")
	s.current.Store(true)
	e.cur = s

	e.stopSession = deps.Session.Subscribe(func(c session.Change) {
		e.log.Debug("engine.session.change", "reason", c.Reason, "signed_in", c.SignedIn)
		e.refreshEligibility()
	})
	deps.Metrics.engineOpened()
	e.refreshEligibility()
	return e, nil
}

// View returns the active conversation.
func (e *Engine) View() View {
	e.mu.Lock()
	s := e.cur
	st, ok := e.state, e.eligible
	e.mu.Unlock()

	s.mu.Lock()
	v := View{
		Identity:    s.identity,
		OwnerID:     s.ownerID,
		DisplayName: s.displayName,
		LastUpdated: s.lastUpdated,
	}
	s.mu.Unlock()

	v.State = st
	v.Transcript = s.store.Snapshot()
	v.CanSend = ok && st == StateIdle && !v.Transcript.Frozen
	return v
}

// State returns the turn state of the active conversation.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CanSend evaluates the gate now for the active conversation.
func (e *Engine) CanSend(ctx context.Context) bool {
	return e.gate.CanSend(ctx, e.subject(e.currentSlot()))
}

// SwitchConversation makes identity the active conversation ("" starts a
// new one).
//
// The previous feed is closed and an in-flight turn is detached from the
// view; the turn itself keeps running and is persisted. Switching to the
// active identity is a no-op. Opening an existing conversation requires a
// signed-in owner.
func (e *Engine) SwitchConversation(ctx context.Context, identity string) error {
	const op = "engine.SwitchConversation"

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	identity = strings.TrimSpace(identity)
	if e.isClosed() {
		return chat.NewOpError(op, chat.ErrInvalidState, "engine closed")
	}
	if cur, _ := e.currentSlot().meta(); identity != "" && cur == identity {
		return nil
	}

	var rec chat.Conversation
	if identity != "" {
		u, ok := e.deps.Session.User()
		if !ok {
			return chat.NewOpError(op, chat.ErrNotEligible, "not signed in")
		}
		var err error
		rec, err = e.deps.Docs.Get(ctx, identity)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if rec.OwnerID != u.ID {
			return chat.NewOpError(op, chat.ErrNotEligible, "not the conversation owner")
		}
	}

	next := e.newSlot(identity)
	if identity != "" {
		next.setRecord(rec)
		next.store.MergeBaseline(rec.Messages)
	}

	e.mu.Lock()
	prev := e.cur
	detached := e.active
	e.cur = next
	e.active = nil
	e.state = StateIdle
	e.mu.Unlock()

	prev.current.Store(false)
	next.current.Store(true)
	prev.sub.Stop()
	if detached != nil {
		detached.detach()
		e.log.Info("engine.turn.detach", "turn_id", detached.ID, "identity", detached.Identity())
	}

	var openErr error
	if identity != "" {
		if openErr = e.openFeed(ctx, next, identity); openErr != nil {
			next.store.SetStale(true)
		}
	}

	e.log.Info("engine.switch", "identity", identity)
	e.refreshEligibility()
	e.changed()
	if openErr != nil {
		return fmt.Errorf("%s: %w: %w", op, chat.ErrFeedInterrupted, openErr)
	}
	return nil
}

// Send starts a turn in the active conversation.
//
// The gate is checked first; an ineligible send fails with
// chat.ErrNotEligible and touches neither the completion service nor the
// document store. The returned Turn completes when the reply has been
// consumed and persisted (or the turn has aborted).
func (e *Engine) Send(ctx context.Context, content string, attachments []chat.Attachment) (*Turn, error) {
	const op = "engine.Send"

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, chat.NewOpError(op, chat.ErrInvalidState, "empty message")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, chat.NewOpError(op, chat.ErrInvalidState, "engine closed")
	}
	s, st := e.cur, e.state
	e.mu.Unlock()

	if st != StateIdle {
		return nil, chat.NewOpError(op, chat.ErrInvalidState, "a turn is already in flight")
	}
	if s.store.Frozen() {
		return nil, chat.NewOpError(op, chat.ErrPersistenceConflict, "conversation is frozen")
	}

	subj := e.subject(s)
	grant, err := e.gate.Check(ctx, subj)
	if err != nil {
		e.deps.Metrics.turn("rejected")
		e.log.Info("engine.send.reject", "identity", subj.Identity, "code", chat.Code(err))
		return nil, err
	}

	msg := chat.Message{
		ID:          e.deps.IDs.Next(),
		Role:        chat.RoleUser,
		Content:     content,
		Attachments: append([]chat.Attachment(nil), attachments...),
		CreatedAt:   e.now(),
	}

	e.mu.Lock()
	if e.closed || e.cur != s || e.state != StateIdle {
		e.mu.Unlock()
		return nil, chat.NewOpError(op, chat.ErrInvalidState, "conversation changed")
	}
	t, err := newTurn(e.deps.IDs.Next(), msg, subj.Identity, grant.UserID, s.store, e.log)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if subj.Identity != "" && !e.deps.Turns.Claim(subj.Identity, t.ID) {
		e.mu.Unlock()
		e.deps.Metrics.turn("rejected")
		e.log.Info("engine.send.reject", "identity", subj.Identity, "reason", "turn_in_flight")
		return nil, chat.NewOpError(op, chat.ErrInvalidState, "a turn is still running for this conversation")
	}
	if err := s.store.AppendOptimistic(msg); err != nil {
		e.deps.Turns.Release(subj.Identity, t.ID)
		e.mu.Unlock()
		return nil, err
	}
	e.state = StateSending
	e.active = t
	e.turns.Add(1)
	e.mu.Unlock()

	e.log.Info("engine.turn.start", "turn_id", t.ID, "identity", subj.Identity, "user_id", grant.UserID, "new", t.New)
	e.changed()

	go e.runTurn(s, t, grant)
	return t, nil
}

// Close detaches the engine from its conversation. Turns in flight keep
// running until they finish or the base context ends.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		s := e.cur
		t := e.active
		e.active = nil
		e.state = StateIdle
		e.mu.Unlock()

		if e.stopSession != nil {
			e.stopSession()
		}
		s.current.Store(false)
		s.sub.Stop()
		if t != nil {
			t.detach()
		}
		e.deps.Metrics.engineClosed()
		e.log.Debug("engine.close")
	})
}

// Wait blocks until every turn started by e has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.turns.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ---- turn lifecycle ----

func (e *Engine) runTurn(s *slot, t *Turn, grant Grant) {
	defer e.turns.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine.turn.panic", "turn_id", t.ID, "panic", r)
			t.abort(e.deps.IDs.Next(), abortNoticeFor(t))
			err = chat.NewOpError("engine.runTurn", chat.ErrStreamAborted, fmt.Sprint(r))
		}
		e.finishTurn(s, t, err)
	}()

	identity := t.Identity()
	if identity != "" {
		// Existing conversation: persist the user message without waiting.
		e.turns.Add(1)
		go func() {
			defer e.turns.Done()
			_, cerr := e.committer.CommitUser(e.base, UserCommit{
				Identity: identity,
				OwnerID:  t.ownerID,
				Message:  t.User,
			})
			if cerr != nil {
				e.persistFailed(s, identity, cerr)
			}
		}()
	}

	tctx, cancel := context.WithCancel(e.base)
	defer cancel()

	started := time.Now()
	ct, serr := e.start(tctx, cancel, completion.Request{
		Identity:    identity,
		Content:     t.User.Content,
		Attachments: t.User.Attachments,
		Credential:  grant.Credential,
	})
	if serr != nil {
		err = e.failTurn(s, t, serr)
		return
	}
	e.deps.Metrics.streamOpened(time.Since(started).Seconds())
	defer e.deps.Metrics.streamClosed()

	if t.New {
		if err = e.adopt(s, t, ct.Identity, grant); err != nil {
			_ = ct.Stream.Close()
			return
		}
	}

	e.mu.Lock()
	if e.active == t {
		e.state = StateStreaming
	}
	e.mu.Unlock()
	e.changed()

	err = e.ingestor.Run(tctx, t, ct.Stream, IngestHooks{
		Final: func(ctx context.Context, tail []chat.Message) error {
			id := t.Identity()
			ferr := e.committer.CommitFinal(ctx, id, t.ID, t.ownerID, tail)
			if ferr != nil {
				e.persistFailed(s, id, ferr)
			}
			return ferr
		},
		Failed: func(ctx context.Context, cause error, user, notice chat.Message) {
			e.partialFailure(ctx, s, t, cause, notice)
		},
	})
}

// start calls the completion service, retrying once on a transport fault.
// The retry resumes after the last remote write that is known to have
// succeeded and is skipped when that is unknown. The call is bounded by
// StartTimeout; the stream itself is not.
func (e *Engine) start(ctx context.Context, cancel context.CancelFunc, req completion.Request) (completion.Turn, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(e.cfg.StartTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	var (
		ct  completion.Turn
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		ct, err = e.deps.Completion.Start(ctx, req)
		if err == nil {
			if !timer.Stop() && timedOut.Load() {
				_ = ct.Stream.Close()
				return completion.Turn{}, fmt.Errorf("%w: start timed out after %s", completion.ErrTransport, e.cfg.StartTimeout)
			}
			return ct, nil
		}
		if timedOut.Load() {
			return completion.Turn{}, fmt.Errorf("%w: start timed out after %s", completion.ErrTransport, e.cfg.StartTimeout)
		}
		if !completion.Retryable(err) || ctx.Err() != nil {
			return completion.Turn{}, err
		}
		next, ok := completion.Resume(req, err)
		if !ok {
			// The user message may already be on the remote conversation.
			e.log.Warn("engine.start.no_retry", "identity", req.Identity, "err", err)
			return completion.Turn{}, err
		}
		req = next
		e.log.Info("engine.start.retry", "identity", req.Identity, "message_posted", req.MessagePosted, "err", err)
	}
	return completion.Turn{}, err
}

// adopt creates the durable record of a new conversation and assigns its
// identity. The record must exist before the feed opens on it.
func (e *Engine) adopt(s *slot, t *Turn, identity string, grant Grant) error {
	const op = "engine.adopt"

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return e.failTurn(s, t, fmt.Errorf("%w: service returned no identity", completion.ErrTransport))
	}

	rec, err := e.committer.CommitUser(e.base, UserCommit{
		Assigned:   identity,
		OwnerID:    t.ownerID,
		Message:    t.User,
		Credential: grant.Credential,
	})
	if err != nil {
		// Without a record nothing of this turn can be persisted.
		e.log.Warn("engine.adopt.fail", "turn_id", t.ID, "identity", identity, "err", err)
		return e.failTurn(s, t, err)
	}

	t.setIdentity(identity)
	if !e.deps.Turns.Claim(identity, t.ID) {
		// A fresh identity is held by nobody else; a service reusing one is a bug on its side.
		e.log.Warn("engine.adopt.claimed", "turn_id", t.ID, "identity", identity)
	}

	s.setRecord(rec)
	if rerr := s.resolver.Resolve(t.ID, identity); rerr != nil {
		if errors.Is(rerr, chat.ErrIdentityRace) {
			e.log.Debug("engine.identity.race", "turn_id", t.ID, "identity", identity)
			return nil
		}
		return chat.NewOpError(op, chat.KindOf(rerr), rerr.Error())
	}
	return nil
}

// assign is the IdentityResolver action for slot s.
func (e *Engine) assign(s *slot, identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()

	// A slot the user navigated away from gets no feed and no navigation.
	if !s.current.Load() {
		return
	}
	if err := e.openFeed(e.base, s, identity); err != nil {
		s.store.SetStale(true)
		e.notice(s, identity, chat.ErrFeedInterrupted, noticeFeedInterrupted)
	}
	e.log.Info("engine.identity.assign", "identity", identity)
	if e.hooks.OnNavigate != nil {
		e.hooks.OnNavigate(identity)
	}
	e.refreshEligibility()
	e.changed()
}

// failTurn aborts a turn that never reached its stream.
func (e *Engine) failTurn(s *slot, t *Turn, cause error) error {
	e.log.Warn("engine.turn.abort", "turn_id", t.ID, "identity", t.Identity(), "err", cause)
	notice := t.abort(e.deps.IDs.Next(), abortNoticeFor(t))
	e.partialFailure(e.base, s, t, cause, notice)
	return chat.NewOpError("engine.Send", chat.ErrStreamAborted, cause.Error())
}

func (e *Engine) partialFailure(ctx context.Context, s *slot, t *Turn, cause error, notice chat.Message) {
	identity := t.Identity()
	e.notice(s, identity, chat.ErrStreamAborted, notice.Content)
	if identity == "" {
		// No durable record exists yet; the notice stays local.
		return
	}
	if err := e.committer.CommitPartialFailure(ctx, identity, t.ownerID, t.User, notice); err != nil {
		e.persistFailed(s, identity, err)
	}
	e.log.Debug("engine.turn.partial_failure", "turn_id", t.ID, "identity", identity, "cause", cause)
}

// persistFailed surfaces a failed durable write. A conflict freezes the
// conversation's transcript.
func (e *Engine) persistFailed(s *slot, identity string, err error) {
	if errors.Is(err, chat.ErrPersistenceConflict) {
		if s.markConflicted() {
			s.store.Freeze()
			s.store.AppendNotice(e.deps.IDs.Next(), noticeConflict)
			e.notice(nil, identity, chat.ErrPersistenceConflict, noticeConflict)
		}
		return
	}
	if sameIdentity(s, identity) {
		s.store.AppendNotice(e.deps.IDs.Next(), noticeSaveFailed)
	}
	e.notice(nil, identity, chat.ErrTransportFailure, noticeSaveFailed)
}

func (e *Engine) finishTurn(s *slot, t *Turn, err error) {
	outcome := "completed"
	switch {
	case errors.Is(err, chat.ErrStreamAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "persist_failed"
	}

	e.mu.Lock()
	if e.active == t {
		e.active = nil
		e.state = StateIdle
	}
	if id := t.Identity(); id != "" {
		e.deps.Turns.Release(id, t.ID)
	}
	e.mu.Unlock()

	if v := t.attachedView(); v != nil && err != nil {
		// Whatever a failed turn left behind stays where it happened.
		if serr := v.Settle(); serr != nil {
			e.log.Debug("engine.turn.settle", "turn_id", t.ID, "err", serr)
		}
	}
	e.committer.Release(t.ID)
	e.deps.Metrics.turn(outcome)
	e.log.Info("engine.turn.finish", "turn_id", t.ID, "identity", t.Identity(), "outcome", outcome, "attached", t.Attached())
	t.finish(err)
	if s.current.Load() {
		e.changed()
	}
}

// ---- feed ----

func (e *Engine) openFeed(ctx context.Context, s *slot, identity string) error {
	return s.sub.Open(ctx, identity,
		func(rec chat.Conversation) { e.feedUpdate(s, rec) },
		func(err error) { e.feedError(s, identity, err) },
	)
}

func (e *Engine) feedUpdate(s *slot, rec chat.Conversation) {
	ownerChanged := s.setRecord(rec)
	if id := s.takeStaleNotice(); id != "" {
		s.store.RemoveLocal(id)
	}
	s.store.SetStale(false)
	s.store.MergeBaseline(rec.Messages)
	if ownerChanged && s.current.Load() {
		e.refreshEligibility()
	}
}

// feedError keeps the last baseline. A deleted record is a conflict; any
// other failure marks the view stale once.
func (e *Engine) feedError(s *slot, identity string, err error) {
	if errors.Is(err, docstore.ErrNotFound) {
		e.persistFailed(s, identity, chat.NewOpError("engine.feed", chat.ErrPersistenceConflict, "record deleted"))
		return
	}
	e.deps.Metrics.feedInterrupted()
	if s.markStale() {
		id := e.deps.IDs.Next()
		s.setStaleNotice(id)
		s.store.AppendNotice(id, noticeFeedInterrupted)
		e.notice(s, identity, chat.ErrFeedInterrupted, noticeFeedInterrupted)
	}
}

// ---- helpers ----

func (e *Engine) newSlot(identity string) *slot {
	s := &slot{identity: identity}
	s.store = transcript.New(transcript.WithChangeHook(func() {
		if s.current.Load() {
			e.changed()
		}
	}))
	s.sub = NewSubscription(e.deps.Docs, e.log)
	s.resolver = NewIdentityResolver(func(id string) { e.assign(s, id) })
	if identity != "" {
		// Existing conversations already have their identity.
		_ = s.resolver.Resolve("", identity)
	}
	return s
}

func (e *Engine) currentSlot() *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) subject(s *slot) Subject {
	identity, owner := s.meta()
	subj := Subject{Identity: identity, OwnerID: owner}
	if u, ok := e.deps.Session.User(); ok {
		subj.UserID = u.ID
	}
	return subj
}

// refreshEligibility re-evaluates the gate in the background; only the
// newest evaluation is kept.
func (e *Engine) refreshEligibility() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.eligGen++
	gen := e.eligGen
	s := e.cur
	e.mu.Unlock()

	subj := e.subject(s)
	go func() {
		ok := e.gate.CanSend(e.base, subj)

		e.mu.Lock()
		if gen != e.eligGen {
			e.mu.Unlock()
			return
		}
		changed := e.eligible != ok
		e.eligible = ok
		e.mu.Unlock()

		if changed {
			e.log.Debug("engine.eligibility", "identity", subj.Identity, "can_send", ok)
			e.changed()
		}
	}()
}

func (e *Engine) changed() {
	if e.hooks.OnChange != nil {
		e.hooks.OnChange()
	}
}

// notice reports a condition to the owner. A nil slot, or the active one,
// always reports; an inactive slot reports only for its own identity.
func (e *Engine) notice(s *slot, identity string, kind error, text string) {
	if e.hooks.OnNotice == nil {
		return
	}
	if s != nil && !s.current.Load() && !sameIdentity(e.currentSlot(), identity) {
		return
	}
	e.hooks.OnNotice(Notice{Code: chat.Code(kind), Text: text, Identity: identity})
}

// abortNoticeFor does not claim the user message was kept when no durable
// record exists for it.
func abortNoticeFor(t *Turn) string {
	if t.Identity() == "" {
		return UnsavedNotice
	}
	return AbortNotice
}

func sameIdentity(s *slot, identity string) bool {
	id, _ := s.meta()
	return identity != "" && id == identity
}

// setRecord copies the record's metadata and reports whether the owner changed.
func (s *slot) setRecord(rec chat.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.ownerID != rec.OwnerID
	if rec.Identity != "" {
		s.identity = rec.Identity
	}
	s.ownerID = rec.OwnerID
	s.displayName = rec.DisplayName
	s.lastUpdated = rec.LastUpdated
	return changed
}

// markConflicted reports whether this call moved the slot into conflict.
func (s *slot) markConflicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicted {
		return false
	}
	s.conflicted = true
	return true
}

// markStale reports whether the slot just became stale.
func (s *slot) markStale() bool {
	if s.store.Snapshot().Stale {
		return false
	}
	s.store.SetStale(true)
	return true
}

func (s *slot) setStaleNotice(id string) {
	s.mu.Lock()
	s.staleNotice = id
	s.mu.Unlock()
}

func (s *slot) takeStaleNotice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.staleNotice
	s.staleNotice = ""
	return id
}
