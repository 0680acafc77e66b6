package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- session ----

type fakeSession struct {
	mu   sync.Mutex
	user session.User
	in   bool
	subs map[int]func(session.Change)
	next int
}

func newFakeSession(userID string) *fakeSession {
	s := &fakeSession{subs: make(map[int]func(session.Change))}
	if userID != "" {
		s.user, s.in = session.User{ID: userID}, true
	}
	return s
}

func (s *fakeSession) User() (session.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.in
}

func (s *fakeSession) Subscribe(fn func(session.Change)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) set(userID string) {
	s.mu.Lock()
	c := session.Change{SignedIn: userID != "", Reason: "sign_in"}
	if userID == "" {
		c.User, c.Reason = s.user, "sign_out"
		s.user, s.in = session.User{}, false
	} else {
		s.user, s.in = session.User{ID: userID}, true
		c.User = s.user
	}
	subs := make([]func(session.Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// ---- completion ----

type streamItem struct {
	ev  chat.StreamEvent
	err error
}

// fakeStream is a completion.Stream fed by the test.
type fakeStream struct {
	items     chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan streamItem, 64), closed: make(chan struct{})}
}

// scripted returns a stream that yields evs and then io.EOF.
func scripted(evs ...chat.StreamEvent) *fakeStream {
	s := newFakeStream()
	for _, ev := range evs {
		s.push(ev)
	}
	s.end()
	return s
}

func (s *fakeStream) push(ev chat.StreamEvent) { s.items <- streamItem{ev: ev} }
func (s *fakeStream) fail(err error)           { s.items <- streamItem{err: err} }
func (s *fakeStream) end()                     { s.endOnce.Do(func() { close(s.items) }) }

func (s *fakeStream) Next(ctx context.Context) (chat.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return chat.StreamEvent{}, ctx.Err()
	case <-s.closed:
		return chat.StreamEvent{}, io.ErrClosedPipe
	case it, ok := <-s.items:
		if !ok {
			return chat.StreamEvent{}, io.EOF
		}
		return it.ev, it.err
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type startResult struct {
	identity string
	stream   *fakeStream
	err      error
}

// fakeService hands out queued results in order.
type fakeService struct {
	mu      sync.Mutex
	results []startResult
	reqs    []completion.Request
	calls   atomic.Int32
}

func (f *fakeService) queue(r startResult) *fakeService {
	f.mu.Lock()
	f.results = append(f.results, r)
	f.mu.Unlock()
	return f
}

func (f *fakeService) Start(ctx context.Context, req completion.Request) (completion.Turn, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	if len(f.results) == 0 {
		f.mu.Unlock()
		return completion.Turn{}, completion.ErrServiceUnavailable
	}
	r := f.results[0]
	f.results = f.results[1:]
	f.mu.Unlock()

	if r.err != nil {
		return completion.Turn{}, r.err
	}
	identity := req.Identity
	if identity == "" {
		identity = r.identity
	}
	return completion.Turn{Identity: identity, Stream: r.stream}, nil
}

func credentialFor(key string) credential.Credential {
	return credential.Credential{APIKey: key, AssistantID: "asst_test"}
}

type fakeNamer struct {
	name string
	err  error
}

func (n fakeNamer) Name(context.Context, credential.Credential, string) (string, error) {
	return n.name, n.err
}

// ---- document store ----

// countingDocs counts every call that reaches the document store.
type countingDocs struct {
	docstore.Store
	calls atomic.Int32
}

func (d *countingDocs) Create(ctx context.Context, rec chat.Conversation) (chat.Conversation, error) {
	d.calls.Add(1)
	return d.Store.Create(ctx, rec)
}

func (d *countingDocs) Get(ctx context.Context, identity string) (chat.Conversation, error) {
	d.calls.Add(1)
	return d.Store.Get(ctx, identity)
}

func (d *countingDocs) Update(ctx context.Context, identity string, p docstore.Patch) (chat.Conversation, error) {
	d.calls.Add(1)
	return d.Store.Update(ctx, identity, p)
}

func (d *countingDocs) Subscribe(ctx context.Context, identity string, onChange func(chat.Conversation), onError func(error)) (docstore.Unsubscribe, error) {
	d.calls.Add(1)
	return d.Store.Subscribe(ctx, identity, onChange, onError)
}

// ---- harness ----

type harness struct {
	engine  *Engine
	docs    *countingDocs
	mem     *docstore.MemoryStore
	creds   *credential.MemoryStore
	svc     *fakeService
	session *fakeSession
	deps    Deps
	cfg     Config

	mu        sync.Mutex
	navigated []string
	notices   []Notice
}

type harnessOpts struct {
	user     string
	apiKey   string
	cfg      Config
	namer    completion.Namer
	noCreds  bool
	seedRecs []chat.Conversation
	turns    *TurnRegistry
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	h := &harness{
		mem:     docstore.NewMemoryStore(discardLogger()),
		creds:   credential.NewMemoryStore(),
		svc:     &fakeService{},
		session: newFakeSession(o.user),
	}
	h.docs = &countingDocs{Store: h.mem}
	t.Cleanup(func() { _ = h.mem.Close() })

	ctx := context.Background()
	for _, rec := range o.seedRecs {
		if _, err := h.mem.Create(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if o.user != "" && !o.noCreds {
		if err := h.creds.Put(ctx, o.user, credential.Credential{APIKey: o.apiKey, AssistantID: "asst_test"}); err != nil {
			t.Fatalf("put credential: %v", err)
		}
	}

	cfg := o.cfg
	if cfg.StreamIdleTimeout == 0 {
		cfg.StreamIdleTimeout = 2 * time.Second
	}

	h.deps = Deps{
		Docs:        h.docs,
		Completion:  h.svc,
		Namer:       o.namer,
		Credentials: h.creds,
		Session:     h.session,
		Turns:       o.turns,
		Log:         discardLogger(),
	}
	h.cfg = cfg
	e, err := New(ctx, cfg, h.deps, Hooks{
		OnNavigate: func(identity string) {
			h.mu.Lock()
			h.navigated = append(h.navigated, identity)
			h.mu.Unlock()
		},
		OnNotice: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	t.Cleanup(func() {
		e.Close()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Wait(wctx)
	})
	return h
}

// peer builds another Engine on the same collaborators, as a second
// connection of the same user would get.
func (h *harness) peer(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), h.cfg, h.deps, Hooks{})
	if err != nil {
		t.Fatalf("New peer: %v", err)
	}
	t.Cleanup(func() {
		e.Close()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Wait(wctx)
	})
	return e
}

func (h *harness) navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navigated...)
}

func (h *harness) noticeCodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.notices))
	for _, n := range h.notices {
		out = append(out, n.Code)
	}
	return out
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.engine.Wait(ctx); err != nil {
		t.Fatalf("engine did not settle: %v", err)
	}
}

func waitTurn(t *testing.T, turn *Turn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := turn.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("turn %s did not finish", turn.ID)
	}
	return err
}

type entry struct {
	role    chat.Role
	content string
}

func entries(msgs []chat.Message) []entry {
	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entry{role: m.Role, content: m.Content})
	}
	return out
}

func seedConversation(identity, owner string, contents ...string) chat.Conversation {
	rec := chat.Conversation{Identity: identity, OwnerID: owner, DisplayName: "seeded"}
	for i, c := range contents {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		rec.Messages = append(rec.Messages, chat.Message{
			ID:      identity + "-0" + string(rune('0'+i)),
			Role:    role,
			Content: c,
		})
	}
	return rec
}
