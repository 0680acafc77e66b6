package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
	"frugalgpt/cmd/internal/engine"
	"frugalgpt/cmd/internal/transcript"
	v1 "frugalgpt/shared/contracts/chat/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listStream yields a fixed list of events, then io.EOF.
type listStream struct {
	mu  sync.Mutex
	evs []chat.StreamEvent
}

func (s *listStream) Next(ctx context.Context) (chat.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return chat.StreamEvent{}, err
	}
	if len(s.evs) == 0 {
		return chat.StreamEvent{}, io.EOF
	}
	ev := s.evs[0]
	s.evs = s.evs[1:]
	return ev, nil
}

func (s *listStream) Close() error { return nil }

// echoService replies "reply: <content>" and names new conversations conv-N.
type echoService struct {
	mu sync.Mutex
	n  int
}

func (s *echoService) Start(_ context.Context, req completion.Request) (completion.Turn, error) {
	identity := req.Identity
	if identity == "" {
		s.mu.Lock()
		s.n++
		identity = "conv-" + string(rune('0'+s.n))
		s.mu.Unlock()
	}
	return completion.Turn{
		Identity: identity,
		Stream: &listStream{evs: []chat.StreamEvent{
			chat.TurnStarted(),
			chat.TextDelta("reply: "),
			chat.TextDelta(req.Content),
			chat.TurnEnded(),
		}},
	}, nil
}

type gatewayHarness struct {
	srv    *httptest.Server
	tokens session.AccessTokenManager
	docs   *docstore.MemoryStore
	creds  *credential.MemoryStore
	deny   *session.MemoryRevocations
}

func newGatewayHarness(t *testing.T, mutate func(*Config)) *gatewayHarness {
	t.Helper()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	h := &gatewayHarness{
		tokens: tokens,
		docs:   docstore.NewMemoryStore(quietLogger()),
		creds:  credential.NewMemoryStore(),
		deny:   session.NewMemoryRevocations(),
	}
	t.Cleanup(func() { _ = h.docs.Close() })

	cfg := DefaultConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}

	ecfg := engine.DefaultConfig()
	ecfg.StreamIdleTimeout = 2 * time.Second

	gw, err := NewWSGateway(context.Background(), quietLogger(), cfg, Deps{
		Tokens:      tokens,
		Revocations: h.deny,
		Docs:        h.docs,
		Completion:  &echoService{},
		Credentials: h.creds,
		Engine:      ecfg,
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	h.srv = httptest.NewServer(gw)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *gatewayHarness) token(t *testing.T, userID, sessionID string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(userID, sessionID, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (h *gatewayHarness) dial(t *testing.T, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	hdr := http.Header{}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
}

func (h *gatewayHarness) mustDial(t *testing.T, bearer string) *websocket.Conn {
	t.Helper()
	c, resp, err := h.dial(t, bearer)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "done") })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "c-1", TS: time.Now().UTC(), Payload: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads envelopes until match accepts one.
func readUntil(t *testing.T, c *websocket.Conn, what string, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, b, err := c.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", what, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatalf("did not receive %s", what)
	return v1.Envelope{}
}

func ofType(typ string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool { return env.Type == typ }
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

func errorWithCode(code string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool {
		if env.Type != v1.TypeError {
			return false
		}
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return p.Code == code
	}
}

func TestWSGateway_HandshakeAuth(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, func(c *Config) { c.RequireAuth = true })

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{name: "missing token", bearer: "", want: http.StatusUnauthorized},
		{name: "invalid token", bearer: "not-a-token", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := h.dial(t, tc.bearer)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got resp=%v err=%v", tc.want, resp, err)
			}
		})
	}

	c := h.mustDial(t, h.token(t, "user-1", "sess-1"))
	send(t, c, v1.TypeHello, v1.HelloPayload{})
	ack := decode[v1.HelloAckPayload](t, readUntil(t, c, "hello_ack", ofType(v1.TypeHelloAck)))
	if ack.UserID != "user-1" || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestWSGateway_RevokedTokenRejected(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, nil)
	if err := h.deny.Revoke(context.Background(), session.Revocation{SessionID: "sess-gone", UserID: "user-1"}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, resp, err := h.dial(t, h.token(t, "user-1", "sess-gone"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked session, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, func(c *Config) {
		c.OriginRequired = true
		c.AllowedOrigins = []string{"http://localhost"}
	})

	_, resp, err := h.dial(t, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without origin, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_HelloRequired(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, nil)
	c := h.mustDial(t, "")

	send(t, c, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "m1", Text: "hi"})
	env := readUntil(t, c, "error", ofType(v1.TypeError))
	if p := decode[v1.ErrorPayload](t, env); p.Code != v1.CodeBadRequest {
		t.Fatalf("code=%q", p.Code)
	}

	// Server-only types are refused from clients.
	send(t, c, v1.TypeNavigate, v1.NavigatePayload{ConversationID: "x"})
	readUntil(t, c, "bad_request error", errorWithCode(v1.CodeBadRequest))
}

func TestWSGateway_SendStartsConversation(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, nil)
	ctx := context.Background()
	if err := h.creds.Put(ctx, "user-1", credential.Credential{APIKey: "sk-test", AssistantID: "asst"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c := h.mustDial(t, h.token(t, "user-1", "sess-1"))
	send(t, c, v1.TypeHello, v1.HelloPayload{})
	readUntil(t, c, "hello_ack", ofType(v1.TypeHelloAck))
	readUntil(t, c, "sendable state", func(env v1.Envelope) bool {
		return env.Type == v1.TypeConversationState && decode[v1.ConversationStatePayload](t, env).CanSend
	})

	send(t, c, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "m1", Text: "hello"})

	var (
		acked     bool
		navigated string
		final     v1.ConversationStatePayload
	)
	readUntil(t, c, "settled conversation", func(env v1.Envelope) bool {
		switch env.Type {
		case v1.TypeMessageAck:
			p := decode[v1.MessageAckPayload](t, env)
			acked = p.ClientMsgID == "m1" && p.MessageID != "" && p.TurnID != ""
		case v1.TypeNavigate:
			navigated = decode[v1.NavigatePayload](t, env).ConversationID
		case v1.TypeConversationState:
			final = decode[v1.ConversationStatePayload](t, env)
		case v1.TypeError:
			t.Fatalf("unexpected error: %s", env.Payload)
		}
		return acked && navigated != "" && final.State == "idle" && len(final.Messages) == 2 && !final.Messages[1].Pending
	})

	if final.ConversationID != navigated {
		t.Fatalf("state identity=%q navigate=%q", final.ConversationID, navigated)
	}
	if got := final.Messages[1].Content; got != "reply: hello" {
		t.Fatalf("assistant content=%q", got)
	}

	rec, err := h.docs.Get(ctx, navigated)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.OwnerID != "user-1" || len(rec.Messages) != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestWSGateway_SignedOutSendNotEligible(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, nil)
	c := h.mustDial(t, "")

	send(t, c, v1.TypeHello, v1.HelloPayload{})
	ack := decode[v1.HelloAckPayload](t, readUntil(t, c, "hello_ack", ofType(v1.TypeHelloAck)))
	if ack.UserID != "" {
		t.Fatalf("expected signed out, got user %q", ack.UserID)
	}

	send(t, c, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "m1", Text: "hi"})
	readUntil(t, c, "not_eligible error", errorWithCode(v1.CodeNotEligible))
}

func TestWSGateway_SessionUpdateAndSwitch(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, nil)
	ctx := context.Background()
	if _, err := h.docs.Create(ctx, chat.Conversation{Identity: "mine", OwnerID: "user-1", DisplayName: "Mine"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.docs.Create(ctx, chat.Conversation{Identity: "theirs", OwnerID: "user-2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	c := h.mustDial(t, "")
	send(t, c, v1.TypeHello, v1.HelloPayload{})
	readUntil(t, c, "hello_ack", ofType(v1.TypeHelloAck))

	// Signed out: opening a stored conversation is refused.
	send(t, c, v1.TypeConversationSwitch, v1.ConversationSwitchPayload{ConversationID: "mine"})
	readUntil(t, c, "not_eligible error", errorWithCode(v1.CodeNotEligible))

	send(t, c, v1.TypeSessionUpdate, v1.SessionUpdatePayload{Token: h.token(t, "user-1", "sess-1")})
	readUntil(t, c, "hello_ack for user-1", func(env v1.Envelope) bool {
		return env.Type == v1.TypeHelloAck && decode[v1.HelloAckPayload](t, env).UserID == "user-1"
	})

	send(t, c, v1.TypeConversationSwitch, v1.ConversationSwitchPayload{ConversationID: "nope"})
	readUntil(t, c, "not_found error", errorWithCode(v1.CodeNotFound))

	send(t, c, v1.TypeConversationSwitch, v1.ConversationSwitchPayload{ConversationID: "theirs"})
	readUntil(t, c, "not_eligible error", errorWithCode(v1.CodeNotEligible))

	send(t, c, v1.TypeConversationSwitch, v1.ConversationSwitchPayload{ConversationID: "mine"})
	readUntil(t, c, "state of mine", func(env v1.Envelope) bool {
		if env.Type != v1.TypeConversationState {
			return false
		}
		p := decode[v1.ConversationStatePayload](t, env)
		return p.ConversationID == "mine" && p.DisplayName == "Mine"
	})

	// Revoke signs out and lists the token session.
	send(t, c, v1.TypeSessionUpdate, v1.SessionUpdatePayload{Revoke: true})
	readUntil(t, c, "signed-out hello_ack", func(env v1.Envelope) bool {
		return env.Type == v1.TypeHelloAck && decode[v1.HelloAckPayload](t, env).UserID == ""
	})
	if revoked, _ := h.deny.Revoked(ctx, "sess-1"); !revoked {
		t.Fatalf("expected sess-1 to be revoked")
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window should be rejected")
	}
	// The first event leaves the window; one slot frees up.
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("event after window should be allowed")
	}
	if rl.Allow(t0.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("expected rejection while the second event is still in the window")
	}
}

func TestClient_HoldSurvivesFullQueue(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 1)
	c.Send <- v1.Envelope{Type: v1.TypeMessageAck}

	nav := v1.Envelope{Type: v1.TypeNavigate, Payload: json.RawMessage(`{"conversation_id":"T1"}`)}
	notice := v1.Envelope{Type: v1.TypeNotice, Payload: json.RawMessage(`{"code":"stream_aborted"}`)}
	for _, env := range []v1.Envelope{nav, notice, notice} {
		if !c.Hold(env) {
			t.Fatalf("Hold(%s) refused", env.Type)
		}
	}

	select {
	case <-c.Held():
	default:
		t.Fatalf("expected Held to be signalled")
	}
	got := c.TakeHeld()
	if len(got) != 2 || got[0].Type != v1.TypeNavigate || got[1].Type != v1.TypeNotice {
		t.Fatalf("held=%+v", got)
	}
	if rest := c.TakeHeld(); len(rest) != 0 {
		t.Fatalf("TakeHeld did not clear: %+v", rest)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://LocalHost:3000", "https://app.example.com", "*", "http://localhost"})
	want := []string{"app.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{session.ErrSessionRevoked, v1.CodeUnauthorized},
		{docstore.ErrNotFound, v1.CodeNotFound},
		{chat.NewOpError("engine.Send", chat.ErrNotEligible, "not signed in"), v1.CodeNotEligible},
		{chat.NewOpError("engine.Send", chat.ErrInvalidState, "busy"), v1.CodeInvalidState},
		{io.ErrUnexpectedEOF, v1.CodeInternal},
	}
	for _, tc := range cases {
		if got, _ := errorCode(tc.err); got != tc.want {
			t.Fatalf("errorCode(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FRUGAL_WS_REQUIRE_AUTH", "true")
	t.Setenv("FRUGAL_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FRUGAL_WS_SEND_QUEUE", "8")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if !cfg.RequireAuth || len(cfg.AllowedOrigins) != 2 || cfg.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("FRUGAL_WS_RATE_WINDOW", "soon")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestStatePayload_OnlyTailIsPending(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := transcript.New(transcript.WithClock(func() time.Time { return t0.Add(90 * time.Second) }))
	store.MergeBaseline([]chat.Message{
		{ID: "m1", Role: chat.RoleUser, Content: "one", CreatedAt: t0},
		{ID: "m2", Role: chat.RoleAssistant, Content: "two", CreatedAt: t0.Add(time.Minute)},
		{ID: "m3", Role: chat.RoleUser, Content: "three", CreatedAt: t0.Add(2 * time.Minute)},
	})
	store.AppendNotice("n1", "Part of this conversation could not be saved.")
	if err := store.AppendOptimistic(chat.Message{ID: "u4", Role: chat.RoleUser, Content: "four", CreatedAt: t0.Add(3 * time.Minute)}); err != nil {
		t.Fatalf("AppendOptimistic: %v", err)
	}

	p := statePayload(engine.View{Identity: "T1", Transcript: store.Snapshot()})

	var got []string
	for _, m := range p.Messages {
		got = append(got, fmt.Sprintf("%s:%v", m.ID, m.Pending))
	}
	if want := "m1:false m2:false n1:false m3:false u4:true"; strings.Join(got, " ") != want {
		t.Fatalf("messages=%s want=%s", strings.Join(got, " "), want)
	}
}
