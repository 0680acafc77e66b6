// Package realtime is the websocket entrypoint: one connection, one
// session and one conversation engine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
	"frugalgpt/cmd/internal/engine"
	"frugalgpt/cmd/internal/ids"
	v1 "frugalgpt/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Deps are the collaborators shared by every connection.
type Deps struct {
	Tokens      session.Verifier
	Revocations session.Revocations
	Docs        docstore.Store
	Completion  completion.Service
	Namer       completion.Namer
	Credentials credential.Reader
	Engine      engine.Config
	// Turns is shared by every connection's engine; nil builds one.
	Turns   *engine.TurnRegistry
	Metrics *engine.Metrics
	IDs     *ids.Generator
}

// WSGateway is the WebSocket entrypoint for frugalgpt chat.
//
// It enforces origin policy, bearer auth, subprotocol selection, rate limits
// and heartbeats, and routes validated envelopes to the connection's engine.
type WSGateway struct {
	log  *slog.Logger
	base context.Context
	cfg  Config
	deps Deps

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// conns is cancelled by Close to end every open connection.
	conns      context.Context
	closeConns context.CancelFunc
	// engines counts engines whose turns may still be running.
	engines sync.WaitGroup
}

// NewWSGateway constructs a gateway.
//
// base bounds the lifetime of turns, which outlive their connection; pass
// the server context.
func NewWSGateway(base context.Context, log *slog.Logger, cfg Config, deps Deps) (*WSGateway, error) {
	if deps.Tokens == nil || deps.Docs == nil || deps.Completion == nil {
		return nil, errors.New("realtime: tokens, docs and completion are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if base == nil {
		base = context.Background()
	}
	if deps.IDs == nil {
		deps.IDs = ids.NewGenerator(nil)
	}
	if deps.Turns == nil {
		deps.Turns = engine.NewTurnRegistry()
	}

	cfg = cfg.withDefaults()
	conns, closeConns := context.WithCancel(context.Background())
	return &WSGateway{
		log:            log,
		base:           base,
		cfg:            cfg,
		deps:           deps,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		conns:          conns,
		closeConns:     closeConns,
	}, nil
}

// Close ends every open connection. http.Server.Shutdown does not reach
// hijacked websocket connections, so the server calls this on shutdown.
// Turns already running continue; see Drain.
func (g *WSGateway) Close() {
	g.closeConns()
}

// Drain blocks until the turns of every closed connection have finished
// and been persisted, or ctx is done.
func (g *WSGateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.engines.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// conn is the per-connection state owned by HandleWS.
type conn struct {
	g      *WSGateway
	log    *slog.Logger
	ws     *websocket.Conn
	client *Client
	sess   *session.Session
	eng    *engine.Engine

	// helloed is set by the read loop and read by the writer.
	helloed atomic.Bool
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var sessOpts []session.Option
	if g.deps.Revocations != nil {
		sessOpts = append(sessOpts, session.WithRevocations(g.deps.Revocations))
	}
	sess := session.New(g.deps.Tokens, g.log, sessOpts...)
	defer sess.Close()

	// Auth happens before the upgrade so a bad token gets a plain 401.
	if tok := bearerToken(r); tok != "" {
		if _, err := sess.SignIn(r.Context(), tok); err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if g.cfg.RequireAuth {
		g.log.Info("ws.reject.auth", "err", "missing bearer token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	sessionID := g.deps.IDs.Next()
	c := &conn{
		g:      g,
		log:    g.log.With("session_id", sessionID),
		ws:     ws,
		client: NewClient(sessionID, g.cfg.SendQueueSize),
		sess:   sess,
	}

	eng, err := engine.New(g.base, g.deps.Engine, engine.Deps{
		Docs:        g.deps.Docs,
		Completion:  g.deps.Completion,
		Namer:       g.deps.Namer,
		Credentials: g.deps.Credentials,
		Session:     sess,
		Turns:       g.deps.Turns,
		IDs:         g.deps.IDs,
		Metrics:     g.deps.Metrics,
		Log:         c.log,
	}, engine.Hooks{
		OnChange:   c.client.Kick,
		OnNavigate: c.onNavigate,
		OnNotice:   c.onNotice,
	})
	if err != nil {
		c.log.Error("ws.engine.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "unavailable")
		return
	}
	c.eng = eng
	g.engines.Add(1)
	defer func() {
		// Turns outlive the connection; count them until they settle.
		go func() {
			defer g.engines.Done()
			_ = eng.Wait(g.base)
		}()
	}()
	c.run(r.Context())
}

func (c *conn) run(parent context.Context) {
	g := c.g
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stopAfter := context.AfterFunc(g.conns, cancel)
	defer stopAfter()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.eng.Close()
			c.client.Close()
			_ = c.ws.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// The writer is the only goroutine writing to ws; state pushes are
	// rendered here so a burst of engine changes becomes one frame.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			var envs []v1.Envelope
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				return
			case env := <-c.client.Send:
				envs = append(envs, env)
			case <-c.client.Held():
				envs = c.client.TakeHeld()
			case <-c.client.Kicked():
				if !c.helloed.Load() {
					continue
				}
				envs = append(envs, c.stateEnvelope())
			}
			for _, env := range envs {
				if err := writeEnvelope(ctx, c.ws, env, g.cfg.WriteTimeout); err != nil {
					c.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := c.ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					c.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, c.ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				c.sendError(v1.CodeBadRequest, "invalid JSON")
				continue readLoop
			default:
				c.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			c.sendError(v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			c.sendError(v1.CodeBadRequest, err.Error())
			continue readLoop
		}
		if !v1.FromClient(env.Type) {
			c.sendError(v1.CodeBadRequest, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}
		if env.Type != v1.TypeHello && !c.helloed.Load() {
			c.sendError(v1.CodeBadRequest, "hello required")
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeHello:
			herr = c.onHello(ctx, env)
		case v1.TypeSessionUpdate:
			herr = c.onSessionUpdate(ctx, env)
		case v1.TypeConversationSwitch:
			herr = c.onSwitch(ctx, env)
		case v1.TypeMessageSend:
			herr = c.onMessageSend(ctx, env)
		}
		if herr != nil {
			code, msg := errorCode(herr)
			c.log.Info("ws.request.fail", "type", env.Type, "code", code, "err", herr)
			c.sendError(code, msg)
			if env.Type == v1.TypeHello && code == v1.CodeUnauthorized {
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

var errBadPayload = errors.New("bad payload")

func (c *conn) onHello(ctx context.Context, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if tok := strings.TrimSpace(p.Token); tok != "" {
		if _, err := c.sess.SignIn(ctx, tok); err != nil {
			return err
		}
	}

	c.helloed.Store(true)
	c.ack()
	c.client.Kick()
	return nil
}

func (c *conn) onSessionUpdate(ctx context.Context, env v1.Envelope) error {
	var p v1.SessionUpdatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	switch tok := strings.TrimSpace(p.Token); {
	case p.Revoke:
		if err := c.sess.Revoke(ctx, "client_request"); err != nil {
			return err
		}
	case tok == "":
		c.sess.SignOut()
	default:
		if _, err := c.sess.SignIn(ctx, tok); err != nil {
			return err
		}
	}

	c.ack()
	c.client.Kick()
	return nil
}

func (c *conn) onSwitch(ctx context.Context, env v1.Envelope) error {
	var p v1.ConversationSwitchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id := strings.TrimSpace(p.ConversationID)
	if len(id) > maxClientIDLen {
		return fmt.Errorf("%w: conversation_id too long", errBadPayload)
	}
	if err := c.eng.SwitchConversation(ctx, id); err != nil {
		// A feed failure still switched; the state push shows it as stale.
		if !errors.Is(err, chat.ErrFeedInterrupted) {
			return err
		}
		c.log.Info("ws.switch.stale", "conversation_id", id, "err", err)
	}
	c.client.Kick()
	return nil
}

func (c *conn) onMessageSend(ctx context.Context, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	clientMsgID := strings.TrimSpace(p.ClientMsgID)
	if clientMsgID == "" || len(clientMsgID) > maxClientIDLen {
		return fmt.Errorf("%w: invalid client_msg_id", errBadPayload)
	}
	// The engine rejects blank text; the message is stored as sent.
	text := p.Text
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("%w: message too long: max=%d chars", errBadPayload, maxMessageChars)
	}
	if len(p.Attachments) > maxAttachments {
		return fmt.Errorf("%w: too many attachments: max=%d", errBadPayload, maxAttachments)
	}
	atts := make([]chat.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: attachment without id", errBadPayload)
		}
		atts = append(atts, chat.Attachment{ID: a.ID, DisplayName: a.DisplayName})
	}

	turn, err := c.eng.Send(ctx, text, atts)
	if err != nil {
		return err
	}

	c.enqueue(v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID: clientMsgID,
		MessageID:   turn.User.ID,
		TurnID:      turn.ID,
	})
	return nil
}

// ---- engine hooks (must not block) ----

// Navigation and notices bypass the send queue so backpressure cannot drop
// them.

func (c *conn) onNavigate(identity string) {
	c.hold(v1.TypeNavigate, v1.NavigatePayload{ConversationID: identity})
}

func (c *conn) onNotice(n engine.Notice) {
	c.hold(v1.TypeNotice, v1.NoticePayload{
		Code:           n.Code,
		Message:        n.Text,
		ConversationID: n.Identity,
	})
}

// ---- send helpers ----

func (c *conn) ack() {
	p := v1.HelloAckPayload{SessionID: c.client.SessionID}
	if u, ok := c.sess.User(); ok {
		p.UserID = u.ID
	}
	c.enqueue(v1.TypeHelloAck, p)
}

func (c *conn) sendError(code, msg string) {
	c.enqueue(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// enqueue never blocks; a full queue drops the envelope.
func (c *conn) enqueue(typ string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	env := c.g.newEnvelope(typ, raw)
	select {
	case <-c.client.Done():
		return false
	case c.client.Send <- env:
		return true
	default:
		c.log.Warn("ws.backpressure.drop", "type", typ)
		return false
	}
}

func (c *conn) hold(typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if !c.client.Hold(c.g.newEnvelope(typ, raw)) {
		c.log.Error("ws.held.overflow", "type", typ)
	}
}

func (c *conn) stateEnvelope() v1.Envelope {
	raw, _ := json.Marshal(statePayload(c.eng.View()))
	return c.g.newEnvelope(v1.TypeConversationState, raw)
}

// statePayload renders a view; tail entries, which always come last, are
// marked pending. Settled local entries are not.
func statePayload(v engine.View) v1.ConversationStatePayload {
	snap := v.Transcript
	firstPending := len(snap.Rendered) - len(snap.Tail)
	msgs := make([]v1.Message, 0, len(snap.Rendered))
	for i, m := range snap.Rendered {
		wm := v1.Message{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Pending:   i >= firstPending,
		}
		for _, a := range m.Attachments {
			wm.Attachments = append(wm.Attachments, v1.Attachment{ID: a.ID, DisplayName: a.DisplayName})
		}
		msgs = append(msgs, wm)
	}
	return v1.ConversationStatePayload{
		ConversationID: v.Identity,
		DisplayName:    v.DisplayName,
		State:          v.State.String(),
		CanSend:        v.CanSend,
		Streaming:      snap.Streaming,
		Stale:          snap.Stale,
		Frozen:         snap.Frozen,
		LastUpdated:    v.LastUpdated,
		Revision:       snap.Version,
		Messages:       msgs,
	}
}

// errorCode maps a handler error onto a wire code and a client-safe message.
func errorCode(err error) (code, msg string) {
	switch {
	case errors.Is(err, errBadPayload):
		return v1.CodeBadRequest, err.Error()
	case errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrSessionRevoked),
		errors.Is(err, session.ErrUserMismatch),
		errors.Is(err, session.ErrSessionExpired):
		return v1.CodeUnauthorized, "unauthorized"
	case errors.Is(err, docstore.ErrNotFound):
		return v1.CodeNotFound, "conversation not found"
	}

	switch code := chat.Code(err); code {
	case v1.CodeNotEligible, v1.CodeInvalidState, v1.CodeStreamAborted,
		v1.CodeFeedInterrupted, v1.CodePersistenceConflict, v1.CodeTransportFailure:
		return code, err.Error()
	default:
		return v1.CodeInternal, "internal error"
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      g.deps.IDs.Next(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

// errBadJSON marks a frame that is not a JSON envelope.
var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the allowlist hosts, sorted,
// for websocket.Accept's OriginPatterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
