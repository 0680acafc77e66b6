// Package main provides a CI-friendly WebSocket smoke test for the frugalgpt
// chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment and the initial conversation_state
//   - signed out: message_send is rejected with not_eligible
//   - signed in (-token): send -> ack, navigate to the new conversation and a
//     settled conversation_state holding the assistant reply
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "frugalgpt/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", "", "PASETO access token; empty runs the signed-out checks only")
		text    = flag.String("text", "say hello in five words", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		replyTO = flag.Duration("reply-timeout", 60*time.Second, "Time allowed for the assistant reply to settle")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	c := mustConnect(root, "A", *wsURL, *origin, strings.TrimSpace(*token), *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: session=%s user=%q origin=%q\n", c.sessionID, c.userID, *origin)
	}

	initial := decodeState(c.mustReadUntilType(root, v1.TypeConversationState, *timeout, nil))
	if initial.ConversationID != "" || len(initial.Messages) != 0 {
		fatalf("initial state is not an empty new conversation: id=%q messages=%d", initial.ConversationID, len(initial.Messages))
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	mustWriteWithTimeout(root, c.conn, newEnvelope("send-"+clientMsgID, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: clientMsgID,
		Text:        *text,
	}), *timeout)

	if c.userID == "" {
		mustReadErrorCode(root, c, v1.CodeNotEligible, *timeout)
		fmt.Printf("OK (signed out): session=%s send rejected with %s\n", c.sessionID, v1.CodeNotEligible)
		return
	}

	skipState := map[string]struct{}{v1.TypeConversationState: {}}
	var ack v1.MessageAckPayload
	decode(c.mustReadUntilType(root, v1.TypeMessageAck, *timeout, skipState), &ack)
	if ack.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch: got=%q want=%q", ack.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(ack.MessageID) == "" || strings.TrimSpace(ack.TurnID) == "" {
		fatalf("ack missing message_id or turn_id: %+v", ack)
	}

	var nav v1.NavigatePayload
	decode(c.mustReadUntilType(root, v1.TypeNavigate, *replyTO, skipState), &nav)
	if strings.TrimSpace(nav.ConversationID) == "" {
		fatalf("navigate missing conversation_id")
	}

	final := mustSettle(root, c, nav.ConversationID, *replyTO, *verbose)
	reply := final.Messages[len(final.Messages)-1]
	fmt.Printf("OK: session=%s conversation=%s name=%q messages=%d reply_chars=%d\n",
		c.sessionID, final.ConversationID, final.DisplayName, len(final.Messages), len(reply.Content))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, newEnvelope(name+"-hello", v1.TypeHello, v1.HelloPayload{Token: token}), stepTimeout)

	var p v1.HelloAckPayload
	decode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil), &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if token != "" && p.UserID == "" {
		fatalf("hello_ack missing user_id for signed-in session (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustSettle waits for a state of conversationID with no turn in flight and
// the assistant reply persisted.
func mustSettle(parent context.Context, c *smokeClient, conversationID string, wait time.Duration, verbose bool) v1.ConversationStatePayload {
	deadline := time.Now().Add(wait)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			fatalf("conversation %s did not settle within %v", conversationID, wait)
		}
		st := decodeState(c.mustReadUntilType(parent, v1.TypeConversationState, left, nil))
		if verbose {
			fmt.Printf("state: id=%s streaming=%v stale=%v messages=%d\n", st.ConversationID, st.Streaming, st.Stale, len(st.Messages))
		}
		if st.Frozen {
			fatalf("conversation %s froze", conversationID)
		}
		if st.ConversationID != conversationID || st.Streaming || len(st.Messages) < 2 {
			continue
		}
		last := st.Messages[len(st.Messages)-1]
		if last.Role != "assistant" || last.Pending {
			continue
		}
		return st
	}
}

func mustReadErrorCode(parent context.Context, c *smokeClient, want string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error %q (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for error %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error %q (%s)", want, c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			decode(env, &ep)
			if ep.Code != want {
				fatalf("error code mismatch (%s): got=%q want=%q msg=%q", c.name, ep.Code, want, ep.Message)
			}
			return
		}
	}
}

func newEnvelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func decodeState(env v1.Envelope) v1.ConversationStatePayload {
	var st v1.ConversationStatePayload
	decode(env, &st)
	return st
}

func decode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
