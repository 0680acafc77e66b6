package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/credential"
)

// Subject is what the gate decides on.
type Subject struct {
	// UserID is the signed-in user; empty when signed out.
	UserID string
	// Identity is the conversation identity; empty for a new conversation.
	Identity string
	// OwnerID is the owner of the durable record; ignored when Identity is empty.
	OwnerID string
}

// Grant is the outcome of a successful check.
type Grant struct {
	UserID     string
	Credential credential.Credential
}

// Gate decides whether a session may start a turn.
//
// A send is allowed only when a user is signed in, owns the conversation
// (a conversation without identity belongs to whoever starts it) and has a
// complete credential: a non-empty API key and an assistant to run.
// Concurrent lookups for one user share a single credential read.
type Gate struct {
	creds     credential.Reader
	log       *slog.Logger
	timeout   time.Duration
	assistant string

	group singleflight.Group
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDefaultAssistant sets the assistant used when a credential names none.
func WithDefaultAssistant(id string) GateOption {
	return func(g *Gate) { g.assistant = strings.TrimSpace(id) }
}

// NewGate constructs a Gate over creds.
func NewGate(creds credential.Reader, timeout time.Duration, log *slog.Logger, opts ...GateOption) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConfig().CredentialTimeout
	}
	g := &Gate{creds: creds, log: log, timeout: timeout}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanSend reports whether s may start a turn.
func (g *Gate) CanSend(ctx context.Context, s Subject) bool {
	_, err := g.Check(ctx, s)
	return err == nil
}

// Check returns the credential to use for a turn, or an error wrapping
// chat.ErrNotEligible. A failing credential store yields
// chat.ErrTransportFailure instead.
func (g *Gate) Check(ctx context.Context, s Subject) (Grant, error) {
	const op = "engine.Gate.Check"

	uid := strings.TrimSpace(s.UserID)
	if uid == "" {
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "not signed in")
	}
	if strings.TrimSpace(s.Identity) != "" && s.OwnerID != uid {
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "not the conversation owner")
	}
	if g.creds == nil {
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "no credential store")
	}

	cred, err := g.lookup(ctx, uid)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "no credential")
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Grant{}, ctxErr
		}
		g.log.Warn("engine.gate.credential.fail", "user_id", uid, "err", err)
		return Grant{}, chat.NewOpError(op, chat.ErrTransportFailure, "credential lookup failed")
	case !cred.Usable():
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "empty api key")
	case !cred.Complete(g.assistant):
		return Grant{}, chat.NewOpError(op, chat.ErrNotEligible, "no assistant configured")
	}
	return Grant{UserID: uid, Credential: cred}, nil
}

func (g *Gate) lookup(ctx context.Context, uid string) (credential.Credential, error) {
	ch := g.group.DoChan(uid, func() (any, error) {
		// The shared lookup must not die with whichever caller arrived first.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return g.creds.Get(lctx, uid)
	})

	select {
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return credential.Credential{}, res.Err
		}
		return res.Val.(credential.Credential), nil
	}
}
