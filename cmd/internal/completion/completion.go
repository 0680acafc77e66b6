// Package completion talks to the remote completion service: it starts a
// turn for a conversation and exposes the reply as a pull-style stream of
// chat.StreamEvent values.
package completion

import (
	"context"
	"errors"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/credential"
)

var (
	// ErrInvalidCredential is returned when the service rejects the API key
	// or the credential is incomplete.
	ErrInvalidCredential = errors.New("completion: invalid credential")
	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("completion: rate limited")
	// ErrServiceUnavailable is returned on 5xx responses.
	ErrServiceUnavailable = errors.New("completion: service unavailable")
	// ErrTransport covers network faults and truncated streams.
	ErrTransport = errors.New("completion: transport failure")
	// ErrRejected is returned for any other 4xx response.
	ErrRejected = errors.New("completion: request rejected")
	// ErrRunFailed is returned when the service reports a failed run mid-stream.
	ErrRunFailed = errors.New("completion: run failed")
)

// Request starts one turn.
type Request struct {
	// Identity is the conversation identity, or "" for a new conversation.
	Identity    string
	Content     string
	Attachments []chat.Attachment
	Credential  credential.Credential
	// MessagePosted means the user message is already on the conversation;
	// Start only starts the reply.
	MessagePosted bool
}

// Turn is a started turn: the identity the service assigned (equal to
// Request.Identity for existing conversations) and its event stream.
type Turn struct {
	Identity string
	Stream   Stream
}

// Stream yields the events of one turn in arrival order.
//
// Next returns io.EOF after EventTurnEnded has been delivered. Close
// releases the underlying connection and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (chat.StreamEvent, error)
	Close() error
}

// Service starts turns.
type Service interface {
	Start(ctx context.Context, req Request) (Turn, error)
}

// Namer produces a short display name for a new conversation.
type Namer interface {
	Name(ctx context.Context, cred credential.Credential, firstMessage string) (string, error)
}

// Phase is the step of Start that failed.
type Phase uint8

const (
	// PhaseThread creates the conversation. Nothing holds the user message yet.
	PhaseThread Phase = iota
	// PhaseMessage adds the user message. After a transport fault the service
	// may have stored it anyway.
	PhaseMessage
	// PhaseRun starts the reply; the user message is stored.
	PhaseRun
)

func (p Phase) String() string {
	switch p {
	case PhaseThread:
		return "thread"
	case PhaseMessage:
		return "message"
	case PhaseRun:
		return "run"
	default:
		return "unknown"
	}
}

// StartError reports how far a failed Start got. Identity is set once the
// conversation exists remotely.
type StartError struct {
	Phase    Phase
	Identity string
	Err      error
}

func (e *StartError) Error() string {
	return e.Phase.String() + ": " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }

// Resume returns the request that continues after err without repeating a
// remote write. ok is false when that cannot be known: a transport fault
// while adding the message may or may not have stored it. Errors that carry
// no phase come from before any remote write.
func Resume(req Request, err error) (next Request, ok bool) {
	var se *StartError
	if !errors.As(err, &se) {
		return req, true
	}
	switch se.Phase {
	case PhaseThread:
		return req, true
	case PhaseRun:
		if se.Identity != "" {
			req.Identity = se.Identity
		}
		req.MessagePosted = true
		return req, true
	default:
		return req, false
	}
}

// Retryable reports whether err is a transport fault worth one more attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
