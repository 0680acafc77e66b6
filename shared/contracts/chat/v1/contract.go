// Package v1 defines the frugalgpt chat protocol v1 spoken over the
// websocket between a client and its conversation engine.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol name.
const Subprotocol = "frugalgpt.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionUpdate presents a fresh access token, or signs out with an
	// empty one (client -> server).
	TypeSessionUpdate = "session_update"

	// TypeConversationSwitch makes a conversation active; an empty id starts
	// a new one (client -> server).
	TypeConversationSwitch = "conversation_switch"

	// TypeMessageSend starts a turn in the active conversation (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges an accepted send (server -> client).
	TypeMessageAck = "message_ack"

	// TypeConversationState carries the rendered transcript (server -> client).
	TypeConversationState = "conversation_state"
	// TypeNavigate tells the client a new conversation got its identity (server -> client).
	TypeNavigate = "navigate"
	// TypeNotice is a user-visible failure outside a request (server -> client).
	TypeNotice = "notice"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionUpdate,
		TypeConversationSwitch,
		TypeMessageSend,
		TypeMessageAck,
		TypeConversationState,
		TypeNavigate,
		TypeNotice,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// FromClient reports whether t may be sent by a client.
func FromClient(t string) bool {
	switch t {
	case TypeHello, TypeSessionUpdate, TypeConversationSwitch, TypeMessageSend:
		return true
	default:
		return false
	}
}

// Error codes carried by ErrorPayload and NoticePayload.
const (
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
	CodeRateLimited         = "rate_limited"
	CodeNotFound            = "not_found"
	CodeNotEligible         = "not_eligible"
	CodeInvalidState        = "invalid_state"
	CodeStreamAborted       = "stream_aborted"
	CodeFeedInterrupted     = "feed_interrupted"
	CodePersistenceConflict = "persistence_conflict"
	CodeTransportFailure    = "transport_failure"
	CodeInternal            = "internal"
)
