package v1

import "time"

// ---- Client payloads ----

// HelloPayload is sent by the client to initiate a session. Token is
// optional when the handshake carried an Authorization header.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// SessionUpdatePayload refreshes the access token; an empty token signs out.
// Revoke also puts the current token session on the server's deny list.
type SessionUpdatePayload struct {
	Token  string `json:"token"`
	Revoke bool   `json:"revoke,omitempty"`
}

// ConversationSwitchPayload selects the active conversation.
type ConversationSwitchPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload starts a turn.
type MessageSendPayload struct {
	ClientMsgID string       `json:"client_msg_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ---- Server payloads ----

// HelloAckPayload carries the connection id and the signed-in user, if any.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// MessageAckPayload acknowledges a send with the ids the engine assigned.
type MessageAckPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	MessageID   string `json:"message_id"`
	TurnID      string `json:"turn_id"`
}

// ConversationStatePayload is the full rendered transcript of the active
// conversation. Messages with Pending set are not confirmed persisted yet.
type ConversationStatePayload struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	State          string    `json:"state"`
	CanSend        bool      `json:"can_send"`
	Streaming      bool      `json:"streaming"`
	Stale          bool      `json:"stale,omitempty"`
	Frozen         bool      `json:"frozen,omitempty"`
	LastUpdated    time.Time `json:"last_updated,omitempty"`
	Revision       uint64    `json:"revision"`
	Messages       []Message `json:"messages"`
}

// NavigatePayload announces the identity of a new conversation.
type NavigatePayload struct {
	ConversationID string `json:"conversation_id"`
}

// NoticePayload reports a failure that happened outside a request.
type NoticePayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Shared ----

// Message is one transcript entry.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
	Pending     bool         `json:"pending,omitempty"`
}

// Attachment references a file attached to a user message.
type Attachment struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
