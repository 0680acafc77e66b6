// Package chat holds the conversation data model shared by the sync engine,
// the document store and the completion client.
package chat

import (
	"strings"
	"time"
)

// Role identifies who authored a transcript entry.
type Role string

const (
	// RoleUser is a message typed by the signed-in user.
	RoleUser Role = "user"
	// RoleAssistant is a reply produced by the completion service.
	RoleAssistant Role = "assistant"
	// RoleSystem is an engine-authored notice (errors, aborted turns).
	RoleSystem Role = "system"
	// RoleToolNotice marks a tool invocation reported by the completion service.
	RoleToolNotice Role = "tool_notice"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleToolNotice:
		return true
	default:
		return false
	}
}

// Attachment is a reference to a file attached to a user message.
// Payload transport is handled elsewhere.
type Attachment struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Message is one transcript entry.
//
// IDs are ULIDs: unique and increasing within a transcript, but not a
// cross-conversation key.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// CloneMessages deep-copies a message slice. A nil input yields nil.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// ToolNoticeText renders the transcript text for a tool invocation.
func ToolNoticeText(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	return "Tool: " + kind
}
