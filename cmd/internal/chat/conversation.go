package chat

import (
	"fmt"
	"time"
)

// Conversation is the durable record of a conversation.
//
// Identity is empty until the completion service assigns one on the first
// turn; it never changes afterwards.
type Conversation struct {
	Identity    string    `json:"identity"`
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Messages    []Message `json:"messages"`
	LastUpdated time.Time `json:"last_updated"`

	// Version increases on every durable write; feeds use it to drop
	// deliveries that arrive out of order.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = CloneMessages(c.Messages)
	return out
}

// HasIdentity reports whether the conversation has been assigned a durable identity.
func (c Conversation) HasIdentity() bool { return c.Identity != "" }

// FallbackName is the display name used when no generated name is available.
func FallbackName(identity string) string {
	return fmt.Sprintf("Chat-%s", identity)
}

// UpsertMessages merges updates into base keyed by message id.
//
// Existing ids are replaced in place; unknown ids are appended in the order
// they appear in updates. Applying the same updates twice yields the same
// result as applying them once.
func UpsertMessages(base, updates []Message) []Message {
	out := CloneMessages(base)
	if out == nil {
		out = make([]Message, 0, len(updates))
	}

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}

	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		if i, ok := index[u.ID]; ok {
			out[i] = u.Clone()
			continue
		}
		index[u.ID] = len(out)
		out = append(out, u.Clone())
	}
	return out
}
