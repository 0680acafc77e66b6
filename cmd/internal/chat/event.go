package chat

import "fmt"

// EventKind tags a StreamEvent variant.
type EventKind uint8

const (
	// EventTurnStarted opens a new assistant reply.
	EventTurnStarted EventKind = iota + 1
	// EventTextDelta extends the current assistant reply.
	EventTextDelta
	// EventToolInvoked reports that the assistant invoked a tool.
	EventToolInvoked
	// EventTurnEnded terminates the turn.
	EventTurnEnded
)

func (k EventKind) String() string {
	switch k {
	case EventTurnStarted:
		return "turn_started"
	case EventTextDelta:
		return "text_delta"
	case EventToolInvoked:
		return "tool_invoked"
	case EventTurnEnded:
		return "turn_ended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// StreamEvent is one event of a completion turn. Only the field matching
// Kind is meaningful: Text for EventTextDelta, Tool for EventToolInvoked.
type StreamEvent struct {
	Kind EventKind
	Text string
	Tool string
}

// TurnStarted builds an EventTurnStarted event.
func TurnStarted() StreamEvent { return StreamEvent{Kind: EventTurnStarted} }

// TextDelta builds an EventTextDelta event.
func TextDelta(text string) StreamEvent { return StreamEvent{Kind: EventTextDelta, Text: text} }

// ToolInvoked builds an EventToolInvoked event.
func ToolInvoked(kind string) StreamEvent { return StreamEvent{Kind: EventToolInvoked, Tool: kind} }

// TurnEnded builds an EventTurnEnded event.
func TurnEnded() StreamEvent { return StreamEvent{Kind: EventTurnEnded} }
