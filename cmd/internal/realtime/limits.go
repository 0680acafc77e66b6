package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max message text length (runes).
	maxMessageChars = 32000

	// Max attachments referenced by one message.
	maxAttachments = 16

	// Max length of a client-chosen id (client_msg_id, conversation_id).
	maxClientIDLen = 128
)

const (
	// Heartbeat defaults (overridable via FRUGAL_WS_HEARTBEAT_*).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
