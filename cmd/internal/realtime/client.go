package realtime

import (
	"bytes"
	"sync"

	v1 "frugalgpt/shared/contracts/chat/v1"
)

// maxHeld bounds the envelopes held back for the writer by Hold.
const maxHeld = 256

// Client represents one connected websocket session.
//
// Design notes:
//   - Send is never closed; producers select on Done instead.
//   - State pushes are coalesced: Kick marks the view dirty and wakes the
//     pusher at most once per pending change.
//   - Envelopes that must not be lost under backpressure go through Hold;
//     identical held envelopes collapse into one.
//   - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	kick      chan struct{}
	held      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending []v1.Envelope
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		kick:      make(chan struct{}, 1),
		held:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Kick schedules a state push. It never blocks.
func (c *Client) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Kicked is signalled when a state push is pending.
func (c *Client) Kicked() <-chan struct{} { return c.kick }

// Hold queues env for the writer without touching Send. It never blocks.
// It reports false when the held queue is full.
func (c *Client) Hold(env v1.Envelope) bool {
	c.mu.Lock()
	for _, p := range c.pending {
		if p.Type == env.Type && bytes.Equal(p.Payload, env.Payload) {
			c.mu.Unlock()
			return true
		}
	}
	if len(c.pending) >= maxHeld {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, env)
	c.mu.Unlock()

	select {
	case c.held <- struct{}{}:
	default:
	}
	return true
}

// Held is signalled when Hold has queued envelopes.
func (c *Client) Held() <-chan struct{} { return c.held }

// TakeHeld returns and clears the held envelopes in the order they were held.
func (c *Client) TakeHeld() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
