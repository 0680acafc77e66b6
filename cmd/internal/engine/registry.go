package engine

import (
	"strings"
	"sync"
)

// TurnRegistry records which turn is in flight for each conversation
// identity. Every Engine of a process shares one registry, so two
// connections of the same owner cannot run turns on one conversation at
// the same time.
type TurnRegistry struct {
	mu    sync.Mutex
	turns map[string]string
}

// NewTurnRegistry constructs an empty registry.
func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{turns: make(map[string]string)}
}

// Claim reserves identity for turnID. It reports false when another turn
// holds it. Claiming an identity the same turn already holds succeeds.
func (r *TurnRegistry) Claim(identity, turnID string) bool {
	identity = strings.TrimSpace(identity)
	if identity == "" || turnID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.turns[identity]; ok && cur != turnID {
		return false
	}
	r.turns[identity] = turnID
	return true
}

// Release frees identity if turnID holds it.
func (r *TurnRegistry) Release(identity, turnID string) {
	identity = strings.TrimSpace(identity)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turns[identity] == turnID {
		delete(r.turns, identity)
	}
}

// Holder returns the turn holding identity, if any.
func (r *TurnRegistry) Holder(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.turns[strings.TrimSpace(identity)]
	return id, ok
}
