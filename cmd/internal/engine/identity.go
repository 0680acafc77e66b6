package engine

import (
	"strings"
	"sync"

	"frugalgpt/cmd/internal/chat"
)

// IdentityResolver assigns the identity of a new conversation exactly once.
//
// The first Resolve runs assign (which records the identity, opens the
// subscription and emits navigation). Any later Resolve, for the same turn
// or another one, returns chat.ErrIdentityRace and does nothing.
type IdentityResolver struct {
	assign func(identity string)

	mu       sync.Mutex
	turnID   string
	identity string
}

// NewIdentityResolver constructs a resolver around assign.
func NewIdentityResolver(assign func(identity string)) *IdentityResolver {
	return &IdentityResolver{assign: assign}
}

// Resolve assigns identity on behalf of turnID.
func (r *IdentityResolver) Resolve(turnID, identity string) error {
	const op = "engine.IdentityResolver.Resolve"

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return chat.NewOpError(op, chat.ErrInvalidState, "empty identity")
	}

	r.mu.Lock()
	if r.identity != "" {
		prevTurn, prev := r.turnID, r.identity
		r.mu.Unlock()
		if prevTurn == turnID && prev == identity {
			return chat.NewOpError(op, chat.ErrIdentityRace, "duplicate assignment for turn")
		}
		return chat.NewOpError(op, chat.ErrIdentityRace, "identity already assigned")
	}
	r.turnID, r.identity = turnID, identity
	r.mu.Unlock()

	if r.assign != nil {
		r.assign(identity)
	}
	return nil
}

// Identity returns the assigned identity, or "".
func (r *IdentityResolver) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}
