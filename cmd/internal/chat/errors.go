package chat

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the sync engine.
var (
	// ErrNotEligible is returned when the session may not start a turn
	// (not signed in, not the owner, or no completion credential).
	ErrNotEligible = errors.New("not eligible")

	// ErrIdentityRace is returned for a duplicate identity assignment; callers treat it as a no-op.
	ErrIdentityRace = errors.New("identity already assigned")

	// ErrFeedInterrupted is reported when the live subscription drops.
	ErrFeedInterrupted = errors.New("feed interrupted")

	// ErrStreamAborted is returned when a turn fails mid-stream.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrPersistenceConflict is returned when a durable write is rejected,
	// e.g. because the record was deleted concurrently.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrTransportFailure covers any other network fault.
	ErrTransportFailure = errors.New("transport failure")

	// ErrInvalidState is returned for an operation not allowed in the current state,
	// such as appending a user message while a reply is streaming.
	ErrInvalidState = errors.New("invalid state")

	// ErrNoActiveTurn is returned when extending a tail that has no entries.
	ErrNoActiveTurn = errors.New("no active turn")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Msg is human-readable context and
// never carries secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NewOpError builds an OpError.
func NewOpError(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// KindOf returns the sentinel kind carried by err, or nil if err does not
// wrap any of the engine kinds.
func KindOf(err error) error {
	for _, k := range []error{
		ErrNotEligible,
		ErrIdentityRace,
		ErrFeedInterrupted,
		ErrStreamAborted,
		ErrPersistenceConflict,
		ErrTransportFailure,
		ErrInvalidState,
		ErrNoActiveTurn,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns a stable snake_case code for err, used in logs and on the wire.
func Code(err error) string {
	switch KindOf(err) {
	case ErrNotEligible:
		return "not_eligible"
	case ErrIdentityRace:
		return "identity_race"
	case ErrFeedInterrupted:
		return "feed_interrupted"
	case ErrStreamAborted:
		return "stream_aborted"
	case ErrPersistenceConflict:
		return "persistence_conflict"
	case ErrTransportFailure:
		return "transport_failure"
	case ErrInvalidState:
		return "invalid_state"
	case ErrNoActiveTurn:
		return "no_active_turn"
	default:
		return "internal"
	}
}
