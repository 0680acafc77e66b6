package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"frugalgpt/cmd/internal/chat"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/ids"
	"frugalgpt/cmd/internal/transcript"
)

// AbortNotice replaces the reply of a turn that failed mid-stream.
const AbortNotice = "The assistant's reply was interrupted before it finished. Your message was kept; please try again."

// UnsavedNotice replaces the reply of a new conversation's first turn that
// failed before the conversation was stored.
const UnsavedNotice = "The assistant could not be reached and this conversation was not saved. Please try again."

// errIdleTimeout is reported when no stream event arrives in time.
var errIdleTimeout = errors.New("engine: stream idle timeout")

// IngestHooks receive the durable side of a turn.
type IngestHooks struct {
	// Final is called for every TurnEnded with the turn's entries. The
	// committer behind it writes only once per turn.
	Final func(ctx context.Context, tail []chat.Message) error
	// Failed is called once when the turn aborts, with the user's message
	// and the notice that replaced the reply.
	Failed func(ctx context.Context, cause error, user, notice chat.Message)
}

// Ingestor applies one turn's stream events to its transcripts.
type Ingestor struct {
	ids     *ids.Generator
	idle    time.Duration
	log     *slog.Logger
	metrics *Metrics
}

// NewIngestor constructs an Ingestor with the given per-event idle timeout.
func NewIngestor(gen *ids.Generator, idle time.Duration, log *slog.Logger, metrics *Metrics) *Ingestor {
	if gen == nil {
		gen = ids.NewGenerator(nil)
	}
	if idle <= 0 {
		idle = DefaultConfig().StreamIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{ids: gen, idle: idle, log: log, metrics: metrics}
}

// Run consumes stream until it ends and closes it.
//
// Events are applied in arrival order to the turn's own transcript and, while
// attached, to the conversation's. It returns nil after a clean TurnEnded, the
// commit error if the final write failed, or an error wrapping
// chat.ErrStreamAborted after an abort.
func (in *Ingestor) Run(ctx context.Context, t *Turn, stream completion.Stream, hooks IngestHooks) (err error) {
	defer func() { _ = stream.Close() }()
	defer func() {
		if r := recover(); r != nil {
			in.log.Error("engine.ingest.panic", "turn_id", t.ID, "panic", r)
			err = in.abort(ctx, t, fmt.Errorf("panic: %v", r), hooks)
		}
	}()

	var (
		ended     bool
		commitErr error
	)
	for {
		ev, nerr := in.next(ctx, stream)
		if nerr != nil {
			if ended {
				// The turn is complete; anything after it is noise.
				if !errors.Is(nerr, io.EOF) {
					in.log.Debug("engine.ingest.after_end", "turn_id", t.ID, "err", nerr)
				}
				return commitErr
			}
			if errors.Is(nerr, io.EOF) {
				nerr = fmt.Errorf("%w: stream ended without turn_ended", completion.ErrTransport)
			}
			return in.abort(ctx, t, nerr, hooks)
		}

		if ended && ev.Kind != chat.EventTurnEnded {
			in.log.Warn("engine.ingest.event_after_end", "turn_id", t.ID, "kind", ev.Kind.String())
			continue
		}
		in.metrics.event(ev.Kind.String())

		switch ev.Kind {
		case chat.EventTurnStarted:
			id := in.ids.Next()
			if err := t.apply(func(s *transcript.Store) error { return s.BeginStreamingReply(id) }); err != nil {
				return in.abort(ctx, t, err, hooks)
			}
		case chat.EventTextDelta:
			if err := t.apply(func(s *transcript.Store) error { return s.ExtendLastTail(ev.Text) }); err != nil {
				return in.abort(ctx, t, err, hooks)
			}
		case chat.EventToolInvoked:
			id := in.ids.Next()
			if err := t.apply(func(s *transcript.Store) error { return s.NoteToolInvocation(id, ev.Tool) }); err != nil {
				return in.abort(ctx, t, err, hooks)
			}
		case chat.EventTurnEnded:
			_ = t.apply(func(s *transcript.Store) error { s.EndTurn(); return nil })
			ended = true
			if hooks.Final != nil {
				if err := hooks.Final(ctx, t.entries()); err != nil && commitErr == nil {
					commitErr = err
				}
			}
		default:
			in.log.Warn("engine.ingest.unknown_event", "turn_id", t.ID, "kind", ev.Kind.String())
		}
	}
}

func (in *Ingestor) next(ctx context.Context, stream completion.Stream) (chat.StreamEvent, error) {
	nctx, cancel := context.WithTimeout(ctx, in.idle)
	defer cancel()

	ev, err := stream.Next(nctx)
	if err != nil && ctx.Err() == nil && nctx.Err() != nil {
		return chat.StreamEvent{}, fmt.Errorf("%w after %s", errIdleTimeout, in.idle)
	}
	return ev, err
}

// abort ends the turn: the open reply becomes a system notice and the failure
// is handed to hooks.Failed. Partial reply text is never committed.
func (in *Ingestor) abort(ctx context.Context, t *Turn, cause error, hooks IngestHooks) error {
	in.log.Warn("engine.turn.abort", "turn_id", t.ID, "identity", t.Identity(), "err", cause)

	notice := t.abort(in.ids.Next(), AbortNotice)
	if hooks.Failed != nil {
		hooks.Failed(ctx, cause, t.User, notice)
	}
	return chat.NewOpError("engine.Ingestor.Run", chat.ErrStreamAborted, cause.Error())
}
