package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"frugalgpt/cmd/internal/chat"
)

func userMsg(id, text string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleUser, Content: text}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestStore_DeltasConcatenateInArrivalOrder(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{},
		{"Hi"},
		{"Hi", " there"},
		{"a", "b", "c", "d", "e", "f", "g"},
		{"", "x", "", "yz", " ", "ünï", "code\n```go\n", "}"},
	}

	for i, deltas := range cases {
		s := New()
		if err := s.AppendOptimistic(userMsg("u1", "hello")); err != nil {
			t.Fatalf("case %d: AppendOptimistic: %v", i, err)
		}
		if err := s.BeginStreamingReply("a1"); err != nil {
			t.Fatalf("case %d: BeginStreamingReply: %v", i, err)
		}
		for _, d := range deltas {
			if err := s.ExtendLastTail(d); err != nil {
				t.Fatalf("case %d: ExtendLastTail: %v", i, err)
			}
		}
		s.EndTurn()

		snap := s.Snapshot()
		last := snap.Rendered[len(snap.Rendered)-1]
		if last.Role != chat.RoleAssistant {
			t.Fatalf("case %d: expected assistant entry, got %q", i, last.Role)
		}
		if want := strings.Join(deltas, ""); last.Content != want {
			t.Fatalf("case %d: content=%q want=%q", i, last.Content, want)
		}
		if snap.Streaming {
			t.Fatalf("case %d: expected streaming=false after EndTurn", i)
		}
	}
}

func TestStore_AppendOptimisticRejectedWhileStreaming(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.BeginStreamingReply("a1"); err != nil {
		t.Fatalf("BeginStreamingReply: %v", err)
	}

	err := s.AppendOptimistic(userMsg("u2", "second"))
	if !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStore_ExtendWithoutTurnFails(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.ExtendLastTail("x"); !errors.Is(err, chat.ErrNoActiveTurn) {
		t.Fatalf("expected ErrNoActiveTurn, got %v", err)
	}

	_ = s.AppendOptimistic(userMsg("u1", "hello"))
	if err := s.ExtendLastTail("x"); !errors.Is(err, chat.ErrNoActiveTurn) {
		t.Fatalf("expected ErrNoActiveTurn with only a user entry, got %v", err)
	}
}

func TestStore_ToolNoticeDoesNotCloseReply(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.AppendOptimistic(userMsg("u1", "plot it"))
	_ = s.BeginStreamingReply("a1")
	_ = s.ExtendLastTail("Running ")
	if err := s.NoteToolInvocation("t1", "code_interpreter"); err != nil {
		t.Fatalf("NoteToolInvocation: %v", err)
	}
	_ = s.ExtendLastTail("the code")
	s.EndTurn()

	snap := s.Snapshot()
	if got := ids(snap.Tail); strings.Join(got, ",") != "u1,a1,t1" {
		t.Fatalf("tail ids=%v", got)
	}
	if snap.Tail[1].Content != "Running the code" {
		t.Fatalf("assistant content=%q", snap.Tail[1].Content)
	}
	if snap.Tail[2].Role != chat.RoleToolNotice || snap.Tail[2].Content != "Tool: code_interpreter" {
		t.Fatalf("unexpected tool entry: %+v", snap.Tail[2])
	}
}

func TestStore_MergeBaselineKeepsUnmatchedTail(t *testing.T) {
	t.Parallel()

	s := New()
	s.MergeBaseline([]chat.Message{userMsg("m1", "one"), {ID: "m2", Role: chat.RoleAssistant, Content: "two"}})

	_ = s.AppendOptimistic(userMsg("u3", "three"))
	_ = s.BeginStreamingReply("a3")
	_ = s.ExtendLastTail("partial")

	// Baseline update that does not contain the tail (e.g. a rename).
	s.MergeBaseline([]chat.Message{userMsg("m1", "one"), {ID: "m2", Role: chat.RoleAssistant, Content: "two"}})

	snap := s.Snapshot()
	if got := strings.Join(ids(snap.Rendered), ","); got != "m1,m2,u3,a3" {
		t.Fatalf("rendered ids=%s", got)
	}
	if !snap.Streaming {
		t.Fatalf("merge must not end the turn")
	}
	if snap.Rendered[3].Content != "partial" {
		t.Fatalf("streamed content lost: %q", snap.Rendered[3].Content)
	}
}

func TestStore_MergeBaselineFoldsConfirmedEntries(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.AppendOptimistic(userMsg("u1", "hello"))
	_ = s.BeginStreamingReply("a1")
	_ = s.ExtendLastTail("hi")

	// The user message is confirmed while the reply is still streaming.
	s.MergeBaseline([]chat.Message{userMsg("u1", "hello")})

	snap := s.Snapshot()
	if got := strings.Join(ids(snap.Tail), ","); got != "a1" {
		t.Fatalf("tail ids=%s", got)
	}
	if err := s.ExtendLastTail(" there"); err != nil {
		t.Fatalf("ExtendLastTail after fold: %v", err)
	}
	s.EndTurn()

	s.MergeBaseline([]chat.Message{userMsg("u1", "hello"), {ID: "a1", Role: chat.RoleAssistant, Content: "hi there"}})
	snap = s.Snapshot()
	if len(snap.Tail) != 0 {
		t.Fatalf("expected empty tail, got %v", ids(snap.Tail))
	}
	if got := strings.Join(ids(snap.Rendered), ","); got != "u1,a1" {
		t.Fatalf("rendered ids=%s", got)
	}
}

func TestStore_NoLossUnderConcurrentBaselineUpdates(t *testing.T) {
	t.Parallel()

	s := New()
	base := []chat.Message{userMsg("m1", "one"), userMsg("m2", "two")}
	s.MergeBaseline(base)

	_ = s.AppendOptimistic(userMsg("u3", "three"))
	_ = s.BeginStreamingReply("a3")

	const deltas = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < deltas; i++ {
			if err := s.ExtendLastTail("x"); err != nil {
				t.Errorf("ExtendLastTail: %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < deltas; i++ {
			s.MergeBaseline(base)
			snap := s.Snapshot()
			got := ids(snap.Rendered)
			if len(got) != 4 || got[2] != "u3" || got[3] != "a3" {
				t.Errorf("tail truncated by baseline update: %v", got)
				return
			}
		}
	}()

	wg.Wait()

	snap := s.Snapshot()
	if snap.Rendered[3].Content != strings.Repeat("x", deltas) {
		t.Fatalf("lost deltas: got %d chars", len(snap.Rendered[3].Content))
	}
}

func TestStore_AbortTurnMarksOpenReply(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.AppendOptimistic(userMsg("u1", "hello"))
	_ = s.BeginStreamingReply("a1")
	_ = s.ExtendLastTail("half an ans")

	got := s.AbortTurn("n1", "Reply failed.")
	if got.ID != "a1" || got.Role != chat.RoleSystem || got.Content != "Reply failed." {
		t.Fatalf("unexpected aborted entry: %+v", got)
	}

	snap := s.Snapshot()
	if snap.Streaming {
		t.Fatalf("expected streaming=false")
	}
	if len(snap.Tail) != 2 || snap.Tail[1].Role != chat.RoleSystem {
		t.Fatalf("unexpected tail: %+v", snap.Tail)
	}
}

func TestStore_AbortTurnWithoutReplyAppendsNotice(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.AppendOptimistic(userMsg("u1", "hello"))

	got := s.AbortTurn("n1", "Reply failed.")
	if got.ID != "n1" || got.Role != chat.RoleSystem {
		t.Fatalf("unexpected notice: %+v", got)
	}
	if snap := s.Snapshot(); strings.Join(ids(snap.Tail), ",") != "u1,n1" {
		t.Fatalf("tail ids=%v", ids(snap.Tail))
	}
}

func TestStore_FreezeRejectsNewTurns(t *testing.T) {
	t.Parallel()

	s := New()
	s.Freeze()

	if err := s.AppendOptimistic(userMsg("u1", "hello")); !errors.Is(err, chat.ErrPersistenceConflict) {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}

	s.AppendNotice("n1", "This conversation was removed.")
	if snap := s.Snapshot(); !snap.Frozen || len(snap.Local) != 1 || len(snap.Rendered) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStore_ChangeHookAndVersion(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := New(WithChangeHook(func() { calls.Add(1) }))

	_ = s.AppendOptimistic(userMsg("u1", "hello"))
	s.SetStale(true)
	s.SetStale(true)          // no-op
	_ = s.ExtendLastTail("x") // fails, no hook

	if got := calls.Load(); got != 2 {
		t.Fatalf("hook calls=%d want=2", got)
	}
	if v := s.Snapshot().Version; v != 2 {
		t.Fatalf("version=%d want=2", v)
	}
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.AppendOptimistic(userMsg("u1", "hello"))
	_ = s.BeginStreamingReply("a1")

	before := s.Snapshot()
	_ = s.ExtendLastTail("later")

	if before.Tail[1].Content != "" {
		t.Fatalf("snapshot observed a later mutation: %q", before.Tail[1].Content)
	}
}

func TestStore_DuplicateIDsRejected(t *testing.T) {
	t.Parallel()

	s := New()
	s.MergeBaseline([]chat.Message{userMsg("m1", "one")})

	for i, err := range []error{
		s.AppendOptimistic(userMsg("m1", "again")),
		s.BeginStreamingReply("m1"),
		s.NoteToolInvocation("m1", "retrieval"),
	} {
		if !errors.Is(err, chat.ErrInvalidState) {
			t.Fatalf("op %d: expected ErrInvalidState, got %v", i, err)
		}
	}
	if got := fmt.Sprint(ids(s.Snapshot().Rendered)); got != "[m1]" {
		t.Fatalf("rendered=%s", got)
	}
}

func stamped(id string, role chat.Role, at time.Time) chat.Message {
	return chat.Message{ID: id, Role: role, Content: id, CreatedAt: at}
}

func TestStore_UnsavedTurnSettlesInPlace(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return t0.Add(time.Second) }))

	// A turn that failed before anything was persisted.
	_ = s.AppendOptimistic(stamped("u1", chat.RoleUser, t0))
	s.AbortTurn("n1", "Reply failed.")

	_ = s.AppendOptimistic(stamped("u2", chat.RoleUser, t0.Add(time.Minute)))
	snap := s.Snapshot()
	if got := strings.Join(ids(snap.Tail), ","); got != "u2" {
		t.Fatalf("tail ids=%s want u2", got)
	}
	if got := strings.Join(ids(snap.Local), ","); got != "u1,n1" {
		t.Fatalf("local ids=%s want u1,n1", got)
	}

	// The second turn is confirmed with a reply.
	s.MergeBaseline([]chat.Message{
		stamped("u2", chat.RoleUser, t0.Add(time.Minute)),
		stamped("a2", chat.RoleAssistant, t0.Add(2*time.Minute)),
	})
	snap = s.Snapshot()
	if got := strings.Join(ids(snap.Rendered), ","); got != "u1,n1,u2,a2" {
		t.Fatalf("rendered=%s want u1,n1,u2,a2", got)
	}
	if len(snap.Tail) != 0 {
		t.Fatalf("tail=%v want empty", ids(snap.Tail))
	}
}

func TestStore_LocalEntriesInterleaveByTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(90 * time.Second)
	s := New(WithClock(func() time.Time { return now }))

	s.MergeBaseline([]chat.Message{
		stamped("m1", chat.RoleUser, t0),
		stamped("m2", chat.RoleAssistant, t0.Add(time.Minute)),
		stamped("m3", chat.RoleUser, t0.Add(2*time.Minute)),
		stamped("m4", chat.RoleAssistant, time.Time{}),
	})
	s.AppendNotice("n1", "Live updates were interrupted.")

	if got := strings.Join(ids(s.Snapshot().Rendered), ","); got != "m1,m2,n1,m3,m4" {
		t.Fatalf("rendered=%s want m1,m2,n1,m3,m4", got)
	}

	s.RemoveLocal("n1")
	s.RemoveLocal("n1") // no-op
	snap := s.Snapshot()
	if len(snap.Local) != 0 || len(snap.Rendered) != 4 {
		t.Fatalf("local=%v rendered=%v", ids(snap.Local), ids(snap.Rendered))
	}
}

func TestStore_SettledEntriesLeaveOnConfirmation(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New()
	_ = s.AppendOptimistic(stamped("u1", chat.RoleUser, t0))
	_ = s.BeginStreamingReply("a1")
	if err := s.Settle(); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("Settle while streaming: %v", err)
	}
	s.EndTurn()
	if err := s.Settle(); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	s.MergeBaseline([]chat.Message{stamped("u1", chat.RoleUser, t0), stamped("a1", chat.RoleAssistant, t0)})
	snap := s.Snapshot()
	if len(snap.Local) != 0 || len(snap.Tail) != 0 {
		t.Fatalf("local=%v tail=%v", ids(snap.Local), ids(snap.Tail))
	}
	if got := strings.Join(ids(snap.Rendered), ","); got != "u1,a1" {
		t.Fatalf("rendered=%s", got)
	}
}
