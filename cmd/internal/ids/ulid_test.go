package ids

import (
	"sync"
	"testing"
	"time"
)

func TestNewULID_Length(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}
}

func TestGenerator_StrictlyIncreasingWithFrozenClock(t *testing.T) {
	t.Parallel()

	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator(func() time.Time { return frozen })

	prev := ""
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not increasing: prev=%q got=%q", i, prev, id)
		}
		prev = id
	}
}

func TestGenerator_ClockGoesBackwards(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	g := NewGenerator(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	first := g.Next()

	mu.Lock()
	now = now.Add(-time.Hour)
	mu.Unlock()

	second := g.Next()
	if second <= first {
		t.Fatalf("expected monotonic ids across clock skew: first=%q second=%q", first, second)
	}
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	g := NewGenerator(nil)

	const workers, perWorker = 8, 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}
