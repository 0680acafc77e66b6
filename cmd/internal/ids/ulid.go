// Package ids provides ULID primitives used for transcript message ids and
// conversation identities.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generator hands out strictly increasing ULIDs.
//
// Within the same millisecond the random component is incremented, so ids
// produced by one Generator sort in creation order. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
}

// NewGenerator builds a Generator. A nil clock defaults to time.Now.
func NewGenerator(clock func() time.Time) *Generator {
	return newGenerator(clock, rand.Reader)
}

func newGenerator(clock func() time.Time, r io.Reader) *Generator {
	if clock == nil {
		clock = time.Now
	}
	return &Generator{
		now:     clock,
		entropy: ulid.Monotonic(r, 0),
	}
}

// Next returns the next id. It never returns an id lower than or equal to a
// previously returned one, even if the clock moves backwards.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.last.Time() {
		ms = g.last.Time()
	}

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Entropy overflow within one millisecond: step into the next one.
		id, err = ulid.New(ms+1, g.entropy)
		if err != nil {
			id = ulid.Make()
		}
	}
	if id.Compare(g.last) <= 0 {
		id, _ = ulid.New(g.last.Time()+1, g.entropy)
	}
	g.last = id
	return id.String()
}
