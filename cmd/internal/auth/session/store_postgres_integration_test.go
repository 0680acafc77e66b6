package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when FRUGAL_DATABASE_URL is set.

func TestPostgresRevocations_RevokeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbURL := os.Getenv("FRUGAL_DATABASE_URL")
	if dbURL == "" {
		t.Skip("FRUGAL_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}

	if err := ApplySchema(ctx, pool, "frugalgpt"); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	r, err := NewPostgresRevocations(pool, "frugalgpt")
	if err != nil {
		t.Fatalf("NewPostgresRevocations: %v", err)
	}

	sid := ulid.Make().String()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM frugalgpt.revoked_sessions WHERE session_id = $1`, sid)
	})

	if revoked, err := r.Revoked(ctx, sid); err != nil || revoked {
		t.Fatalf("Revoked before revoke = %v, %v", revoked, err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Revoke(ctx, Revocation{SessionID: sid, UserID: "user-1", Reason: "test"}); err != nil {
			t.Fatalf("Revoke #%d: %v", i+1, err)
		}
	}
	if revoked, err := r.Revoked(ctx, sid); err != nil || !revoked {
		t.Fatalf("Revoked after revoke = %v, %v", revoked, err)
	}
}

func TestNewPostgresRevocations_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresRevocations(&pgxpool.Pool{}, "bad-schema;"); err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
