package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostgresRevocations implements Revocations on <schema>.revoked_sessions.
type PostgresRevocations struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresRevocations creates a Postgres-backed deny list.
func NewPostgresRevocations(pool *pgxpool.Pool, schema string) (*PostgresRevocations, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !pgIdentRe.MatchString(schema) {
		return nil, ErrConfig
	}
	return &PostgresRevocations{
		pool:  pool,
		table: pgx.Identifier{schema, "revoked_sessions"}.Sanitize(),
	}, nil
}

// ApplySchema creates the revoked_sessions table. It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	r, err := NewPostgresRevocations(pool, schema)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  session_id TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  revoked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  reason     TEXT
);
`, pgx.Identifier{strings.TrimSpace(schema)}.Sanitize(), r.table)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("session: apply schema: %w", err)
	}
	return nil
}

// Revoked reports whether sessionID is listed.
func (r *PostgresRevocations) Revoked(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM `+r.table+` WHERE session_id = $1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Revoke inserts a revocation; an existing row is kept.
func (r *PostgresRevocations) Revoke(ctx context.Context, rev Revocation) error {
	if strings.TrimSpace(rev.SessionID) == "" {
		return ErrSessionNotFound
	}
	at := rev.RevokedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO `+r.table+` (session_id, user_id, revoked_at, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING
	`, rev.SessionID, rev.UserID, at, nullIfEmpty(rev.Reason))
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
