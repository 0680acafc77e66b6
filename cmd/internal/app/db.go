package app

import (
	"context"
	"fmt"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// applySchemas runs the idempotent DDL of every Postgres-backed component
// in use. Without FRUGAL_DB_AUTO_MIGRATE the tables must already exist.
func applySchemas(ctx context.Context, pool *pgxpool.Pool, cfg Config) error {
	steps := []struct {
		name  string
		apply func(context.Context, *pgxpool.Pool, string) error
		use   bool
	}{
		{"docstore", docstore.ApplySchema, cfg.DocstoreBackend == BackendPostgres},
		{"credential", credential.ApplySchema, cfg.CredentialBackend == BackendPostgres},
		{"session", session.ApplySchema, true},
	}
	for _, s := range steps {
		if !s.use {
			continue
		}
		if err := s.apply(ctx, pool, cfg.DBSchema); err != nil {
			return fmt.Errorf("apply %s schema: %w", s.name, err)
		}
	}
	return nil
}
