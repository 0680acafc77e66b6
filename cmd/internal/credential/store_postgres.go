package credential

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

// PostgresStore keeps sealed credentials in PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "frugalgpt").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("credential: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("credential: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, sealer *Sealer, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, sealer: sealer, schema: "frugalgpt"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("credential: nil pool")
	}
	if st.sealer == nil {
		return nil, errors.New("credential: nil sealer")
	}
	return st, nil
}

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Get(ctx context.Context, userID string) (Credential, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credential{}, ErrInvalidInput
	}

	var (
		sealed []byte
		c      Credential
	)
	err := s.pool.QueryRow(ctx,
		`SELECT api_key_sealed, assistant_id, updated_at
		   FROM `+pgIdent(s.schema, "credentials")+`
		  WHERE user_id = $1`,
		userID,
	).Scan(&sealed, &c.AssistantID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}

	key, err := s.sealer.Open(userID, sealed)
	if err != nil {
		return Credential{}, err
	}
	c.APIKey = key
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) Put(ctx context.Context, userID string, c Credential) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	sealed, err := s.sealer.Seal(userID, strings.TrimSpace(c.APIKey))
	if err != nil {
		return err
	}
	now := c.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "credentials")+` (user_id, api_key_sealed, assistant_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		   SET api_key_sealed = EXCLUDED.api_key_sealed,
		       assistant_id = EXCLUDED.assistant_id,
		       updated_at = EXCLUDED.updated_at`,
		userID, sealed, strings.TrimSpace(c.AssistantID), now,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// ApplySchema creates the credentials table. It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("credential: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("credential: invalid schema identifier")
	}
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  user_id        TEXT PRIMARY KEY,
  api_key_sealed BYTEA NOT NULL,
  assistant_id   TEXT NOT NULL DEFAULT '',
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "credentials"))

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("credential: apply schema: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
