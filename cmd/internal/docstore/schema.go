package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplySchema creates the schema and tables PostgresStore needs.
// It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("docstore: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return errors.New("docstore: invalid schema identifier")
	}

	conversations := pgIdent(schema, "conversations")
	ownerIdx := pgx.Identifier{"idx_conversations_owner_updated"}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  identity     TEXT PRIMARY KEY,
  owner_id     TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  messages     JSONB NOT NULL DEFAULT '[]'::jsonb,
  last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
  version      BIGINT NOT NULL DEFAULT 1,

  CONSTRAINT chk_conversations_identity_len CHECK (char_length(identity) > 0 AND char_length(identity) <= 256),
  CONSTRAINT chk_conversations_messages_array CHECK (jsonb_typeof(messages) = 'array')
);

CREATE INDEX IF NOT EXISTS %s ON %s (owner_id, last_updated DESC);
`, pgx.Identifier{schema}.Sanitize(), conversations, ownerIdx, conversations)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("docstore: apply schema: %w", err)
	}
	return nil
}
