package conversation

import (
	"context"
	"fmt"
)

// schema is the minimal DDL for the conversation log. Applied idempotently
// at startup; anything beyond this (indexes for analytics, retention jobs)
// belongs to deployment tooling.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            UUID PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	turn_sequence INTEGER NOT NULL DEFAULT 0,
	turn_active   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_name       TEXT NOT NULL DEFAULT '',
	tool_args       JSONB,
	tool_result     JSONB,
	status          TEXT NOT NULL DEFAULT 'completed',
	sequence        INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (conversation_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, sequence);
`

// EnsureSchema creates the store's tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
