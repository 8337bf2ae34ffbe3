package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used for migrations.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema creates the journal table. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS session_journal (
		id          UUID PRIMARY KEY,
		session_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		slot_id     TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT '',
		epoch       BIGINT NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS session_journal_session_idx
		ON session_journal (session_id, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS session_journal_slot_idx
		ON session_journal (slot_id)`,
}

// EnsureSchema creates the journal table and indexes if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
