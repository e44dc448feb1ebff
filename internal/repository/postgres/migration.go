package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id BIGSERIAL PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		utterance_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL CHECK (role IN ('user', 'agent')),
		content TEXT NOT NULL,
		speaker TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		probability DOUBLE PRECISION NOT NULL DEFAULT 0,
		hold_ms BIGINT NOT NULL DEFAULT 0,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation ON conversation_turns (conversation_id, id DESC)`,
}

// RunMigration creates the turn table when missing.
func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
