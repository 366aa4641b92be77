package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureChunkSchema creates the session-scoped chunk table used by the postgres index backend.
func EnsureChunkSchema(ctx context.Context, db Execer, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scoop_chunks (
			id UUID PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			session_id TEXT NOT NULL,
			source TEXT NOT NULL,
			section TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_scoop_chunks_session_source ON scoop_chunks(session_id, source, seq)",
		"CREATE INDEX IF NOT EXISTS idx_scoop_chunks_section ON scoop_chunks(session_id, source, section)",
		"CREATE INDEX IF NOT EXISTS idx_scoop_chunks_embedding ON scoop_chunks USING ivfflat (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
