package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/trialscoop/database"
	"github.com/fabfab/trialscoop/ingestion"
)

// PostgresStore keeps chunks in pgvector, scoped to one session id.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, sessionID string, dimension int) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if sessionID == "" {
		sessionID = "default"
	}
	if err := database.EnsureChunkSchema(ctx, pool, dimension); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, sessionID: sessionID}, nil
}

func (s *PostgresStore) Add(ctx context.Context, chunks []ingestion.Chunk, vectors [][]float32) (err error) {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("have %d chunks and %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	for i, c := range chunks {
		id, parseErr := uuid.Parse(c.ID)
		if parseErr != nil {
			id = uuid.New()
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO scoop_chunks (id, session_id, source, section, content, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, id, s.sessionID, c.Source, c.Section, c.Text, pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]ingestion.Chunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	var sections []string
	if len(filter.Sections) > 0 {
		sections = filter.Sections
	}

	rows, err := conn.Query(ctx, `
		SELECT id, source, section, content
		FROM scoop_chunks
		WHERE session_id = $1
		  AND ($2::text = '' OR source = $2::text)
		  AND ($3::text[] IS NULL OR section = ANY($3::text[]))
		ORDER BY embedding <=> $4::vector
		LIMIT $5
	`, s.sessionID, filter.Source, sections, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	return collectChunks(rows)
}

func (s *PostgresStore) Dump(ctx context.Context, source string) ([]ingestion.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, section, content
		FROM scoop_chunks
		WHERE session_id = $1 AND source = $2
		ORDER BY seq
	`, s.sessionID, source)
	if err != nil {
		return nil, fmt.Errorf("dump chunks: %w", err)
	}
	return collectChunks(rows)
}

func (s *PostgresStore) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT source FROM scoop_chunks WHERE session_id = $1 ORDER BY source
	`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	sources, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	return sources, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM scoop_chunks WHERE session_id = $1", s.sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM scoop_chunks WHERE session_id = $1", s.sessionID); err != nil {
		return fmt.Errorf("delete session chunks: %w", err)
	}
	return nil
}

func collectChunks(rows pgx.Rows) ([]ingestion.Chunk, error) {
	defer rows.Close()

	chunks := make([]ingestion.Chunk, 0)
	for rows.Next() {
		var (
			id uuid.UUID
			c  ingestion.Chunk
		)
		if err := rows.Scan(&id, &c.Source, &c.Section, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.ID = id.String()
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

var _ Store = (*PostgresStore)(nil)
