// Package session wires one user session: its semantic index and the pipeline components that
// read from it. Nothing here is global; every caller holds its own *Session.
package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/catalog"
	"github.com/fabfab/trialscoop/config"
	"github.com/fabfab/trialscoop/database"
	"github.com/fabfab/trialscoop/embeddings"
	"github.com/fabfab/trialscoop/extraction"
	"github.com/fabfab/trialscoop/index"
	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/knowledge"
	"github.com/fabfab/trialscoop/llm"
	"github.com/fabfab/trialscoop/selection"
)

// Deps are the external capabilities a session is built from.
type Deps struct {
	ID       string
	LLM      llm.Client
	Embedder embeddings.Embedder
	Store    index.Store
	Graph    neo4j.DriverWithContext
	Config   config.Config
	Logger   *zap.Logger
}

type Session struct {
	ID        string
	Index     *index.Index
	Documents *ingestion.StaticFetcher
	Ingestion *ingestion.Service
	Catalog   *catalog.Builder
	Extractor *extraction.Extractor
	Tables    *extraction.Tables
	Selector  *selection.Selector

	graph  neo4j.DriverWithContext
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New builds a session from configuration, opening whatever backends it names.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := llm.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	deps := Deps{ID: cfg.Index.SessionID, LLM: client, Embedder: embedder, Config: cfg, Logger: logger}

	var pool *pgxpool.Pool
	switch cfg.Index.Backend {
	case config.BackendPostgres:
		pool, err = database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		store, err := index.NewPostgresStore(ctx, pool, cfg.Index.SessionID, cfg.Embeddings.Dimension)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres index: %w", err)
		}
		deps.Store = store
	default:
		store, err := index.NewMemoryStore()
		if err != nil {
			return nil, fmt.Errorf("memory index: %w", err)
		}
		deps.Store = store
	}

	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		deps.Graph = driver
	}

	s := NewWith(deps)
	s.pool = pool
	return s, nil
}

// NewWith assembles a session around already-constructed dependencies.
func NewWith(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := deps.ID
	if id == "" {
		id = "default"
	}
	cfg := deps.Config

	idx := index.New(deps.Store, deps.Embedder, logger.Named("index"))
	static := ingestion.NewStaticFetcher()
	fetcher := ingestion.MultiFetcher{Files: ingestion.FileFetcher{}, Fallback: static}

	extractor := extraction.NewExtractor(idx, deps.LLM, logger.Named("extraction"), extraction.Options{
		LocateK:        cfg.Retrieval.LocateK,
		ScoopK:         cfg.Retrieval.ScoopK,
		LocateSections: cfg.Retrieval.LocateSections,
	})

	return &Session{
		ID:        id,
		Index:     idx,
		Documents: static,
		Ingestion: ingestion.NewService(fetcher, idx, logger.Named("ingestion"), ingestion.Options{
			ChunkSize:    cfg.Chunking.Size,
			ChunkOverlap: cfg.Chunking.Overlap,
		}),
		Catalog: catalog.NewBuilder(idx,
			catalog.NewDiscoverer(idx, deps.LLM, logger.Named("discover")),
			catalog.NewNormalizer(deps.LLM, logger.Named("normalize")),
			logger.Named("catalog"),
		),
		Extractor: extractor,
		Tables:    extraction.NewTables(idx, extractor, extraction.NewAnalyzer(deps.LLM, logger.Named("analyze")), logger.Named("tables")),
		Selector:  selection.NewSelector(deps.LLM, logger.Named("selection")),
		graph:     deps.Graph,
		logger:    logger,
	}
}

// BuildCatalog aggregates the library and mirrors it to the graph when one is configured.
// A graph failure is logged; the catalog is still returned.
func (s *Session) BuildCatalog(ctx context.Context) (catalog.Report, error) {
	report, err := s.Catalog.Build(ctx)
	if err != nil {
		return report, err
	}
	if s.graph != nil {
		if err := knowledge.SyncCatalog(ctx, s.graph, s.ID, report); err != nil {
			s.logger.Warn("sync catalog graph failed", zap.Error(err))
		}
	}
	return report, nil
}

// Graph is the optional Neo4j driver, nil when not configured.
func (s *Session) Graph() neo4j.DriverWithContext {
	return s.graph
}

// Clear empties the index and the session's catalog graph.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.Index.Clear(ctx); err != nil {
		return err
	}
	if s.graph != nil {
		if err := knowledge.ClearCatalog(ctx, s.graph, s.ID); err != nil {
			return fmt.Errorf("clear catalog graph: %w", err)
		}
	}
	return nil
}

func (s *Session) Close(ctx context.Context) {
	if s.graph != nil {
		if err := s.graph.Close(ctx); err != nil {
			s.logger.Warn("close neo4j driver", zap.Error(err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
