// Package index holds the session's semantic index: section-tagged chunks with their embeddings.
package index

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/embeddings"
	"github.com/fabfab/trialscoop/ingestion"
)

var (
	// ErrEmbedding marks a failed or malformed embedding call. The index is left unchanged.
	ErrEmbedding = errors.New("embedding error")
	// ErrInvalidChunk marks a chunk with empty text or a source that is not a URL.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Filter restricts a query to one source and, optionally, a set of section labels.
type Filter struct {
	Source   string
	Sections []string
}

// Store persists chunks with their vectors. Add must be all-or-nothing.
type Store interface {
	Add(ctx context.Context, chunks []ingestion.Chunk, vectors [][]float32) error
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]ingestion.Chunk, error)
	Dump(ctx context.Context, source string) ([]ingestion.Chunk, error)
	Sources(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type Index struct {
	mu       sync.RWMutex
	store    Store
	embedder embeddings.Embedder
	logger   *zap.Logger
}

func New(store Store, embedder embeddings.Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{store: store, embedder: embedder, logger: logger}
}

// Insert embeds and stores a batch. Either every chunk lands or none does. Every stored chunk
// gets a fresh id; any id on the input is ignored, so re-inserting dumped chunks adds copies.
func (x *Index) Insert(ctx context.Context, chunks []ingestion.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if x.embedder == nil {
		return fmt.Errorf("embedder not configured: %w", ErrEmbedding)
	}

	batch := make([]ingestion.Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if err := validate(c); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		c.ID = uuid.NewString()
		batch[i] = c
		texts[i] = c.Text
	}

	vectors, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d chunks: %v: %w", len(texts), err, ErrEmbedding)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings: %w", len(texts), len(vectors), ErrEmbedding)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding for chunk %d: %w", i, ErrEmbedding)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.store.Add(ctx, batch, vectors); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	x.logger.Debug("indexed chunks", zap.Int("count", len(batch)), zap.String("source", batch[0].Source))
	return nil
}

// Query returns up to k chunks matching filter, most similar first.
// No matching chunk is an empty result, not an error.
func (x *Index) Query(ctx context.Context, text string, k int, filter Filter) ([]ingestion.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	count, err := x.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	if x.embedder == nil {
		return nil, fmt.Errorf("embedder not configured: %w", ErrEmbedding)
	}

	vectors, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %v: %w", err, ErrEmbedding)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query returned %d vectors: %w", len(vectors), ErrEmbedding)
	}

	return x.store.Query(ctx, vectors[0], k, filter)
}

// Dump returns every chunk of source in insertion order.
func (x *Index) Dump(ctx context.Context, source string) ([]ingestion.Chunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.Dump(ctx, source)
}

func (x *Index) Sources(ctx context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.Sources(ctx)
}

func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.Count(ctx)
}

// Clear empties the index. Clearing an empty index is a no-op.
func (x *Index) Clear(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	x.logger.Info("index cleared")
	return nil
}

func validate(c ingestion.Chunk) error {
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("empty text: %w", ErrInvalidChunk)
	}
	if !ValidSource(c.Source) {
		return fmt.Errorf("source %q is not a URL: %w", c.Source, ErrInvalidChunk)
	}
	return nil
}

// ValidSource reports whether s is an absolute URL with a scheme and a host or path.
func ValidSource(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Host != "" || u.Path != "" || u.Opaque != ""
}
