package index

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/fabfab/trialscoop/ingestion"
)

const memoryCollection = "chunks"

// MemoryStore keeps the session index in a chromem-go collection.
type MemoryStore struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	bySource   map[string][]ingestion.Chunk
}

func NewMemoryStore() (*MemoryStore, error) {
	s := &MemoryStore{db: chromem.NewDB()}
	if err := s.reset(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) reset() error {
	collection, err := s.db.CreateCollection(memoryCollection, nil, precomputed)
	if err != nil {
		return fmt.Errorf("create chromem collection: %w", err)
	}
	s.collection = collection
	s.bySource = make(map[string][]ingestion.Chunk)
	return nil
}

// precomputed is installed as the collection's embedding func. Documents always arrive with vectors.
func precomputed(context.Context, string) ([]float32, error) {
	return nil, errors.New("memory store expects precomputed embeddings")
}

func (s *MemoryStore) Add(ctx context.Context, chunks []ingestion.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("have %d chunks and %d vectors", len(chunks), len(vectors))
	}

	docs := make([]chromem.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"source":  c.Source,
				"section": c.Section,
			},
		}
		ids[i] = c.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		// AddDocuments may have stored part of the batch.
		if delErr := s.collection.Delete(context.WithoutCancel(ctx), nil, nil, ids...); delErr != nil {
			return fmt.Errorf("add documents: %v (rollback: %v)", err, delErr)
		}
		return fmt.Errorf("add documents: %w", err)
	}

	for _, c := range chunks {
		s.bySource[c.Source] = append(s.bySource[c.Source], c)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]ingestion.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.collection.Count()
	if total == 0 || k <= 0 {
		return nil, nil
	}
	n := k
	if n > total {
		n = total
	}

	// chromem's where clause is equality only, so section membership fans out.
	wheres := make([]map[string]string, 0, 1)
	if len(filter.Sections) == 0 {
		wheres = append(wheres, baseWhere(filter))
	}
	for _, section := range filter.Sections {
		w := baseWhere(filter)
		w["section"] = section
		wheres = append(wheres, w)
	}

	var results []chromem.Result
	seen := make(map[string]bool)
	for _, where := range wheres {
		var w map[string]string
		if len(where) > 0 {
			w = where
		}
		res, err := s.collection.QueryEmbedding(ctx, vector, n, w, nil)
		if err != nil {
			return nil, fmt.Errorf("query chromem: %w", err)
		}
		for _, r := range res {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}

	chunks := make([]ingestion.Chunk, len(results))
	for i, r := range results {
		chunks[i] = ingestion.Chunk{
			ID:      r.ID,
			Text:    r.Content,
			Source:  r.Metadata["source"],
			Section: r.Metadata["section"],
		}
	}
	return chunks, nil
}

func baseWhere(filter Filter) map[string]string {
	w := make(map[string]string, 2)
	if filter.Source != "" {
		w["source"] = filter.Source
	}
	return w
}

func (s *MemoryStore) Dump(_ context.Context, source string) ([]ingestion.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingestion.Chunk(nil), s.bySource[source]...), nil
}

func (s *MemoryStore) Sources(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make([]string, 0, len(s.bySource))
	for source := range s.bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Count(), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(memoryCollection); err != nil {
		return fmt.Errorf("delete chromem collection: %w", err)
	}
	return s.reset()
}

var _ Store = (*MemoryStore)(nil)
