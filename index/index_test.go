package index

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/trialscoop/ingestion"
)

// keywordEmbedder maps text onto a few keyword axes so similarity is predictable.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	short bool
}

var axes = []string{"hba1c", "weight", "age"}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		lower := strings.ToLower(text)
		vec := []float32{0.05, 0, 0, 0}
		for i, axis := range axes {
			if strings.Contains(lower, axis) {
				vec[i+1] = 1
			}
		}
		out = append(out, vec)
	}
	if e.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func newMemoryIndex(t *testing.T, emb *keywordEmbedder) *Index {
	t.Helper()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	return New(store, emb, nil)
}

const (
	paperA = "https://pubmed.ncbi.nlm.nih.gov/100/"
	paperB = "https://clinicaltrials.gov/study/NCT0001"
)

func sampleChunks() []ingestion.Chunk {
	return []ingestion.Chunk{
		{Text: "Mean age was 54 years.", Source: paperA, Section: "Methods"},
		{Text: "HbA1c fell by 0.8% versus placebo.", Source: paperA, Section: "Results"},
		{Text: "Body weight decreased by 2 kg.", Source: paperA, Section: "Results"},
		{Text: "Primary outcome: change in HbA1c.", Source: paperA, Section: "Outcomes"},
		{Text: "HbA1c at week 26 was 7.1%.", Source: paperB, Section: "Results"},
	}
}

func TestQueryFiltersBySourceAndSections(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})
	require.NoError(t, idx.Insert(ctx, sampleChunks()))

	hits, err := idx.Query(ctx, "hba1c", 5, Filter{Source: paperA, Sections: []string{"Results", "Outcomes"}})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	for _, h := range hits {
		assert.Equal(t, paperA, h.Source)
		assert.Contains(t, []string{"Results", "Outcomes"}, h.Section)
	}
	assert.Contains(t, strings.ToLower(hits[0].Text), "hba1c")
	assert.Contains(t, strings.ToLower(hits[1].Text), "hba1c")
	assert.Equal(t, "Body weight decreased by 2 kg.", hits[2].Text)
}

func TestQueryTopK(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})
	require.NoError(t, idx.Insert(ctx, sampleChunks()))

	hits, err := idx.Query(ctx, "weight", 1, Filter{Source: paperA})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Body weight decreased by 2 kg.", hits[0].Text)

	all, err := idx.Query(ctx, "anything", 50, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestQueryNoMatchIsEmpty(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})
	require.NoError(t, idx.Insert(ctx, sampleChunks()))

	hits, err := idx.Query(ctx, "hba1c", 5, Filter{Source: paperB, Sections: []string{"Abstract"}})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Query(ctx, "hba1c", 5, Filter{Source: "https://example.org/unknown"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryEmptyIndexSkipsEmbedding(t *testing.T) {
	emb := &keywordEmbedder{}
	idx := newMemoryIndex(t, emb)

	hits, err := idx.Query(context.Background(), "hba1c", 5, Filter{Source: paperA})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 0, emb.calls)
}

func TestInsertRejectsInvalidChunks(t *testing.T) {
	ctx := context.Background()
	emb := &keywordEmbedder{}
	idx := newMemoryIndex(t, emb)

	err := idx.Insert(ctx, []ingestion.Chunk{
		{Text: "fine", Source: paperA, Section: "Results"},
		{Text: "  ", Source: paperA, Section: "Results"},
	})
	require.ErrorIs(t, err, ErrInvalidChunk)

	err = idx.Insert(ctx, []ingestion.Chunk{{Text: "fine", Source: "not a url", Section: "Results"}})
	require.ErrorIs(t, err, ErrInvalidChunk)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, emb.calls)
}

func TestInsertIsAllOrNothingOnEmbeddingFailure(t *testing.T) {
	ctx := context.Background()

	for name, emb := range map[string]*keywordEmbedder{
		"error":    {err: errors.New("connection refused")},
		"mismatch": {short: true},
	} {
		t.Run(name, func(t *testing.T) {
			idx := newMemoryIndex(t, emb)
			err := idx.Insert(ctx, sampleChunks())
			require.ErrorIs(t, err, ErrEmbedding)

			count, err := idx.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)

			dump, err := idx.Dump(ctx, paperA)
			require.NoError(t, err)
			assert.Empty(t, dump)
		})
	}
}

func TestDumpKeepsInsertionOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})

	doc := sampleChunks()[:4]
	require.NoError(t, idx.Insert(ctx, doc))
	require.NoError(t, idx.Insert(ctx, doc))

	dump, err := idx.Dump(ctx, paperA)
	require.NoError(t, err)
	require.Len(t, dump, 8)
	for i := range doc {
		assert.Equal(t, doc[i].Text, dump[i].Text)
		assert.Equal(t, doc[i].Text, dump[i+4].Text)
		assert.NotEqual(t, dump[i].ID, dump[i+4].ID)
	}
}

func TestSourcesAndClear(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})
	require.NoError(t, idx.Insert(ctx, sampleChunks()))

	sources, err := idx.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{paperB, paperA}, sources)

	require.NoError(t, idx.Clear(ctx))
	require.NoError(t, idx.Clear(ctx))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	sources, err = idx.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)

	require.NoError(t, idx.Insert(ctx, sampleChunks()[:1]))
	count, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Insert(ctx, sampleChunks()))
		}()
	}
	wg.Wait()

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, count)
}

func TestValidSource(t *testing.T) {
	assert.True(t, ValidSource("https://pubmed.ncbi.nlm.nih.gov/1/"))
	assert.True(t, ValidSource("file:///tmp/paper.md"))
	assert.False(t, ValidSource(""))
	assert.False(t, ValidSource("paper.md"))
	assert.False(t, ValidSource("https://"))
}

func TestReinsertingDumpedChunksAddsCopies(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, &keywordEmbedder{})

	require.NoError(t, idx.Insert(ctx, sampleChunks()[4:]))
	dumped, err := idx.Dump(ctx, paperB)
	require.NoError(t, err)
	require.Len(t, dumped, 1)

	require.NoError(t, idx.Insert(ctx, dumped))

	dump, err := idx.Dump(ctx, paperB)
	require.NoError(t, err)
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	hits, err := idx.Query(ctx, "hba1c", 10, Filter{Source: paperB})
	require.NoError(t, err)

	assert.Len(t, dump, 2)
	assert.Equal(t, 2, count)
	assert.Len(t, hits, 2)
	assert.NotEqual(t, dumped[0].ID, dump[1].ID)
}
