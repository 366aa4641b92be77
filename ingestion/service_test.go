package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndexer struct {
	batches [][]Chunk
	failOn  string
}

func (r *recordingIndexer) Insert(_ context.Context, chunks []Chunk) error {
	if len(chunks) > 0 && chunks[0].Source == r.failOn {
		return errors.New("embedding backend down")
	}
	r.batches = append(r.batches, chunks)
	return nil
}

func TestFileFetcherMarkdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paper.md")
	require.NoError(t, os.WriteFile(path, []byte("# T\n\n## Results\n\nArm A: 10 mg.\n"), 0o600))

	sections, err := FileFetcher{}.Fetch(context.Background(), FileURL(path))
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, Section{Title: SectionResults, Text: "Arm A: 10 mg."}, sections[1])
}

func TestFileFetcherMissingFile(t *testing.T) {
	_, err := FileFetcher{}.Fetch(context.Background(), FileURL("/definitely/not/here.md"))
	require.ErrorIs(t, err, ErrFetchUnavailable)

	_, err = FileFetcher{}.Fetch(context.Background(), "https://pubmed.ncbi.nlm.nih.gov/1/")
	require.ErrorIs(t, err, ErrFetchUnavailable)
}

func TestStaticFetcher(t *testing.T) {
	f := NewStaticFetcher()
	f.Put("https://example.org/1", []Section{{Title: "Abstract", Text: "x"}})

	sections, err := f.Fetch(context.Background(), "https://example.org/1")
	require.NoError(t, err)
	assert.Len(t, sections, 1)

	_, err = f.Fetch(context.Background(), "https://example.org/2")
	assert.ErrorIs(t, err, ErrFetchUnavailable)
}

func TestMultiFetcherRoutesByScheme(t *testing.T) {
	static := NewStaticFetcher()
	static.Put("https://example.org/1", []Section{{Title: "Abstract", Text: "x"}})

	m := MultiFetcher{Files: FileFetcher{}, Fallback: static}
	_, err := m.Fetch(context.Background(), "https://example.org/1")
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), FileURL("/missing.txt"))
	assert.ErrorIs(t, err, ErrFetchUnavailable)
}

func TestIngestRequiresConfiguration(t *testing.T) {
	svc := NewService(nil, nil, nil, Options{})
	_, err := svc.Ingest(context.Background(), "https://example.org/1")
	require.Error(t, err)
}

func TestIngestAllContinuesPastFailures(t *testing.T) {
	static := NewStaticFetcher()
	static.Put("https://example.org/ok", []Section{
		{Title: "Abstract", Text: "Study of X."},
		{Title: "Results", Text: "A: 10mg. B: 12mg."},
	})
	static.Put("https://example.org/empty", []Section{{Title: "Abstract", Text: "   "}})
	static.Put("https://example.org/broken", []Section{{Title: "Results", Text: "42 mg"}})
	static.Put("https://example.org/ok2", []Section{{Title: "Results", Text: "More."}})

	indexer := &recordingIndexer{failOn: "https://example.org/broken"}
	svc := NewService(static, indexer, nil, Options{ChunkSize: 1500, ChunkOverlap: 200})

	reports := svc.IngestAll(context.Background(), []string{
		"https://example.org/ok",
		"https://example.org/missing",
		"https://example.org/empty",
		"https://example.org/broken",
		"https://example.org/ok2",
	})
	require.Len(t, reports, 5)

	assert.NoError(t, reports[0].Err)
	assert.Equal(t, 2, reports[0].Chunks)
	assert.ErrorIs(t, reports[1].Err, ErrFetchUnavailable)
	assert.Equal(t, "Skipped: content unavailable.", reports[1].Status)
	assert.ErrorIs(t, reports[2].Err, ErrFetchUnavailable)
	assert.Error(t, reports[3].Err)
	assert.Contains(t, reports[3].Status, "embedding backend down")
	assert.NoError(t, reports[4].Err)

	require.Len(t, indexer.batches, 2)
	assert.Equal(t, "https://example.org/ok2", indexer.batches[1][0].Source)

	ok, failed, chunks := Summarize(reports)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 3, chunks)
}

func TestIngestSections(t *testing.T) {
	indexer := &recordingIndexer{}
	svc := NewService(nil, indexer, nil, Options{})

	report, err := svc.IngestSections(context.Background(), "https://example.org/x", []Section{{Title: "Outcomes", Text: "HbA1c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, "Outcomes", indexer.batches[0][0].Section)

	_, err = svc.IngestSections(context.Background(), "https://example.org/x", nil)
	assert.ErrorIs(t, err, ErrFetchUnavailable)
}

func TestIngestDocuments(t *testing.T) {
	indexer := &recordingIndexer{failOn: "https://example.org/down"}
	svc := NewService(nil, indexer, nil, Options{})

	reports := svc.IngestDocuments(context.Background(), []Document{
		{Source: "https://example.org/a", Sections: []Section{{Title: "Results", Text: "Weight 80 kg."}}},
		{Source: "https://example.org/empty"},
		{Source: "https://example.org/down", Sections: []Section{{Title: "Results", Text: "Age 54."}}},
	})
	require.Len(t, reports, 3)
	assert.NoError(t, reports[0].Err)
	assert.Equal(t, "Skipped: content unavailable.", reports[1].Status)
	assert.Contains(t, reports[2].Status, "embedding backend down")

	ok, failed, _ := Summarize(reports)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, failed)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	for _, name := range []string{"b.md", "a.txt", "nested/c.pdf", "skip.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	urls, err := CollectFiles([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{
		FileURL(filepath.Join(dir, "a.txt")),
		FileURL(filepath.Join(dir, "b.md")),
		FileURL(filepath.Join(dir, "nested", "c.pdf")),
	}, urls)

	_, err = CollectFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
