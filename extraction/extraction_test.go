package extraction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/trialscoop/index"
	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/llm"
)

type query struct {
	Text   string
	K      int
	Filter index.Filter
}

// fakeRetriever serves fixed result sets keyed by query text.
type fakeRetriever struct {
	mu      sync.Mutex
	results map[string][]ingestion.Chunk
	located []ingestion.Chunk
	err     error
	queries []query
}

func (f *fakeRetriever) Query(_ context.Context, text string, k int, filter index.Filter) ([]ingestion.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query{Text: text, K: k, Filter: filter})
	if f.err != nil {
		return nil, f.err
	}
	if len(filter.Sections) > 0 {
		return f.located, nil
	}
	return f.results[text], nil
}

// stepLLM answers each prompt kind with a queued response.
type stepLLM struct {
	mu       sync.Mutex
	locate   []string
	scoop    []string
	analyze  []string
	err      error
	prompts  []string
	jsonMode []bool
}

func pop(q *[]string) string {
	if len(*q) == 0 {
		return ""
	}
	v := (*q)[0]
	if len(*q) > 1 {
		*q = (*q)[1:]
	}
	return v
}

func (s *stepLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt := messages[len(messages)-1].Content
	s.prompts = append(s.prompts, prompt)
	s.jsonMode = append(s.jsonMode, llm.JSONMode(ctx))
	if s.err != nil {
		return "", s.err
	}
	switch {
	case strings.Contains(prompt, "EXCERPTS:"):
		return pop(&s.locate), nil
	case strings.Contains(prompt, "CONTEXT:"):
		return pop(&s.scoop), nil
	default:
		return pop(&s.analyze), nil
	}
}

func (s *stepLLM) count(marker string) int {
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, marker) {
			n++
		}
	}
	return n
}

const src = "https://pubmed.ncbi.nlm.nih.gov/100/"

func c(text string) ingestion.Chunk {
	return ingestion.Chunk{Text: text, Source: src, Section: "Results"}
}

func TestExtractLocatesThenScoops(t *testing.T) {
	r := &fakeRetriever{
		located: []ingestion.Chunk{c("Change from baseline in HbA1c (%) at week 24")},
		results: map[string][]ingestion.Chunk{
			"blood sugar control":               {c("glycaemic control improved"), c("shared row")},
			"Change from baseline in HbA1c (%)": {c("shared row"), c("HbA1c -0.8 vs -0.1")},
		},
	}
	client := &stepLLM{
		locate: []string{`{"exact_metric_name": "Change from baseline in HbA1c (%)"}`},
		scoop:  []string{"HbA1c -0.8 vs -0.1 (p<0.001)"},
	}

	f := NewExtractor(r, client, nil, Options{}).Extract(context.Background(), src, "blood sugar control")

	assert.Equal(t, "Change from baseline in HbA1c (%)", f.ExactMetricName)
	assert.Equal(t, "HbA1c -0.8 vs -0.1 (p<0.001)", f.Evidence)
	assert.True(t, f.Found())

	require.Len(t, r.queries, 3)
	assert.Equal(t, index.Filter{Source: src, Sections: DefaultLocateSections}, r.queries[0].Filter)
	assert.Equal(t, DefaultLocateK, r.queries[0].K)
	assert.Equal(t, "blood sugar control", r.queries[1].Text)
	assert.Equal(t, "Change from baseline in HbA1c (%)", r.queries[2].Text)
	assert.Equal(t, index.Filter{Source: src}, r.queries[2].Filter)
	assert.Equal(t, DefaultScoopK, r.queries[2].K)

	scoop := client.prompts[1]
	first := strings.Index(scoop, "glycaemic control improved")
	shared := strings.Index(scoop, "shared row")
	last := strings.Index(scoop, "HbA1c -0.8 vs -0.1")
	assert.True(t, first < shared && shared < last, scoop)
	assert.Equal(t, 1, strings.Count(scoop, "shared row"))
}

func TestStructuredPromptsRequestJSONMode(t *testing.T) {
	r := &fakeRetriever{
		located: []ingestion.Chunk{c("Change in HbA1c (%)")},
		results: map[string][]ingestion.Chunk{"HbA1c": {c("HbA1c -0.8 vs -0.1")}},
	}
	client := &stepLLM{
		locate:  []string{`{"exact_metric_name": "HbA1c"}`},
		scoop:   []string{"HbA1c -0.8 vs -0.1"},
		analyze: []string{`{"placebo_data": "-0.1", "treatment_arms": "-0.8", "durations": "24 weeks"}`},
	}
	ctx := context.Background()

	f := NewExtractor(r, client, nil, Options{}).Extract(ctx, src, "HbA1c")
	require.True(t, f.Found())
	NewAnalyzer(client, nil).Analyze(ctx, f.Evidence, "HbA1c")

	require.Len(t, client.prompts, 3)
	assert.True(t, client.jsonMode[0], "locate")
	assert.False(t, client.jsonMode[1], "scoop stays raw text")
	assert.True(t, client.jsonMode[2], "analyze")
}

func TestExtractFallsBackToOutcomeWhenNameIsNull(t *testing.T) {
	for name, answer := range map[string]string{
		"null":        `{"exact_metric_name": null}`,
		"unparseable": "I think it is HbA1c",
		"wrong type":  `{"exact_metric_name": 7}`,
		"blank":       `{"exact_metric_name": "  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			r := &fakeRetriever{
				located: []ingestion.Chunk{c("HbA1c")},
				results: map[string][]ingestion.Chunk{"HbA1c change": {c("HbA1c fell 1%")}},
			}
			client := &stepLLM{locate: []string{answer}, scoop: []string{"HbA1c fell 1%"}}

			f := NewExtractor(r, client, nil, Options{}).Extract(context.Background(), src, "HbA1c change")

			assert.Equal(t, "HbA1c change", f.ExactMetricName)
			assert.Equal(t, "HbA1c fell 1%", f.Evidence)
			require.Len(t, r.queries, 3)
			assert.Equal(t, "HbA1c change", r.queries[2].Text)
		})
	}
}

func TestExtractNoRelevantSections(t *testing.T) {
	r := &fakeRetriever{}
	client := &stepLLM{}

	f := NewExtractor(r, client, nil, Options{}).Extract(context.Background(), src, "HbA1c")
	assert.Equal(t, NoRelevantSections, f.Evidence)
	assert.Empty(t, client.prompts)
	assert.Len(t, r.queries, 1)
}

func TestExtractEmptyScoopIsNotFound(t *testing.T) {
	for name, resp := range map[string]string{"blank": "  \n", "bare": "N/A"} {
		t.Run(name, func(t *testing.T) {
			r := &fakeRetriever{
				located: []ingestion.Chunk{c("Weight")},
				results: map[string][]ingestion.Chunk{"weight": {c("Weight data")}},
			}
			client := &stepLLM{locate: []string{`{"exact_metric_name": "weight"}`}, scoop: []string{resp}}

			f := NewExtractor(r, client, nil, Options{}).Extract(context.Background(), src, "weight")
			assert.Equal(t, ValueNotFound, f.Evidence)
			assert.False(t, f.Found())
		})
	}
}

func TestExtractNeverFails(t *testing.T) {
	cases := map[string]struct {
		r      *fakeRetriever
		client *stepLLM
	}{
		"retrieval error": {
			r:      &fakeRetriever{err: errors.New("index offline")},
			client: &stepLLM{},
		},
		"completion error": {
			r: &fakeRetriever{
				located: []ingestion.Chunk{c("x")},
				results: map[string][]ingestion.Chunk{"x": {c("x")}},
			},
			client: &stepLLM{err: errors.New("503 from provider")},
		},
		"nothing retrieved in stage two": {
			r:      &fakeRetriever{located: []ingestion.Chunk{c("x")}},
			client: &stepLLM{locate: []string{`{"exact_metric_name": "y"}`}},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := NewExtractor(tc.r, tc.client, nil, Options{}).Extract(context.Background(), src, "x")
			assert.True(t, IsSentinel(f.Evidence), f.Evidence)
			assert.NotEmpty(t, f.Status)
		})
	}

	f := NewExtractor(&fakeRetriever{}, &stepLLM{}, nil, Options{}).Extract(context.Background(), src, "  ")
	assert.Equal(t, ExtractionFailed, f.Evidence)
}

func TestMergeChunksKeepsFirstSeen(t *testing.T) {
	got := MergeChunks(
		[]ingestion.Chunk{c("a"), c("b"), c("a")},
		[]ingestion.Chunk{c("c"), c("b")},
	)
	texts := make([]string, len(got))
	for i, g := range got {
		texts[i] = g.Text
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(NoRelevantSections))
	assert.True(t, IsSentinel(ValueNotFound))
	assert.True(t, IsSentinel("n/a"))
	assert.True(t, IsSentinel(""))
	assert.False(t, IsSentinel("HbA1c -0.8%"))
}
