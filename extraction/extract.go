// Package extraction locates and extracts verbatim outcome evidence from one indexed document
// and builds outcome tables across the library.
package extraction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/index"
	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/llm"
)

const (
	DefaultLocateK = 5
	DefaultScoopK  = 20
)

var DefaultLocateSections = []string{ingestion.SectionOutcomes, ingestion.SectionResults, ingestion.SectionAbstract}

// Retriever is the query side of the semantic index.
type Retriever interface {
	Query(ctx context.Context, text string, k int, filter index.Filter) ([]ingestion.Chunk, error)
}

type Options struct {
	LocateK        int
	ScoopK         int
	LocateSections []string
}

// Finding is the extraction result for one (document, outcome) pair.
type Finding struct {
	Source          string `json:"source"`
	Outcome         string `json:"outcome"`
	ExactMetricName string `json:"exact_metric_name"`
	Evidence        string `json:"evidence_text"`
	Status          string `json:"status"`
}

// Found reports whether the finding carries real evidence rather than a sentinel.
func (f Finding) Found() bool { return !IsSentinel(f.Evidence) }

type Extractor struct {
	retriever Retriever
	llm       llm.Client
	logger    *zap.Logger
	opts      Options
}

func NewExtractor(retriever Retriever, client llm.Client, logger *zap.Logger, opts Options) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LocateK <= 0 {
		opts.LocateK = DefaultLocateK
	}
	if opts.ScoopK <= 0 {
		opts.ScoopK = DefaultScoopK
	}
	if len(opts.LocateSections) == 0 {
		opts.LocateSections = DefaultLocateSections
	}
	return &Extractor{retriever: retriever, llm: client, logger: logger, opts: opts}
}

// Extract runs locate then scoop for one source. It never fails: every problem ends in a
// sentinel evidence string with a descriptive status.
func (e *Extractor) Extract(ctx context.Context, source, outcome string) Finding {
	finding := Finding{Source: source, Outcome: outcome}

	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		finding.Evidence = ExtractionFailed
		finding.Status = "Outcome description is empty."
		return finding
	}

	exact, status, sentinel := e.Locate(ctx, source, outcome)
	if sentinel != "" {
		finding.Evidence = sentinel
		finding.Status = status
		return finding
	}
	finding.ExactMetricName = exact

	evidence, scoopStatus := e.Scoop(ctx, source, outcome, exact)
	finding.Evidence = evidence
	finding.Status = status + " " + scoopStatus
	return finding
}

// Locate narrows outcome to the metric name as the document phrases it. A non-empty sentinel
// means extraction stops here; any unusable model answer falls back to outcome instead.
func (e *Extractor) Locate(ctx context.Context, source, outcome string) (exact, status, sentinel string) {
	chunks, err := e.retriever.Query(ctx, outcome, e.opts.LocateK, index.Filter{
		Source:   source,
		Sections: e.opts.LocateSections,
	})
	if err != nil {
		e.logger.Warn("locate retrieval failed", zap.String("source", source), zap.Error(err))
		return "", fmt.Sprintf("Locate retrieval failed: %v.", err), ExtractionFailed
	}
	if len(chunks) == 0 {
		return "", "No Outcomes, Results or Abstract text indexed for this source.", NoRelevantSections
	}

	prompt := fmt.Sprintf(locatePrompt, outcome, joinChunks(chunks))
	raw, err := llm.CompleteJSON(ctx, e.llm, locateSystem, prompt)
	if err != nil {
		e.logger.Warn("locate completion failed", zap.String("source", source), zap.Error(err))
		return outcome, "Locate step failed; searched with the original outcome.", ""
	}

	type locateAnswer struct {
		ExactMetricName *string `json:"exact_metric_name"`
	}
	answer, err := llm.DecodeJSON[locateAnswer](raw)
	if err != nil || answer.ExactMetricName == nil || strings.TrimSpace(*answer.ExactMetricName) == "" {
		return outcome, "No exact metric name located; searched with the original outcome.", ""
	}

	name := strings.TrimSpace(*answer.ExactMetricName)
	return name, fmt.Sprintf("Located metric %q.", name), ""
}

// Scoop gathers evidence for exact using an anchor query on outcome and a specific query on exact,
// then asks for every verbatim match.
func (e *Extractor) Scoop(ctx context.Context, source, outcome, exact string) (evidence, status string) {
	filter := index.Filter{Source: source}

	anchor, err := e.retriever.Query(ctx, outcome, e.opts.ScoopK, filter)
	if err != nil {
		e.logger.Warn("scoop anchor retrieval failed", zap.String("source", source), zap.Error(err))
		return ExtractionFailed, fmt.Sprintf("Evidence retrieval failed: %v.", err)
	}
	specific, err := e.retriever.Query(ctx, exact, e.opts.ScoopK, filter)
	if err != nil {
		e.logger.Warn("scoop specific retrieval failed", zap.String("source", source), zap.Error(err))
		return ExtractionFailed, fmt.Sprintf("Evidence retrieval failed: %v.", err)
	}

	merged := MergeChunks(anchor, specific)
	if len(merged) == 0 {
		return ValueNotFound, "No indexed text for this source."
	}

	raw, err := llm.Complete(ctx, e.llm, scoopSystem, fmt.Sprintf(scoopPrompt, exact, joinChunks(merged)))
	if err != nil {
		e.logger.Warn("scoop completion failed", zap.String("source", source), zap.Error(err))
		return ExtractionFailed, fmt.Sprintf("Extraction failed: %v.", err)
	}

	text := strings.TrimSpace(raw)
	if text == "" || IsSentinel(text) {
		return ValueNotFound, fmt.Sprintf("Searched %d chunks; no matching text.", len(merged))
	}
	return text, fmt.Sprintf("Extracted evidence from %d chunks.", len(merged))
}

// MergeChunks concatenates result sets, dropping chunks whose text was already seen.
func MergeChunks(sets ...[]ingestion.Chunk) []ingestion.Chunk {
	seen := make(map[string]bool)
	out := make([]ingestion.Chunk, 0)
	for _, set := range sets {
		for _, c := range set {
			if seen[c.Text] {
				continue
			}
			seen[c.Text] = true
			out = append(out, c)
		}
	}
	return out
}

func joinChunks(chunks []ingestion.Chunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		if c.Section != "" {
			sb.WriteString("[")
			sb.WriteString(c.Section)
			sb.WriteString("] ")
		}
		sb.WriteString(strings.TrimSpace(c.Text))
	}
	return sb.String()
}
