package extraction

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SourceLister lists the documents a table is built over.
type SourceLister interface {
	Sources(ctx context.Context) ([]string, error)
}

// Row is one document's line in an outcome table.
type Row struct {
	Source          string `json:"source"`
	Outcome         string `json:"outcome"`
	ExactMetricName string `json:"exact_metric_name"`
	PlaceboData     string `json:"placebo_data"`
	TreatmentArms   string `json:"treatment_arms"`
	Durations       string `json:"durations"`
	Evidence        string `json:"evidence_text"`
	Status          string `json:"status"`
}

// ProgressFunc is called after each row is produced.
type ProgressFunc func(done, total int)

type Tables struct {
	sources   SourceLister
	extractor *Extractor
	analyzer  *Analyzer
	logger    *zap.Logger
}

func NewTables(sources SourceLister, extractor *Extractor, analyzer *Analyzer, logger *zap.Logger) *Tables {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tables{sources: sources, extractor: extractor, analyzer: analyzer, logger: logger}
}

// Generate builds one row per indexed source, in source order.
func (t *Tables) Generate(ctx context.Context, outcome string, progress ProgressFunc) ([]Row, string) {
	sources, err := t.sources.Sources(ctx)
	if err != nil {
		return nil, fmt.Sprintf("Could not list library sources: %v", err)
	}
	if len(sources) == 0 {
		return []Row{}, "No documents in the library."
	}
	rows := t.GenerateFor(ctx, sources, outcome, progress)
	return rows, Summary(rows)
}

// GenerateFor builds rows for the given sources. A source that fails yields a sentinel row and
// processing moves on.
func (t *Tables) GenerateFor(ctx context.Context, sources []string, outcome string, progress ProgressFunc) []Row {
	rows := make([]Row, 0, len(sources))
	for i, source := range sources {
		rows = append(rows, t.Refresh(ctx, source, outcome))
		if progress != nil {
			progress(i+1, len(sources))
		}
	}
	return rows
}

// Refresh re-runs extraction and analysis for a single source.
func (t *Tables) Refresh(ctx context.Context, source, outcome string) Row {
	finding := t.extractor.Extract(ctx, source, outcome)
	row := Row{
		Source:          source,
		Outcome:         outcome,
		ExactMetricName: finding.ExactMetricName,
		Evidence:        finding.Evidence,
		Status:          finding.Status,
	}

	if !finding.Found() {
		a := notAnalyzed()
		row.PlaceboData, row.TreatmentArms, row.Durations = a.PlaceboData, a.TreatmentArms, a.Durations
		return row
	}

	analysis, status := t.analyzer.Analyze(ctx, finding.Evidence, outcome)
	row.PlaceboData = analysis.PlaceboData
	row.TreatmentArms = analysis.TreatmentArms
	row.Durations = analysis.Durations
	row.Status = finding.Status + " " + status
	t.logger.Debug("table row ready", zap.String("source", source), zap.String("metric", row.ExactMetricName))
	return row
}

// Summary counts rows with and without evidence.
func Summary(rows []Row) string {
	found := 0
	for _, r := range rows {
		if !IsSentinel(r.Evidence) {
			found++
		}
	}
	return fmt.Sprintf("Generated %d rows: %d with evidence, %d without.", len(rows), found, len(rows)-found)
}
