// Package catalog discovers the metrics each indexed document reports and folds them into a
// canonical catalog with per-document prevalence.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Library is the read side of the index the catalog needs.
type Library interface {
	Dumper
	Sources(ctx context.Context) ([]string, error)
}

// Entry counts the documents that mention one canonical metric.
type Entry struct {
	Metric     string   `json:"metric"`
	Documents  int      `json:"documents"`
	Prevalence float64  `json:"prevalence"`
	Synonyms   []string `json:"synonyms"`
}

type Report struct {
	Entries        []Entry             `json:"entries"`
	Documents      map[string][]string `json:"documents"`
	TotalDocuments int                 `json:"total_documents"`
	Normalized     bool                `json:"normalized"`
	Status         string              `json:"status"`
}

type Builder struct {
	library    Library
	discoverer *Discoverer
	normalizer *Normalizer
	logger     *zap.Logger
}

func NewBuilder(library Library, discoverer *Discoverer, normalizer *Normalizer, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{library: library, discoverer: discoverer, normalizer: normalizer, logger: logger}
}

// Build runs discovery over every indexed source and aggregates the catalog.
func (b *Builder) Build(ctx context.Context) (Report, error) {
	sources, err := b.library.Sources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sources: %w", err)
	}
	return b.BuildFor(ctx, sources), nil
}

// BuildFor runs discovery over the given sources, in order.
func (b *Builder) BuildFor(ctx context.Context, sources []string) Report {
	if len(sources) == 0 {
		return Report{Documents: map[string][]string{}, Status: "No documents in the library."}
	}

	perDoc := make(map[string][]string, len(sources))
	var all []string
	for _, source := range sources {
		names, status := b.discoverer.Discover(ctx, source)
		b.logger.Debug("discovered metrics", zap.String("source", source), zap.Int("count", len(names)), zap.String("status", status))
		perDoc[source] = names
		all = append(all, names...)
	}

	canonicals, err := b.normalizer.Normalize(ctx, all)
	normalized := err == nil
	if err != nil {
		b.logger.Warn("metric normalization failed, reporting raw counts", zap.Error(err))
		canonicals = rawCanonicals(all)
	}

	report := Aggregate(sources, perDoc, canonicals)
	report.Normalized = normalized
	switch {
	case len(report.Entries) == 0:
		report.Status = "No metrics found in the library."
	case normalized:
		report.Status = fmt.Sprintf("Found %d canonical metrics across %d documents.", len(report.Entries), len(sources))
	default:
		report.Status = fmt.Sprintf("Normalization failed; showing %d raw metrics across %d documents.", len(report.Entries), len(sources))
	}
	return report
}

// Aggregate counts, per canonical metric, the documents whose raw names map to it.
// A document counts once per canonical metric however often it mentions it.
func Aggregate(sources []string, perDoc map[string][]string, canonicals []Canonical) Report {
	lookup := make(map[string]string)
	synonyms := make(map[string][]string, len(canonicals))
	for _, c := range canonicals {
		synonyms[c.Name] = c.Synonyms
		for _, s := range c.Synonyms {
			lookup[strings.ToLower(s)] = c.Name
		}
	}

	counts := make(map[string]int)
	documents := make(map[string][]string, len(sources))
	for _, source := range sources {
		touched := make(map[string]bool)
		for _, name := range perDoc[source] {
			canonical, ok := lookup[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				continue
			}
			touched[canonical] = true
		}
		names := make([]string, 0, len(touched))
		for canonical := range touched {
			counts[canonical]++
			names = append(names, canonical)
		}
		sort.Strings(names)
		documents[source] = names
	}

	total := len(sources)
	entries := make([]Entry, 0, len(counts))
	for metric, count := range counts {
		entries = append(entries, Entry{
			Metric:     metric,
			Documents:  count,
			Prevalence: float64(count) / float64(total) * 100,
			Synonyms:   synonyms[metric],
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Documents != entries[j].Documents {
			return entries[i].Documents > entries[j].Documents
		}
		return entries[i].Metric < entries[j].Metric
	})

	return Report{Entries: entries, Documents: documents, TotalDocuments: total}
}

// rawCanonicals makes every raw name its own metric, merging case variants.
func rawCanonicals(all []string) []Canonical {
	names := uniqueSorted(all)
	out := make([]Canonical, 0, len(names))
	index := make(map[string]int)
	for _, name := range names {
		key := strings.ToLower(name)
		if i, ok := index[key]; ok {
			out[i].Synonyms = append(out[i].Synonyms, name)
			continue
		}
		index[key] = len(out)
		out = append(out, Canonical{Name: name, Synonyms: []string{name}})
	}
	return out
}
