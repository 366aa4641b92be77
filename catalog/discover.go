package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/llm"
)

// Dumper returns every chunk stored for a source.
type Dumper interface {
	Dump(ctx context.Context, source string) ([]ingestion.Chunk, error)
}

const StatusNoText = "No text content found for this source."

const discoverSystem = "You are a meticulous clinical research data abstractor. You answer with JSON only."

const discoverPrompt = `Read the document below and list every quantifiable metric that is reported with a numeric value
(for example outcomes, baseline characteristics, laboratory values, adverse event rates).
Use the metric name as written, including units when present.

Respond with a JSON object of the form {"metrics": ["metric one", "metric two"]}.

DOCUMENT:
%s`

const chunkSeparator = "\n\n---\n\n"

// metricPattern matches a name directly followed by a number and an optional unit word.
var metricPattern = regexp.MustCompile(`([A-Za-z][A-Za-z()/%^\-]*(?:[ \t]+[A-Za-z()/%^\-]+){0,3})[ \t]*(\d+(?:\.\d+)?)((?:[ \t]*[A-Za-z%()/^]+)?)`)

type Discoverer struct {
	index  Dumper
	client llm.Client
	logger *zap.Logger
}

func NewDiscoverer(index Dumper, client llm.Client, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{index: index, client: client, logger: logger}
}

// Discover lists the raw metric names reported in one source. It never fails; problems are
// reported through the status string and an empty list.
func (d *Discoverer) Discover(ctx context.Context, source string) ([]string, string) {
	chunks, err := d.index.Dump(ctx, source)
	if err != nil {
		d.logger.Warn("dump source failed", zap.String("source", source), zap.Error(err))
		return []string{}, fmt.Sprintf("Could not read indexed text: %v", err)
	}
	if len(chunks) == 0 {
		return []string{}, StatusNoText
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	raw, err := llm.CompleteJSON(ctx, d.client, discoverSystem, fmt.Sprintf(discoverPrompt, strings.Join(texts, chunkSeparator)))
	if err != nil {
		d.logger.Warn("metric discovery completion failed", zap.String("source", source), zap.Error(err))
		return []string{}, fmt.Sprintf("Metric discovery failed: %v", err)
	}

	return ParseMetrics(raw)
}

// ParseMetrics applies the discovery parsing cascade to a raw completion.
func ParseMetrics(raw string) ([]string, string) {
	if names := parseMetricJSON(raw); len(names) > 0 {
		return names, fmt.Sprintf("Found %d metrics.", len(names))
	}
	if names := scanMetrics(raw); len(names) > 0 {
		return names, fmt.Sprintf("Found %d metrics by scanning the response text.", len(names))
	}
	return []string{}, "No metrics found."
}

func parseMetricJSON(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") && json.Valid([]byte(trimmed)) {
		return dedupe(coerceList(json.RawMessage(trimmed)))
	}

	objs := llm.JSONObjects(raw)
	for _, obj := range objs {
		if value, ok := metricsField([]byte(obj)); ok {
			return dedupe(coerceList(value))
		}
	}
	// wrapped answers such as {"result": {"metrics": [...]}}
	for _, obj := range objs {
		fields, err := orderedObject([]byte(obj))
		if err != nil {
			continue
		}
		for _, f := range fields {
			if value, ok := metricsField(f.Value); ok {
				return dedupe(coerceList(value))
			}
		}
	}
	return nil
}

// metricsField returns the "metrics" member of a JSON object, matched case-insensitively.
func metricsField(data []byte) (json.RawMessage, bool) {
	fields, err := orderedObject(data)
	if err != nil {
		return nil, false
	}
	for _, f := range fields {
		if strings.EqualFold(f.Key, "metrics") {
			return f.Value, true
		}
	}
	return nil, false
}

func scanMetrics(raw string) []string {
	matches := metricPattern.FindAllString(raw, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			names = append(names, s)
		}
	}
	return dedupe(names)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
