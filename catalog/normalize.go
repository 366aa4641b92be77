package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/llm"
)

// Canonical is one normalized metric with the raw names folded into it.
type Canonical struct {
	Name     string   `json:"name"`
	Synonyms []string `json:"synonyms"`
}

const normalizeSystem = "You are an expert in clinical trial terminology. You answer with JSON only."

const normalizePrompt = `Below is a list of metric names extracted from several clinical studies.
Group names that describe the same underlying measurement. For each group choose a clear canonical
name, preferably one of the listed names, adding units when they are known.

Respond with a single JSON object mapping each canonical name to the list of original names it covers,
for example {"BMI (kg/m^2)": ["BMI", "Body Mass Index"]}. Every original name must appear exactly once.

NAMES:
%s`

type Normalizer struct {
	client llm.Client
	logger *zap.Logger
}

func NewNormalizer(client llm.Client, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{client: client, logger: logger}
}

// Normalize clusters raw names into canonical metrics. The result partitions the input
// case-insensitively. An unparseable completion yields an error wrapping llm.ErrCompletionParse.
func (n *Normalizer) Normalize(ctx context.Context, raw []string) ([]Canonical, error) {
	names := uniqueSorted(raw)
	if len(names) == 0 {
		return nil, nil
	}

	var list strings.Builder
	for _, name := range names {
		list.WriteString("- ")
		list.WriteString(name)
		list.WriteString("\n")
	}

	resp, err := llm.CompleteJSON(ctx, n.client, normalizeSystem, fmt.Sprintf(normalizePrompt, list.String()))
	if err != nil {
		return nil, fmt.Errorf("normalize metrics: %w", err)
	}

	obj, ok := llm.ExtractJSONObject(resp)
	if !ok {
		return nil, fmt.Errorf("normalizer returned no JSON object: %w", llm.ErrCompletionParse)
	}
	fields, err := orderedObject([]byte(obj))
	if err != nil {
		return nil, fmt.Errorf("decode normalizer mapping: %v: %w", err, llm.ErrCompletionParse)
	}

	return partition(names, fields), nil
}

func partition(names []string, fields []field) []Canonical {
	byLower := make(map[string][]string, len(names))
	for _, name := range names {
		key := strings.ToLower(name)
		byLower[key] = append(byLower[key], name)
	}

	assigned := make(map[string]bool, len(byLower))
	out := make([]Canonical, 0, len(fields))
	index := make(map[string]int)

	claim := func(canonical, synonym string) {
		key := strings.ToLower(strings.TrimSpace(synonym))
		originals, known := byLower[key]
		if !known || assigned[key] {
			return
		}
		assigned[key] = true
		i, ok := index[canonical]
		if !ok {
			i = len(out)
			index[canonical] = i
			out = append(out, Canonical{Name: canonical})
		}
		out[i].Synonyms = append(out[i].Synonyms, originals...)
	}

	for _, f := range fields {
		canonical := strings.TrimSpace(f.Key)
		if canonical == "" {
			continue
		}
		for _, synonym := range coerceList(f.Value) {
			claim(canonical, synonym)
		}
		claim(canonical, canonical)
	}

	for _, name := range names {
		key := strings.ToLower(name)
		if !assigned[key] {
			claim(name, name)
		}
	}

	for i := range out {
		sort.Strings(out[i].Synonyms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func uniqueSorted(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
