package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/llm"
)

const DefaultAnalyzeAttempts = 3

// Analysis splits verbatim evidence into the fields of an outcome table row.
type Analysis struct {
	PlaceboData   string `json:"placebo_data"`
	TreatmentArms string `json:"treatment_arms"`
	Durations     string `json:"durations"`
}

func notAnalyzed() Analysis {
	return Analysis{PlaceboData: NotAnalyzed, TreatmentArms: NotAnalyzed, Durations: NotAnalyzed}
}

type Analyzer struct {
	llm      llm.Client
	logger   *zap.Logger
	attempts int
	accept   func(Analysis) bool
}

func NewAnalyzer(client llm.Client, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{llm: client, logger: logger, attempts: DefaultAnalyzeAttempts, accept: HasPlaceboData}
}

// HasPlaceboData accepts an analysis whose placebo field is not a known-bad placeholder.
func HasPlaceboData(a Analysis) bool {
	return !isBadValue(a.PlaceboData)
}

var badValues = map[string]bool{
	"":              true,
	"na":            true,
	"none":          true,
	"null":          true,
	"unknown":       true,
	"not found":     true,
	"not reported":  true,
	"not stated":    true,
	"not available": true,
}

func isBadValue(v string) bool {
	t := strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(v), ".")))
	return badValues[t] || IsSentinel(t)
}

// Analyze asks for the structured fields up to a fixed number of times, stopping at the first
// acceptable answer. When none is acceptable the last attempt is returned.
func (a *Analyzer) Analyze(ctx context.Context, evidence, outcome string) (Analysis, string) {
	if IsSentinel(evidence) {
		return notAnalyzed(), "No evidence to analyze."
	}

	prompt := fmt.Sprintf(analyzePrompt, outcome, evidence)
	last := notAnalyzed()
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, fmt.Sprintf("Analysis cancelled after %d attempts: %v", attempt-1, err)
		}

		last = a.attempt(ctx, prompt)
		if a.accept(last) {
			return last, fmt.Sprintf("Analysis accepted on attempt %d.", attempt)
		}
		a.logger.Debug("analysis rejected", zap.Int("attempt", attempt), zap.String("placebo_data", last.PlaceboData))
	}
	return last, fmt.Sprintf("No acceptable analysis after %d attempts; showing the last one.", a.attempts)
}

func (a *Analyzer) attempt(ctx context.Context, prompt string) Analysis {
	raw, err := llm.CompleteJSON(ctx, a.llm, analyzeSystem, prompt)
	if err != nil {
		a.logger.Warn("analysis completion failed", zap.Error(err))
		return notAnalyzed()
	}

	fields, err := llm.DecodeJSON[map[string]json.RawMessage](raw)
	if err != nil {
		return notAnalyzed()
	}
	return Analysis{
		PlaceboData:   flatten(fields["placebo_data"]),
		TreatmentArms: flatten(fields["treatment_arms"]),
		Durations:     flatten(fields["durations"]),
	}
}

// flatten renders a JSON value as display text. Missing values become "N/A".
func flatten(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "N/A"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "N/A"
		}
		return strings.TrimSpace(s)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if v := flatten(item); v != "N/A" {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			return "N/A"
		}
		return strings.Join(parts, "; ")
	}
	if string(raw) == "null" {
		return "N/A"
	}
	return string(raw)
}
