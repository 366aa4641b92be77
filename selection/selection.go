// Package selection picks the table or metric titles that best match a user's outcome.
package selection

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/llm"
)

const (
	MaxSelected     = 3
	FuzzyThreshold  = 0.3
	StrategyIndices = "indices"
	StrategyNumber  = "number"
	StrategyFuzzy   = "fuzzy"
	StrategyKeyword = "keyword"
)

const selectSystem = "You match clinical trial result tables to a requested outcome. Answer with numbers only."

const selectPrompt = `Which of the numbered titles below report data for the outcome %q?

%s
Answer with the numbers of the matching titles only, most relevant first, separated by commas (for example: 2, 5).
Choose at most %d.`

// strategy inspects a model response and returns a selection, or false to defer to the next one.
type strategy struct {
	name string
	run  func(resp string, titles []string, outcome string) ([]string, bool)
}

var cascade = []strategy{
	{StrategyIndices, strictIndices},
	{StrategyNumber, firstNumber},
	{StrategyFuzzy, fuzzyTitle},
	{StrategyKeyword, keywordTitles},
}

// firstSuccess runs strategies in order and reports the first that produced a selection.
func firstSuccess(strategies []strategy, resp string, titles []string, outcome string) ([]string, string) {
	for _, s := range strategies {
		if picked, ok := s.run(resp, titles, outcome); ok {
			return picked, s.name
		}
	}
	return []string{}, ""
}

type Selector struct {
	llm    llm.Client
	logger *zap.Logger
}

func NewSelector(client llm.Client, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{llm: client, logger: logger}
}

// Select returns a subset of titles relevant to outcome and the strategy that produced it.
// A failed completion is not an error: the cascade runs on an empty response.
func (s *Selector) Select(ctx context.Context, titles []string, outcome string) ([]string, string) {
	if len(titles) == 0 {
		return []string{}, ""
	}

	var list strings.Builder
	for i, title := range titles {
		fmt.Fprintf(&list, "%d. %s\n", i+1, title)
	}

	resp, err := llm.Complete(ctx, s.llm, selectSystem, fmt.Sprintf(selectPrompt, outcome, list.String(), MaxSelected))
	if err != nil {
		s.logger.Warn("title selection completion failed", zap.Error(err))
		resp = ""
	}

	picked, name := firstSuccess(cascade, resp, titles, outcome)
	s.logger.Debug("titles selected", zap.String("strategy", name), zap.Int("count", len(picked)))
	return picked, name
}

func strictIndices(resp string, titles []string, _ string) ([]string, bool) {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return nil, false
	}

	picked := make([]string, 0, MaxSelected)
	seen := make(map[int]bool)
	for _, token := range strings.Split(resp, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, false
		}
		if n < 1 || n > len(titles) || seen[n] {
			continue
		}
		seen[n] = true
		picked = append(picked, titles[n-1])
	}
	if len(picked) == 0 {
		return nil, false
	}
	if len(picked) > MaxSelected {
		picked = picked[:MaxSelected]
	}
	return picked, true
}

var integerPattern = regexp.MustCompile(`\d+`)

func firstNumber(resp string, titles []string, _ string) ([]string, bool) {
	m := integerPattern.FindString(resp)
	if m == "" {
		return nil, false
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 || n > len(titles) {
		return nil, false
	}
	return []string{titles[n-1]}, true
}

var categoryPrefix = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)

func fuzzyTitle(resp string, titles []string, _ string) ([]string, bool) {
	answer := strings.ToLower(strings.TrimSpace(resp))
	if answer == "" {
		return nil, false
	}

	best, bestScore := -1, 0.0
	for i, title := range titles {
		candidate := strings.ToLower(categoryPrefix.ReplaceAllString(title, ""))
		if score := Similarity(answer, candidate); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore <= FuzzyThreshold {
		return nil, false
	}
	return []string{titles[best]}, true
}

func keywordTitles(_ string, titles []string, outcome string) ([]string, bool) {
	needle := strings.ToLower(strings.TrimSpace(outcome))
	picked := make([]string, 0)
	if needle == "" {
		return picked, true
	}
	for _, title := range titles {
		if strings.Contains(strings.ToLower(title), needle) {
			picked = append(picked, title)
		}
	}
	return picked, true
}

// Similarity is the difflib ratio of a and b compared character by character.
func Similarity(a, b string) float64 {
	m := difflib.NewMatcher(splitRunes(a), splitRunes(b))
	return m.Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
