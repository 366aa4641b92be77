package extraction

import "strings"

// Sentinels stand in for evidence that legitimately is not there. They are results, not errors.
const (
	NoRelevantSections = "N/A (no relevant sections found)"
	ValueNotFound      = "N/A (value not found in text)"
	ExtractionFailed   = "N/A (extraction failed)"
	NotAnalyzed        = "N/A (not analyzed)"
)

// IsSentinel reports whether s is one of the "N/A (...)" placeholders or a bare N/A.
func IsSentinel(s string) bool {
	t := strings.TrimSpace(s)
	return t == "" || strings.HasPrefix(strings.ToUpper(t), "N/A")
}
