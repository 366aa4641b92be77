// Package ingestion turns fetched documents into section-tagged chunks and hands them to the index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "markdown"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatText represents plain text documents.
	FormatText DocumentFormat = "text"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".txt", ".text":
		return FormatText
	default:
		return FormatUnknown
	}
}

// Known section labels. Retrieval filters are expressed in this vocabulary.
const (
	SectionTitle        = "Title"
	SectionAbstract     = "Abstract"
	SectionIntroduction = "Introduction"
	SectionMethods      = "Methods"
	SectionResults      = "Results"
	SectionOutcomes     = "Outcomes"
	SectionConclusion   = "Conclusion"
	SectionBody         = "Body"
)

var sectionKeywords = []struct {
	keyword string
	label   string
}{
	{"abstract", SectionAbstract},
	{"summary", SectionAbstract},
	{"outcome", SectionOutcomes},
	{"endpoint", SectionOutcomes},
	{"result", SectionResults},
	{"finding", SectionResults},
	{"method", SectionMethods},
	{"design", SectionMethods},
	{"conclusion", SectionConclusion},
	{"discussion", SectionConclusion},
	{"introduction", SectionIntroduction},
	{"background", SectionIntroduction},
}

// CanonicalSection maps a free-form heading onto the section vocabulary.
// Headings that match nothing are returned trimmed, unchanged.
func CanonicalSection(heading string) string {
	h := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(heading), ":"))
	lower := strings.ToLower(h)
	for _, kw := range sectionKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.label
		}
	}
	return h
}

// isHeadingLine reports whether a plain-text line is a bare section heading such as "RESULTS:".
func isHeadingLine(line string) (string, bool) {
	h := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line), ":"))
	if h == "" || len(h) > 40 {
		return "", false
	}
	lower := strings.ToLower(h)
	for _, kw := range sectionKeywords {
		if lower == kw.keyword || lower == kw.keyword+"s" {
			return kw.label, true
		}
	}
	return "", false
}
