package ingestion

import (
	"regexp"
	"strings"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
)

// Section is one titled block of a parsed document. Titles are labels, not keys.
type Section struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Chunk is the unit of embedding and retrieval. It never spans two sections.
type Chunk struct {
	ID      string `json:"id,omitempty"`
	Text    string `json:"text"`
	Source  string `json:"source"`
	Section string `json:"section"`
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// ChunkSections splits every section on blank lines and packs paragraphs into chunks of at most
// size characters. Packing is paragraph-granular: a buffer is flushed before the paragraph that
// would overflow it, and that paragraph seeds the next buffer. Overlap only applies to a single
// paragraph longer than size, which is cut into windows that share overlap characters.
func ChunkSections(source string, sections []Section, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	chunks := make([]Chunk, 0)
	for _, section := range sections {
		for _, text := range chunkText(section.Text, size, overlap) {
			chunks = append(chunks, Chunk{
				Text:    text,
				Source:  source,
				Section: section.Title,
			})
		}
	}
	return chunks
}

func chunkText(content string, size, overlap int) []string {
	clean := strings.ReplaceAll(content, "\r\n", "\n")
	paragraphs := paragraphBreak.Split(clean, -1)

	out := make([]string, 0)
	current := make([]string, 0)
	currentLen := 0

	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, "\n\n"))
		}
		current = current[:0]
		currentLen = 0
	}

	for _, paragraph := range paragraphs {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}

		pLen := len([]rune(p))
		if pLen > size {
			flush()
			out = append(out, windows(p, size, overlap)...)
			continue
		}

		added := pLen
		if len(current) > 0 {
			added += 2
		}
		if currentLen+added > size {
			flush()
			added = pLen
		}

		current = append(current, p)
		currentLen += added
	}
	flush()

	return out
}

func windows(p string, size, overlap int) []string {
	runes := []rune(p)
	step := size - overlap

	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
