package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ParseSections converts a raw payload into an ordered section list according to its format.
func ParseSections(format DocumentFormat, data []byte) ([]Section, error) {
	switch format {
	case FormatMarkdown:
		return parseMarkdown(string(data)), nil
	case FormatPDF:
		text, err := pdfPlainText(data)
		if err != nil {
			return nil, err
		}
		return parsePlainText(text), nil
	case FormatText, FormatUnknown:
		return parsePlainText(string(data)), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func parseMarkdown(content string) []Section {
	lines := strings.Split(normalizePlainText(content), "\n")

	var (
		sections []Section
		title    = SectionBody
		buf      []string
		sawTitle bool
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		if text != "" {
			sections = append(sections, Section{Title: title, Text: text})
		}
		buf = buf[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			buf = append(buf, line)
			continue
		}

		level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		flush()
		if level == 1 && !sawTitle && heading != "" {
			sawTitle = true
			sections = append(sections, Section{Title: SectionTitle, Text: heading})
			title = SectionBody
			continue
		}
		title = CanonicalSection(heading)
		if title == "" {
			title = SectionBody
		}
	}
	flush()

	return sections
}

func parsePlainText(content string) []Section {
	lines := strings.Split(normalizePlainText(content), "\n")

	var (
		sections []Section
		title    = SectionBody
		buf      []string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		if text != "" {
			sections = append(sections, Section{Title: title, Text: text})
		}
		buf = buf[:0]
	}

	for _, line := range lines {
		if label, ok := isHeadingLine(line); ok {
			flush()
			title = label
			continue
		}
		buf = append(buf, line)
	}
	flush()

	return sections
}

func pdfPlainText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
