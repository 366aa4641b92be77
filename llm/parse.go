package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCompletionParse marks model output that did not parse under the primary strategy.
// Every caller pairs it with a fallback.
var ErrCompletionParse = errors.New("completion parse error")

// ExtractJSONObject returns the first balanced, valid JSON object embedded in raw.
// Code fences and surrounding prose are ignored.
func ExtractJSONObject(raw string) (string, bool) {
	objs := JSONObjects(raw)
	if len(objs) == 0 {
		return "", false
	}
	return objs[0], true
}

// JSONObjects returns every top-level balanced, valid JSON object in raw, in order of appearance.
// A bare object response is returned as-is.
func JSONObjects(raw string) []string {
	text := stripCodeFence(raw)
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []string{trimmed}
	}

	var objs []string
	for start := strings.IndexByte(text, '{'); start >= 0; {
		next := start + 1
		if end := matchBrace(text, start); end > start {
			if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
				objs = append(objs, candidate)
				next = end + 1
			}
		}
		if next >= len(text) {
			break
		}
		i := strings.IndexByte(text[next:], '{')
		if i < 0 {
			break
		}
		start = next + i
	}
	return objs
}

// DecodeJSON locates a JSON object in raw and decodes it into T.
func DecodeJSON[T any](raw string) (T, error) {
	var out T
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return out, fmt.Errorf("no JSON object in completion: %w", ErrCompletionParse)
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return out, fmt.Errorf("decode completion JSON: %v: %w", err, ErrCompletionParse)
	}
	return out, nil
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return raw
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// drop the language tag line, e.g. ```json
		text = text[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(text), "```")
}
