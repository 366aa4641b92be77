package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type field struct {
	Key   string
	Value json.RawMessage
}

// orderedObject decodes a JSON object keeping the key order of the document.
func orderedObject(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var fields []field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", keyTok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{Key: key, Value: value})
	}
	return fields, nil
}

// coerceString flattens any JSON value into a plain string. Objects prefer their "metric"
// key and otherwise yield their first value; arrays are joined with ", ".
func coerceString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '{':
		fields, err := orderedObject(trimmed)
		if err != nil || len(fields) == 0 {
			return ""
		}
		for _, f := range fields {
			if f.Key == "metric" {
				if s := coerceString(f.Value); s != "" {
					return s
				}
			}
		}
		return coerceString(fields[0].Value)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return ""
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if s := coerceString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case 'n':
		return ""
	default:
		// numbers and booleans keep their literal spelling
		return string(trimmed)
	}
}

// coerceList flattens a JSON array, or a single scalar, into non-empty strings.
func coerceList(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := coerceString(trimmed); s != "" {
		return []string{s}
	}
	return nil
}
