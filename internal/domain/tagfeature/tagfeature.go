// Package tagfeature normalizes the tag-feature field of a chunk record.
//
// Stores hold the field either as a native map, a JSON object string, or a
// Python-repr dict string left over from older ingestion pipelines. All
// scoring code goes through Parse so the tolerance lives in one place.
package tagfeature

import (
	"encoding/json"
	"strings"
)

// Parse converts a stored tag-feature value into tag -> score.
// Malformed input yields an empty map, never an error: one chunk with
// corrupt metadata must not fail a whole result page.
func Parse(v any) map[string]float64 {
	switch t := v.(type) {
	case nil:
		return map[string]float64{}
	case map[string]float64:
		return t
	case map[string]any:
		out := make(map[string]float64, len(t))
		for k, raw := range t {
			out[k] = toFloat(raw)
		}
		return out
	case string:
		return parseString(t)
	case []byte:
		return parseString(string(t))
	}
	return map[string]float64{}
}

func parseString(s string) map[string]float64 {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return map[string]float64{}
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		// Python-repr fallback: re-quote the dict's string literals as JSON.
		if err := json.Unmarshal([]byte(pyDictToJSON(s)), &raw); err != nil {
			return map[string]float64{}
		}
	}

	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		out[k] = toFloat(v)
	}
	return out
}

// pyDictToJSON rewrites a Python dict repr into JSON by scanning its string
// literals one at a time. Python quotes with either ' or " depending on the
// literal's content, so a blanket quote swap corrupts keys holding
// apostrophes; scanning keeps them intact. Escape sequences are unwrapped
// and the literal re-encoded through the JSON marshaller. Returns "" when a
// literal never closes.
func pyDictToJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\'' && c != '"' {
			b.WriteByte(c)
			continue
		}
		end, lit, ok := scanPyString(s, i)
		if !ok {
			return ""
		}
		b.WriteString(lit)
		i = end
	}
	return b.String()
}

// scanPyString consumes one quoted literal starting at s[start] and returns
// the index of its closing quote plus the JSON encoding of its value.
func scanPyString(s string, start int) (int, string, bool) {
	quote := s[start]
	var val strings.Builder
	for i := start + 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			val.WriteByte(s[i+1])
			i++
		case c == quote:
			data, err := json.Marshal(val.String())
			if err != nil {
				return 0, "", false
			}
			return i, string(data), true
		default:
			val.WriteByte(c)
		}
	}
	return 0, "", false
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}
