package syncx

import (
	"encoding/json"
	"strings"
)

// RawArray returns the stored text as a JSON array, or "[]" when the
// column is empty or holds something that does not parse as one. Bad
// rows degrade instead of failing the whole pull.
func RawArray(s string) json.RawMessage {
	return rawOfKind(s, '[', "[]")
}

// RawObject returns the stored text as a JSON object, or "{}".
func RawObject(s string) json.RawMessage {
	return rawOfKind(s, '{', "{}")
}

func rawOfKind(s string, open byte, empty string) json.RawMessage {
	t := strings.TrimSpace(s)
	if t == "" || t[0] != open || !json.Valid([]byte(t)) {
		return json.RawMessage(empty)
	}
	return json.RawMessage(t)
}

// StringList decodes a JSON string-array column, empty on bad data.
func StringList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
