package syncx

import "encoding/json"

// Field readers pull optional keys out of a decoded operation payload.
// Presence is the contract: an absent key leaves the stored column
// untouched, while a key that is present (even as null) overwrites it.
// Values of the wrong JSON type read as the zero value rather than
// failing the operation.

// Str returns the string under key and whether the key is present.
func Str(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// StrPtr is Str for nullable columns: null (or a non-string) maps to nil.
func StrPtr(m map[string]any, key string) (*string, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	if s, ok := v.(string); ok {
		return &s, true
	}
	return nil, true
}

// Bool returns the boolean under key. JSON numbers count as their
// truthiness so clients that send 0/1 flags still round-trip.
func Bool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, true
}

// Int returns the integer under key. JSON decodes numbers as float64;
// fractional parts truncate. Plain ints are accepted for callers that
// build payloads in code.
func Int(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	}
	return 0, true
}

// Int64Ptr is Int for nullable millisecond-timestamp columns.
func Int64Ptr(m map[string]any, key string) (*int64, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	var n int64
	switch t := v.(type) {
	case float64:
		n = int64(t)
	case int:
		n = int64(t)
	case int64:
		n = t
	default:
		return nil, true
	}
	return &n, true
}

// JSONText re-serializes the value under key for storage in a text
// column. The value came out of json.Unmarshal, so marshaling it back
// cannot fail in practice; a null stores as "null".
func JSONText(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", true
	}
	return string(b), true
}

// StringSlice returns the string-array under key. Non-string elements
// are dropped.
func StringSlice(m map[string]any, key string) ([]string, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch items := v.(type) {
	case []string:
		return items, true
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return []string{}, true
}

// Maps returns the array of objects under key, skipping elements of any
// other shape.
func Maps(m map[string]any, key string) []map[string]any {
	switch items := m[key].(type) {
	case []map[string]any:
		return items
	case []any:
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			if mm, ok := it.(map[string]any); ok {
				out = append(out, mm)
			}
		}
		return out
	}
	return nil
}
