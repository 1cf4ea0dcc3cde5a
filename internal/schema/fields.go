package schema

// Helpers for reading loosely-typed object fields. Objects cross the wire
// as JSON, so numbers arrive as float64 and absent fields as nil; these
// accessors fold the possible representations into one Go type.

// Str returns obj[key] as a string, or "" when absent or not a string.
func Str(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// I64 returns obj[key] as an int64, folding the numeric types JSON
// decoding and the store backends can produce. Returns 0 when absent.
func I64(obj map[string]any, key string) int64 {
	if obj == nil {
		return 0
	}
	switch v := obj[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	}
	return 0
}

// Bool returns obj[key] as a bool. SQLite has no boolean affinity, so
// numeric 0/1 is accepted as well.
func Bool(obj map[string]any, key string) bool {
	if obj == nil {
		return false
	}
	switch v := obj[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// Map returns obj[key] as a nested object, or nil.
func Map(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	if m, ok := obj[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Has reports whether key is present and non-nil.
func Has(obj map[string]any, key string) bool {
	if obj == nil {
		return false
	}
	v, ok := obj[key]
	return ok && v != nil
}
