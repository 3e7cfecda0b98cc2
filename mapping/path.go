package mapping

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Lookup resolves a dot-separated path inside a document. Numeric segments
// index into arrays, so "items.0.sku" reads the first item's sku.
// The boolean is false when any segment is missing.
func Lookup(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(v any, seg string) (any, bool) {
	switch t := v.(type) {
	case primitive.M:
		val, ok := t[seg]
		return val, ok
	case map[string]any:
		val, ok := t[seg]
		return val, ok
	case primitive.D:
		for _, e := range t {
			if e.Key == seg {
				return e.Value, true
			}
		}
		return nil, false
	case primitive.A:
		return index([]any(t), seg)
	case []any:
		return index(t, seg)
	default:
		return nil, false
	}
}

func index(arr []any, seg string) (any, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= len(arr) {
		return nil, false
	}
	return arr[i], true
}

// Elements returns v as a slice when it is an array.
func Elements(v any) ([]any, bool) {
	switch t := v.(type) {
	case primitive.A:
		return []any(t), true
	case []any:
		return t, true
	default:
		return nil, false
	}
}
