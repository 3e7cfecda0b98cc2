// Package extjson converts document-store values into JSON-native Go values.
//
// The document store serializes non-JSON types (object ids, dates, decimals,
// binary) either as BSON primitives or as Extended JSON wrappers such as
// {"$oid": "..."}. Both forms are reduced here to strings, numbers, bools,
// time.Time, maps and slices before anything is written to the sink.
package extjson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Normalize returns v with every BSON primitive replaced by its JSON-native
// equivalent. Documents become map[string]any, arrays become []any.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return binaryString(t)
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Regex:
		return "/" + t.Pattern + "/" + t.Options
	case primitive.JavaScript:
		return string(t)
	case primitive.Symbol:
		return string(t)
	case primitive.CodeWithScope:
		return string(t.Code)
	case primitive.DBPointer:
		return t.Pointer.Hex()
	case primitive.Null, primitive.Undefined, primitive.MinKey, primitive.MaxKey:
		return nil
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return Unwrap(out)
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func binaryString(b primitive.Binary) string {
	if (b.Subtype == bson.TypeBinaryUUID || b.Subtype == bson.TypeBinaryUUIDOld) && len(b.Data) == 16 {
		if id, err := uuid.FromBytes(b.Data); err == nil {
			return id.String()
		}
	}
	return base64.StdEncoding.EncodeToString(b.Data)
}

// Unwrap converts a plain JSON value that still carries Extended JSON
// wrappers into JSON-native values. Values without wrappers are returned
// unchanged, nested structures are walked.
func Unwrap(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if wrapperShaped(t) {
			if out, ok := unwrapWrapper(t); ok {
				return out
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Unwrap(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Unwrap(val)
		}
		return out
	default:
		return v
	}
}

// wrapperShaped reports whether m has the shape of a single Extended JSON
// wrapper: one key, or the legacy {"$binary", "$type"} pair.
func wrapperShaped(m map[string]any) bool {
	return len(m) == 1 || (len(m) == 2 && hasKeys(m, "$binary", "$type"))
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func unwrapWrapper(m map[string]any) (any, bool) {
	for key, raw := range m {
		switch key {
		case "$oid":
			s, ok := raw.(string)
			return s, ok
		case "$date":
			return unwrapDate(raw)
		case "$numberInt", "$numberLong":
			s, ok := raw.(string)
			if !ok {
				return nil, false
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		case "$numberDouble":
			s, ok := raw.(string)
			if !ok {
				return nil, false
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, false
			}
			return f, true
		case "$numberDecimal":
			s, ok := raw.(string)
			return s, ok
		case "$uuid":
			s, ok := raw.(string)
			if !ok {
				return nil, false
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, false
			}
			return id.String(), true
		case "$binary":
			return unwrapBinary(m)
		}
	}
	return nil, false
}

func unwrapDate(raw any) (any, bool) {
	switch d := raw.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, d)
		if err != nil {
			return nil, false
		}
		return ts.UTC(), true
	case float64:
		return time.UnixMilli(int64(d)).UTC(), true
	case map[string]any:
		n, ok := unwrapWrapper(d)
		if !ok {
			return nil, false
		}
		ms, ok := n.(int64)
		if !ok {
			return nil, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return nil, false
}

// unwrapBinary handles both the canonical {"$binary": {"base64": .., "subType": ..}}
// and the legacy {"$binary": "..", "$type": ".."} shapes.
func unwrapBinary(m map[string]any) (any, bool) {
	var payload, subtype string
	switch b := m["$binary"].(type) {
	case map[string]any:
		payload, _ = b["base64"].(string)
		subtype, _ = b["subType"].(string)
	case string:
		payload = b
		subtype, _ = m["$type"].(string)
	default:
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	st, err := strconv.ParseUint(subtype, 16, 8)
	if err != nil {
		st = 0
	}
	return binaryString(primitive.Binary{Subtype: byte(st), Data: data}), true
}

// TypeName returns the BSON type name of v as reported by the analyzer.
func TypeName(v any) string {
	switch t := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return "null"
	case string:
		return "string"
	case primitive.ObjectID:
		return "objectId"
	case int32, int:
		return "int"
	case int64:
		return "long"
	case float64, float32:
		return "double"
	case primitive.Decimal128:
		return "decimal"
	case bool:
		return "bool"
	case primitive.DateTime, time.Time:
		return "date"
	case primitive.Timestamp:
		return "timestamp"
	case primitive.Binary:
		if t.Subtype == bson.TypeBinaryUUID || t.Subtype == bson.TypeBinaryUUIDOld {
			return "uuid"
		}
		return "binary"
	case primitive.Regex:
		return "regex"
	case primitive.JavaScript, primitive.CodeWithScope:
		return "javascript"
	case primitive.Symbol:
		return "symbol"
	case primitive.M, primitive.D:
		return "object"
	case map[string]any:
		if wrapperShaped(t) {
			if _, ok := unwrapWrapper(t); ok {
				return wrapperTypeName(t)
			}
		}
		return "object"
	case primitive.A, []any:
		return "array"
	case primitive.MinKey:
		return "minKey"
	case primitive.MaxKey:
		return "maxKey"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func wrapperTypeName(m map[string]any) string {
	for key := range m {
		switch key {
		case "$oid":
			return "objectId"
		case "$date":
			return "date"
		case "$numberInt":
			return "int"
		case "$numberLong":
			return "long"
		case "$numberDouble":
			return "double"
		case "$numberDecimal":
			return "decimal"
		case "$uuid":
			return "uuid"
		case "$binary":
			return "binary"
		}
	}
	return "object"
}

// Marshal encodes a normalized copy of v as JSON. Map keys are sorted by
// encoding/json, so equal documents produce equal bytes.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("marshal extended json: %w", err)
	}
	return b, nil
}

// SortedKeys returns the keys of a document in lexical order.
func SortedKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
