package verify

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/padraicbc/docmigrate/mapping"
)

// DefaultTolerance is the relative tolerance for float columns.
const DefaultTolerance = 1e-9

// Equal reports whether a value read back from the sink matches the value
// the transform produced for a column of type t. Drivers return columns in
// different shapes ([]byte, string, native types), so both sides are brought
// to a canonical form first.
func Equal(t mapping.Type, expected, actual any, tolerance float64) bool {
	actual = text(t, actual)
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch t {
	case mapping.TypeJSON:
		return jsonEqual(expected, actual)
	case mapping.TypeDecimal:
		return decimalEqual(expected, actual)
	}

	want, err := mapping.Coerce(expected, t)
	if err != nil {
		return false
	}
	got, err := mapping.Coerce(actual, t)
	if err != nil {
		return false
	}

	switch t {
	case mapping.TypeFloat:
		a, b := want.(float64), got.(float64)
		return math.Abs(a-b) <= tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	case mapping.TypeTimestamp:
		// sinks keep microseconds
		return want.(time.Time).Truncate(time.Microsecond).Equal(got.(time.Time).Truncate(time.Microsecond))
	case mapping.TypeDate:
		return want.(time.Time).Equal(got.(time.Time))
	default:
		return want == got
	}
}

// text turns driver byte slices into strings; 16-byte uuids are decoded.
// Only object ids lose trailing blanks, from CHAR(24) padding.
func text(t mapping.Type, v any) any {
	switch x := v.(type) {
	case []byte:
		if t == mapping.TypeUUID && len(x) == 16 {
			if id, err := uuid.FromBytes(x); err == nil {
				return id.String()
			}
		}
		return padded(t, string(x))
	case string:
		return padded(t, x)
	case time.Time:
		if t == mapping.TypeDate {
			// DATE columns come back at midnight in the session zone.
			y, m, d := x.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		}
	}
	return v
}

func padded(t mapping.Type, s string) string {
	if t == mapping.TypeObjectID {
		return strings.TrimRight(s, " ")
	}
	return s
}

func jsonEqual(expected, actual any) bool {
	decode := func(v any) (any, bool) {
		s, ok := v.(string)
		if !ok {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			s = string(b)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, false
		}
		return out, true
	}
	a, ok := decode(expected)
	if !ok {
		return false
	}
	b, ok := decode(actual)
	if !ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func decimalEqual(expected, actual any) bool {
	a, ok := new(big.Rat).SetString(strings.TrimSpace(fmt.Sprint(expected)))
	if !ok {
		return false
	}
	b, ok := new(big.Rat).SetString(strings.TrimSpace(fmt.Sprint(actual)))
	if !ok {
		return false
	}
	return a.Cmp(b) == 0
}

// Format renders a value for a mismatch report.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case string:
		if len(x) > 80 {
			return x[:77] + "..."
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}
