package mapping

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/padraicbc/docmigrate/extjson"
)

// CoercionError reports a value that cannot be converted to a column type.
type CoercionError struct {
	Type   Type
	Value  any
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot coerce %T(%v) to %s: %s", e.Value, e.Value, e.Type, e.Reason)
}

// decimalPattern accepts the plain decimal syntax NUMERIC and DECIMAL columns
// take. Exponents are unbounded; Go-only forms such as hex floats and Inf are not.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
	"02/01/2006",
}

// Coerce converts a document value into the Go value written for a column of
// type t. Extended JSON wrappers and BSON primitives are normalized first.
// A nil input yields nil.
func Coerce(v any, t Type) (any, error) {
	v = extjson.Normalize(v)
	if v == nil {
		return nil, nil
	}

	fail := func(format string, args ...any) (any, error) {
		return nil, &CoercionError{Type: t, Value: v, Reason: fmt.Sprintf(format, args...)}
	}

	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		case time.Time:
			return x.Format(time.RFC3339Nano), nil
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return fail("%v", err)
			}
			return string(b), nil
		}

	case TypeObjectID:
		s, ok := v.(string)
		if !ok {
			return fail("not an object id")
		}
		if len(s) != 24 {
			return fail("object id must be 24 hex characters")
		}
		if _, err := hex.DecodeString(s); err != nil {
			return fail("object id is not hex")
		}
		return strings.ToLower(s), nil

	case TypeInt, TypeBigInt:
		n, err := toInt(v)
		if err != nil {
			return fail("%v", err)
		}
		if t == TypeInt && (n < math.MinInt32 || n > math.MaxInt32) {
			return fail("out of range for int")
		}
		return n, nil

	case TypeFloat:
		f, err := toFloat(v)
		if err != nil {
			return fail("%v", err)
		}
		return f, nil

	case TypeDecimal:
		switch x := v.(type) {
		case string:
			d := strings.TrimSpace(x)
			if !decimalPattern.MatchString(d) {
				return fail("not a decimal")
			}
			return d, nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			if math.IsInf(x, 0) || math.IsNaN(x) {
				return fail("not a finite decimal")
			}
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		default:
			return fail("not a decimal")
		}

	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		case float64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "t", "yes", "y", "1":
				return true, nil
			case "false", "f", "no", "n", "0", "":
				return false, nil
			}
		}
		return fail("not a boolean")

	case TypeTimestamp, TypeDate:
		ts, err := toTime(v)
		if err != nil {
			return fail("%v", err)
		}
		if t == TypeDate {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return ts, nil

	case TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return fail("%v", err)
		}
		return string(b), nil

	case TypeUUID:
		s, ok := v.(string)
		if !ok {
			return fail("not a uuid")
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return fail("%v", err)
		}
		return id.String(), nil
	}

	return fail("unknown type")
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("not an integral number")
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, fmt.Errorf("out of range")
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		return toInt(f)
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time format")
	default:
		return time.Time{}, fmt.Errorf("not a time")
	}
}
