package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	etl "github.com/paccafe/retail-etl"
)

// NormalizePrice parses a price as a non-negative decimal. Signs, spaces,
// currency symbols and thousands separators are stripped, so "-12.50",
// "- 12.50" and "Rp 1,250.00" are all accepted. Null stays null.
func NormalizePrice(v any) (any, error) {
	if etl.IsNull(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case float64:
		return math.Abs(x), nil
	case float32:
		return math.Abs(float64(x)), nil
	case int64:
		return math.Abs(float64(x)), nil
	case int:
		return math.Abs(float64(x)), nil
	}

	raw := fmt.Sprint(v)
	if b, ok := v.([]byte); ok {
		raw = string(b)
	}
	digits := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, raw)
	if digits == "" || strings.Count(digits, ".") > 1 {
		return nil, fmt.Errorf("%w: malformed price %q", etl.ErrTransform, raw)
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed price %q: %w", etl.ErrTransform, raw, err)
	}
	return f, nil
}

// dateLayouts are tried in order. Layouts without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// NormalizeDate converts a timestamp or date to UTC Unix seconds. Integers
// are taken to be Unix seconds already. Null stays null.
func NormalizeDate(v any) (any, error) {
	if etl.IsNull(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Unix(), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case []byte:
		return parseDate(string(x))
	case string:
		return parseDate(x)
	default:
		return nil, fmt.Errorf("%w: unsupported date value %v (%T)", etl.ErrTransform, v, v)
	}
}

func parseDate(s string) (any, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC().Unix(), nil
		}
	}
	return nil, fmt.Errorf("%w: malformed date %q", etl.ErrTransform, s)
}
