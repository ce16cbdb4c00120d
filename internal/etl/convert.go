package etl

// convert.go coerces cleaned cell strings to their declared types.
//
// The exports come from Brazilian software, so numbers use a decimal
// comma ("350,5") and dates are written day first ("15/01/2024"). A value
// that cannot be coerced becomes nil; it is never an error. Null counts
// surface later in the quality report.

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Values starting with a four-digit year use the ISO layouts; everything
// else is read day first.
var (
	isoDateLayouts = []string{
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"2006/01/02",
	}
	dayFirstLayouts = []string{
		"02/01/2006",
		"2/1/2006",
		"02/01/2006 15:04:05",
		"02/01/2006 15:04",
		"02-01-2006",
		"2-1-2006",
		"02-01-2006 15:04:05",
		"02.01.2006",
		"02/01/06",
		"2/1/06",
	}
)

var trueValues = map[string]bool{
	"true":       true,
	"1":          true,
	"sim":        true,
	"yes":        true,
	"verdadeiro": true,
	"t":          true,
}

// Coerce converts s to the in-memory representation of typ:
// string, int64, float64, time.Time, bool, or nil for null.
func Coerce(s string, typ DeclaredType) any {
	switch typ {
	case TypeInteger:
		if v, ok := CoerceInteger(s); ok {
			return v
		}
	case TypeNumeric:
		if v, ok := CoerceNumeric(s); ok {
			return v
		}
	case TypeDate:
		if v, ok := CoerceDate(s); ok {
			return v
		}
	case TypeTimestamp:
		if v, ok := CoerceTimestamp(s); ok {
			return v
		}
	case TypeBoolean:
		if v, ok := CoerceBool(s); ok {
			return v
		}
	default:
		return CoerceText(s)
	}
	return nil
}

// CoerceText returns s trimmed, with the "nan" placeholder mapped to "".
func CoerceText(s string) string {
	s = strings.TrimSpace(s)
	if s == "nan" {
		return ""
	}
	return s
}

// CoerceInteger keeps the integer part of a number written with either
// decimal separator: "12,7" gives 12.
func CoerceInteger(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" || s == "-" || s == "+" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CoerceNumeric parses a decimal-comma or decimal-point number.
func CoerceNumeric(s string) (float64, bool) {
	return parseDecimal(s)
}

// CoerceDate parses a calendar date, reading ambiguous dates day first.
// Any time of day is dropped.
func CoerceDate(s string) (time.Time, bool) {
	t, ok := CoerceTimestamp(s)
	if !ok {
		return time.Time{}, false
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
}

// CoerceTimestamp parses a date with optional time of day.
func CoerceTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	layouts := dayFirstLayouts
	if len(s) >= 5 && (s[4] == '-' || s[4] == '/') {
		layouts = isoDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CoerceBool maps the accepted truthy spellings to true and anything else
// to false. Empty input is null.
func CoerceBool(s string) (bool, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false, false
	}
	return trueValues[s], true
}

// FormatValue renders a coerced value as text, the way dimension lookups
// and previews compare it. nil renders as "".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
