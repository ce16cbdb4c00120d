package store

// convert.go turns pipeline cell values into pgtype values for the column
// type reported by information_schema. Empty strings become NULL for every
// type except text.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

type family int

const (
	familyOther family = iota
	familyText
	familyInteger
	familyNumeric
	familyFloat
	familyDate
	familyTimestamp
	familyTimestamptz
	familyBool
	familyUUID
)

func typeFamily(dataType string) family {
	switch strings.ToLower(dataType) {
	case "text", "character varying", "character", "varchar", "char":
		return familyText
	case "smallint", "integer", "bigint":
		return familyInteger
	case "numeric", "decimal":
		return familyNumeric
	case "real", "double precision":
		return familyFloat
	case "date":
		return familyDate
	case "timestamp without time zone", "timestamp":
		return familyTimestamp
	case "timestamp with time zone", "timestamptz":
		return familyTimestamptz
	case "boolean":
		return familyBool
	case "uuid":
		return familyUUID
	}
	return familyOther
}

// encodeValue converts v for a column of the given data_type. Types it does
// not know pass through untouched.
func encodeValue(v any, dataType string) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch typeFamily(dataType) {
	case familyText:
		return ToPgText(v), nil
	case familyInteger:
		return ToPgInt8(v)
	case familyNumeric:
		return ToPgNumeric(v)
	case familyFloat:
		return ToPgFloat8(v)
	case familyDate:
		t, valid, err := toTime(v, etl.CoerceDate)
		return pgtype.Date{Time: t, Valid: valid}, err
	case familyTimestamp:
		t, valid, err := toTime(v, etl.CoerceTimestamp)
		return pgtype.Timestamp{Time: t, Valid: valid}, err
	case familyTimestamptz:
		t, valid, err := toTime(v, etl.CoerceTimestamp)
		return pgtype.Timestamptz{Time: t, Valid: valid}, err
	case familyBool:
		return ToPgBool(v)
	case familyUUID:
		return ToPgUUID(v)
	}
	return v, nil
}

// blank reports an empty or whitespace-only string.
func blank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// ToPgText renders any value as text. Only nil is NULL.
func ToPgText(v any) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	if s, ok := v.(string); ok {
		return pgtype.Text{String: s, Valid: true}
	}
	return pgtype.Text{String: etl.FormatValue(v), Valid: true}
}

// ToPgInt8 accepts integers, whole floats and numeric strings. Fractions
// are truncated the way CoerceInteger does.
func ToPgInt8(v any) (pgtype.Int8, error) {
	if v == nil || blank(v) {
		return pgtype.Int8{}, nil
	}
	switch x := v.(type) {
	case int64:
		return pgtype.Int8{Int64: x, Valid: true}, nil
	case int:
		return pgtype.Int8{Int64: int64(x), Valid: true}, nil
	case float64:
		return pgtype.Int8{Int64: int64(x), Valid: true}, nil
	case bool:
		if x {
			return pgtype.Int8{Int64: 1, Valid: true}, nil
		}
		return pgtype.Int8{Int64: 0, Valid: true}, nil
	case string:
		if n, ok := etl.CoerceInteger(x); ok {
			return pgtype.Int8{Int64: n, Valid: true}, nil
		}
	}
	return pgtype.Int8{}, invalid("integer", v)
}

// ToPgNumeric keeps the decimal text exact when the value is already a
// plain number and falls back to float parsing for decimal commas.
func ToPgNumeric(v any) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if v == nil || blank(v) {
		return n, nil
	}

	var s string
	switch x := v.(type) {
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		s = strings.TrimSpace(x)
		if !numericRegex.MatchString(s) {
			f, ok := etl.CoerceNumeric(s)
			if !ok {
				return n, invalid("numeric", v)
			}
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
	default:
		return n, invalid("numeric", v)
	}

	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}, invalid("numeric", v)
	}
	return n, nil
}

// ToPgFloat8 converts to double precision.
func ToPgFloat8(v any) (pgtype.Float8, error) {
	if v == nil || blank(v) {
		return pgtype.Float8{}, nil
	}
	switch x := v.(type) {
	case float64:
		return pgtype.Float8{Float64: x, Valid: true}, nil
	case int64:
		return pgtype.Float8{Float64: float64(x), Valid: true}, nil
	case int:
		return pgtype.Float8{Float64: float64(x), Valid: true}, nil
	case string:
		if f, ok := etl.CoerceNumeric(x); ok {
			return pgtype.Float8{Float64: f, Valid: true}, nil
		}
	}
	return pgtype.Float8{}, invalid("double precision", v)
}

// ToPgBool accepts booleans, 0/1 and the usual yes/no spellings.
// Unrecognised text is an error rather than false.
func ToPgBool(v any) (pgtype.Bool, error) {
	if v == nil || blank(v) {
		return pgtype.Bool{}, nil
	}
	switch x := v.(type) {
	case bool:
		return pgtype.Bool{Bool: x, Valid: true}, nil
	case int64:
		return pgtype.Bool{Bool: x != 0, Valid: true}, nil
	case int:
		return pgtype.Bool{Bool: x != 0, Valid: true}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1", "sim", "s", "verdadeiro":
			return pgtype.Bool{Bool: true, Valid: true}, nil
		case "false", "f", "no", "n", "0", "nao", "não", "falso":
			return pgtype.Bool{Bool: false, Valid: true}, nil
		}
	}
	return pgtype.Bool{}, invalid("boolean", v)
}

// ToPgUUID parses the canonical text form.
func ToPgUUID(v any) (pgtype.UUID, error) {
	if v == nil || blank(v) {
		return pgtype.UUID{}, nil
	}
	switch x := v.(type) {
	case uuid.UUID:
		return pgtype.UUID{Bytes: x, Valid: true}, nil
	case string:
		id, err := uuid.Parse(strings.TrimSpace(x))
		if err == nil {
			return pgtype.UUID{Bytes: id, Valid: true}, nil
		}
	}
	return pgtype.UUID{}, invalid("uuid", v)
}

func toTime(v any, parse func(string) (time.Time, bool)) (time.Time, bool, error) {
	if blank(v) {
		return time.Time{}, false, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x, true, nil
	case string:
		if t, ok := parse(x); ok {
			return t, true, nil
		}
	}
	return time.Time{}, false, invalid("date/time", v)
}

func invalid(kind string, v any) error {
	return fmt.Errorf("invalid input syntax for type %s: %q", kind, etl.FormatValue(v))
}
