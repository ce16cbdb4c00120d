package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SemanticType is the prober's guess for a column.
type SemanticType string

const (
	SemanticNumeric SemanticType = "NUMERIC"
	SemanticDate    SemanticType = "DATE"
	SemanticText    SemanticType = "TEXT"
)

// DeclaredType is the type a mapped column is coerced to.
type DeclaredType string

const (
	TypeText      DeclaredType = "TEXT"
	TypeInteger   DeclaredType = "INTEGER"
	TypeNumeric   DeclaredType = "NUMERIC"
	TypeDate      DeclaredType = "DATE"
	TypeTimestamp DeclaredType = "TIMESTAMP"
	TypeBoolean   DeclaredType = "BOOLEAN"
)

var typeAliases = map[string]DeclaredType{
	"TEXT":        TypeText,
	"VARCHAR":     TypeText,
	"STRING":      TypeText,
	"INTEGER":     TypeInteger,
	"INT":         TypeInteger,
	"BIGINT":      TypeInteger,
	"ID":          TypeInteger,
	"NUMERIC":     TypeNumeric,
	"DECIMAL":     TypeNumeric,
	"FLOAT":       TypeNumeric,
	"DATE":        TypeDate,
	"TIMESTAMP":   TypeTimestamp,
	"TIMESTAMPTZ": TypeTimestamp,
	"DATETIME":    TypeTimestamp,
	"BOOLEAN":     TypeBoolean,
	"BOOL":        TypeBoolean,
}

// ParseDeclaredType accepts a type name case-insensitively, including the
// common SQL aliases.
func ParseDeclaredType(s string) (DeclaredType, error) {
	if t, ok := typeAliases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// UnmarshalText makes JSON and TOML decoding reject unknown type names.
func (t *DeclaredType) UnmarshalText(b []byte) error {
	parsed, err := ParseDeclaredType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ColumnMapping maps one cleaned source column onto a destination column.
//
// Within one mapping set source columns are unique, and so are the target
// columns of the enabled mappings; ValidateMappings enforces both. Disabled
// mappings are kept so a client can round-trip the full suggestion list.
type ColumnMapping struct {
	SourceColumn string       `json:"source_column"`
	TargetColumn string       `json:"target_column"`
	Enabled      bool         `json:"enabled"`
	DeclaredType DeclaredType `json:"declared_type"`

	// ValueSubstitutions replace exact cell values before coercion.
	ValueSubstitutions map[string]string `json:"value_substitutions,omitempty"`

	// ValidateAgainstDimension names a reference table the target column
	// is checked against before loading.
	ValidateAgainstDimension string `json:"validate_against_dimension,omitempty"`
}

// DecodeMappings parses a JSON mapping list. Unknown fields are rejected.
func DecodeMappings(data []byte) ([]ColumnMapping, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var ms []ColumnMapping
	if err := dec.Decode(&ms); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	for i := range ms {
		if ms[i].DeclaredType == "" {
			ms[i].DeclaredType = TypeText
		}
	}
	return ms, nil
}

// Record is one row in the shape handed to a Store.
type Record map[string]any

// ColumnInfo describes one column of a database table.
type ColumnInfo struct {
	Name     string `json:"column_name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"is_nullable"`
	Default  string `json:"column_default,omitempty"`
	Position int    `json:"ordinal_position"`
}

// Store is the database the pipeline reads reference data from and loads
// into. Implementations must be safe for use by concurrent requests.
type Store interface {
	// SchemaOf describes a table. A missing table yields an empty slice
	// and no error.
	SchemaOf(ctx context.Context, table string) ([]ColumnInfo, error)

	// SelectKeys returns the subset of values present in table.key.
	SelectKeys(ctx context.Context, table, key string, values []string) ([]string, error)

	// Insert writes records and reports how many were persisted.
	Insert(ctx context.Context, table string, records []Record) (int, error)
}

// Control carries the per-run values written into control columns.
type Control struct {
	BatchID     string
	GeneratedAt time.Time
}

// NewControl generates a fresh batch id.
func NewControl(now time.Time) Control {
	return Control{BatchID: uuid.NewString(), GeneratedAt: now}
}

// Control column names.
const (
	ColBatchID    = "batch_id"
	ColUploadedAt = "uploaded_at"
	ColCreatedAt  = "created_at"
	ColProcessed  = "processed"
)

// ControlColumns lists the columns every transformed table ends with.
var ControlColumns = []string{ColBatchID, ColUploadedAt, ColCreatedAt, ColProcessed}

// IsControlColumn reports whether name is one of ControlColumns.
func IsControlColumn(name string) bool {
	for _, c := range ControlColumns {
		if c == name {
			return true
		}
	}
	return false
}
