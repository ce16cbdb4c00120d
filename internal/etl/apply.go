package etl

import (
	"fmt"
	"log/slog"
	"strings"
)

// Table is a transformed table: one column per enabled mapping followed
// by the control columns, with cells coerced to their declared types.
type Table struct {
	Columns []string                `json:"columns"`
	Types   map[string]DeclaredType `json:"types"`
	Rows    [][]any                 `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of a column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// DataColumns returns the columns that are not control columns.
func (t *Table) DataColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !IsControlColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// Records converts rows to Store records.
func (t *Table) Records(rows [][]any) []Record {
	out := make([]Record, len(rows))
	for i, row := range rows {
		rec := make(Record, len(t.Columns))
		for j, c := range t.Columns {
			rec[c] = row[j]
		}
		out[i] = rec
	}
	return out
}

// Head returns up to n rows.
func (t *Table) Head(n int) [][]any {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}

// TransformLogEntry records what happened to one mapping.
type TransformLogEntry struct {
	SourceColumn string       `json:"source_column"`
	TargetColumn string       `json:"target_column,omitempty"`
	DeclaredType DeclaredType `json:"declared_type,omitempty"`
	Status       string       `json:"status"`
}

// ApplyStats summarizes a mapping application.
type ApplyStats struct {
	OriginalColumns    int                  `json:"original_columns"`
	TransformedColumns int                  `json:"transformed_columns"`
	MappedCount        int                  `json:"mapped_count"`
	ExcludedCount      int                  `json:"excluded_count"`
	OriginalRows       int                  `json:"original_rows"`
	TransformedRows    int                  `json:"transformed_rows"`
	MissingColumns     []string             `json:"missing_columns,omitempty"`
	TypesApplied       map[DeclaredType]int `json:"types_applied"`
	CoercionFailures   map[string]int       `json:"coercion_failures,omitempty"`
	Log                []TransformLogEntry  `json:"transformation_log"`
}

// ValidateMappings checks a mapping set before use: every entry needs a
// source column and a known type, sources are unique, enabled targets are
// unique, and at least one mapping is enabled.
func ValidateMappings(ms []ColumnMapping) error {
	var errs []string
	var first error
	note := func(sentinel error, msg string) {
		if first == nil {
			first = sentinel
		}
		errs = append(errs, msg)
	}

	sources := make(map[string]bool, len(ms))
	targets := make(map[string]string, len(ms))
	enabled := 0

	for i, m := range ms {
		if m.SourceColumn == "" {
			note(ErrInvalidMapping, fmt.Sprintf("mapping %d has no source column", i))
			continue
		}
		if sources[m.SourceColumn] {
			note(ErrDuplicateSource, fmt.Sprintf("source column %q mapped more than once", m.SourceColumn))
		}
		sources[m.SourceColumn] = true

		if _, err := ParseDeclaredType(string(m.DeclaredType)); err != nil {
			note(ErrUnknownType, fmt.Sprintf("%s: unknown declared type %q", m.SourceColumn, m.DeclaredType))
		}

		if !m.Enabled {
			continue
		}
		enabled++
		if m.TargetColumn == "" {
			note(ErrInvalidMapping, fmt.Sprintf("%s: enabled mapping has no target column", m.SourceColumn))
			continue
		}
		if prev, dup := targets[m.TargetColumn]; dup {
			note(ErrDuplicateTarget, fmt.Sprintf("target column %q written by both %q and %q", m.TargetColumn, prev, m.SourceColumn))
		}
		targets[m.TargetColumn] = m.SourceColumn
	}

	if enabled == 0 && first == nil {
		return ErrNoMappings
	}
	if first != nil {
		return fmt.Errorf("%w: %s", first, strings.Join(errs, "; "))
	}
	return nil
}

// Apply produces the transformed table. Mappings are applied in order;
// disabled mappings are skipped, and mappings whose source column is
// missing are logged and skipped. Substitutions run before coercion.
// Control columns are appended unless a mapping already produced them.
//
// It fails when the mappings are invalid or when no enabled mapping's
// source exists in the frame.
func Apply(f *Frame, ms []ColumnMapping, ctl Control) (*Table, ApplyStats, error) {
	stats := ApplyStats{
		OriginalColumns:  len(f.Columns),
		OriginalRows:     f.Len(),
		TypesApplied:     make(map[DeclaredType]int),
		CoercionFailures: make(map[string]int),
	}

	if err := ValidateMappings(ms); err != nil {
		return nil, stats, err
	}

	type plan struct {
		src  int
		m    ColumnMapping
		typ  DeclaredType
		subs map[string]string
	}
	var plans []plan

	for _, m := range ms {
		if !m.Enabled {
			stats.ExcludedCount++
			stats.Log = append(stats.Log, TransformLogEntry{SourceColumn: m.SourceColumn, Status: "excluded"})
			continue
		}
		idx := f.Index(m.SourceColumn)
		if idx < 0 {
			slog.Warn("mapped column missing from file, skipped",
				"source_column", m.SourceColumn,
				"target_column", m.TargetColumn,
			)
			stats.MissingColumns = append(stats.MissingColumns, m.SourceColumn)
			stats.Log = append(stats.Log, TransformLogEntry{SourceColumn: m.SourceColumn, TargetColumn: m.TargetColumn, Status: "missing"})
			continue
		}
		typ, _ := ParseDeclaredType(string(m.DeclaredType))
		plans = append(plans, plan{src: idx, m: m, typ: typ, subs: m.ValueSubstitutions})
		stats.MappedCount++
		stats.TypesApplied[typ]++
		stats.Log = append(stats.Log, TransformLogEntry{SourceColumn: m.SourceColumn, TargetColumn: m.TargetColumn, DeclaredType: typ, Status: "mapped"})
	}

	if len(plans) == 0 {
		return nil, stats, fmt.Errorf("%w: none of the enabled source columns exist (%s)",
			ErrColumnNotFound, strings.Join(stats.MissingColumns, ", "))
	}

	t := &Table{Types: make(map[string]DeclaredType, len(plans)+len(ControlColumns))}
	for _, p := range plans {
		t.Columns = append(t.Columns, p.m.TargetColumn)
		t.Types[p.m.TargetColumn] = p.typ
	}

	var controls []string
	for _, c := range ControlColumns {
		if t.Index(c) < 0 {
			controls = append(controls, c)
		}
	}
	t.Columns = append(t.Columns, controls...)
	for _, c := range controls {
		switch c {
		case ColBatchID:
			t.Types[c] = TypeText
		case ColProcessed:
			t.Types[c] = TypeBoolean
		default:
			t.Types[c] = TypeTimestamp
		}
	}

	t.Rows = make([][]any, 0, f.Len())
	for _, src := range f.Rows {
		row := make([]any, 0, len(t.Columns))
		for _, p := range plans {
			raw := src[p.src]
			if sub, ok := p.subs[raw]; ok {
				raw = sub
			}
			v := Coerce(raw, p.typ)
			if v == nil && strings.TrimSpace(raw) != "" {
				stats.CoercionFailures[p.m.TargetColumn]++
			}
			row = append(row, v)
		}
		for _, c := range controls {
			row = append(row, controlValue(c, ctl))
		}
		t.Rows = append(t.Rows, row)
	}

	stats.TransformedColumns = len(t.Columns)
	stats.TransformedRows = t.Len()
	return t, stats, nil
}

func controlValue(col string, ctl Control) any {
	switch col {
	case ColBatchID:
		return ctl.BatchID
	case ColUploadedAt, ColCreatedAt:
		return ctl.GeneratedAt
	case ColProcessed:
		return false
	}
	return nil
}
