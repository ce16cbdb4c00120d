package etl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/feedlot-etl/internal/rules"
)

// maxOutlierValues caps the invalid values listed in a filter result.
const maxOutlierValues = 20

// DefaultKeyColumn is used when a reference table has no usable schema.
const DefaultKeyColumn = "id"

// DimensionReport describes how a column's values match a reference table.
type DimensionReport struct {
	Table           string   `json:"dimension_table"`
	KeyColumn       string   `json:"key_column"`
	TotalUnique     int      `json:"total_unique_values"`
	ValidCount      int      `json:"valid_values_count"`
	InvalidCount    int      `json:"invalid_values_count"`
	ValidPercent    float64  `json:"validation_rate_percent"`
	ValidValues     []string `json:"valid_values"`
	InvalidValues   []string `json:"invalid_values"`
	Recommendations []string `json:"recommendations"`
}

// FilterResult is the outcome of an outlier filter over one column.
type FilterResult struct {
	Column          string          `json:"column"`
	Table           string          `json:"dimension_table"`
	KeyColumn       string          `json:"key_column"`
	OriginalRows    int             `json:"original_rows"`
	FilteredRows    int             `json:"filtered_rows"`
	OutliersRemoved int             `json:"outliers_removed"`
	OutlierPercent  float64         `json:"outlier_percent"`
	OutlierValues   []string        `json:"outlier_values"`
	Report          DimensionReport `json:"validation"`
	Recommendations []string        `json:"recommendations"`
}

// OutlierSummary collects the filters applied before a load.
type OutlierSummary struct {
	Filters      []FilterResult `json:"filters"`
	TotalRemoved int            `json:"total_outliers_removed"`
	Skipped      []string       `json:"skipped,omitempty"`
}

// DimensionValidator checks column values against reference tables.
type DimensionValidator struct {
	store       Store
	rules       *rules.Rules
	lookupBatch int

	// AutoPatterns enables the rules file's column-name patterns in
	// AutoFilter. Explicit per-mapping dimensions always apply.
	AutoPatterns bool
}

// NewDimensionValidator returns a validator that looks keys up lookupBatch
// values at a time.
func NewDimensionValidator(s Store, r *rules.Rules, lookupBatch int) *DimensionValidator {
	if lookupBatch <= 0 {
		lookupBatch = 50
	}
	return &DimensionValidator{store: s, rules: r, lookupBatch: lookupBatch, AutoPatterns: true}
}

// Validate dedupes the trimmed values and looks them up in table.keyColumn.
// An empty keyColumn is detected. Blank values are ignored. A store error
// aborts the validation.
func (v *DimensionValidator) Validate(ctx context.Context, values []string, table, keyColumn string) (DimensionReport, error) {
	if keyColumn == "" {
		k, err := v.DetectKeyColumn(ctx, table)
		if err != nil {
			return DimensionReport{}, err
		}
		keyColumn = k
	}

	report := DimensionReport{
		Table:         table,
		KeyColumn:     keyColumn,
		ValidValues:   []string{},
		InvalidValues: []string{},
	}

	unique := dedupe(values)
	report.TotalUnique = len(unique)

	found := make(map[string]bool, len(unique))
	for _, chunk := range chunk(unique, v.lookupBatch) {
		keys, err := v.store.SelectKeys(ctx, table, keyColumn, chunk)
		if err != nil {
			return DimensionReport{}, fmt.Errorf("dimension lookup %s.%s: %w", table, keyColumn, err)
		}
		for _, k := range keys {
			found[strings.TrimSpace(k)] = true
		}
	}

	for _, val := range unique {
		if found[val] {
			report.ValidValues = append(report.ValidValues, val)
		} else {
			report.InvalidValues = append(report.InvalidValues, val)
		}
	}
	report.ValidCount = len(report.ValidValues)
	report.InvalidCount = len(report.InvalidValues)
	if report.TotalUnique > 0 {
		report.ValidPercent = round2(float64(report.ValidCount) / float64(report.TotalUnique) * 100)
	}
	report.Recommendations = dimensionRecommendations(report)

	return report, nil
}

// DetectKeyColumn picks the key column of a reference table: the rules
// dictionary first, then the first schema column ending in _id or starting
// with id_, then the first column, then "id".
func (v *DimensionValidator) DetectKeyColumn(ctx context.Context, table string) (string, error) {
	if k, ok := v.rules.KeyColumn(table); ok {
		return k, nil
	}

	cols, err := v.store.SchemaOf(ctx, table)
	if err != nil {
		return "", fmt.Errorf("dimension schema %s: %w", table, err)
	}
	for _, c := range cols {
		name := strings.ToLower(c.Name)
		if strings.HasSuffix(name, "_id") || strings.HasPrefix(name, "id_") {
			return c.Name, nil
		}
	}
	if len(cols) > 0 {
		return cols[0].Name, nil
	}
	return DefaultKeyColumn, nil
}

// Filter validates column against table.keyColumn. With remove set, rows
// whose value is not a valid key are dropped from t in place; null values
// are dropped too. Without remove, t is unchanged and only the report is
// produced. A column without any non-blank value leaves t unchanged.
func (v *DimensionValidator) Filter(ctx context.Context, t *Table, column, table, keyColumn string, remove bool) (FilterResult, error) {
	idx := t.Index(column)
	if idx < 0 {
		return FilterResult{}, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	res := FilterResult{
		Column:        column,
		Table:         table,
		OriginalRows:  t.Len(),
		FilteredRows:  t.Len(),
		OutlierValues: []string{},
	}

	values := make([]string, 0, t.Len())
	for _, row := range t.Rows {
		if s := FormatValue(row[idx]); s != "" {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		res.KeyColumn = keyColumn
		res.Recommendations = []string{fmt.Sprintf("column %s has no values to validate", column)}
		return res, nil
	}

	report, err := v.Validate(ctx, values, table, keyColumn)
	if err != nil {
		return FilterResult{}, err
	}
	res.Report = report
	res.KeyColumn = report.KeyColumn

	if remove && report.InvalidCount > 0 {
		valid := make(map[string]bool, len(report.ValidValues))
		for _, s := range report.ValidValues {
			valid[s] = true
		}
		kept := t.Rows[:0]
		for _, row := range t.Rows {
			if valid[FormatValue(row[idx])] {
				kept = append(kept, row)
			}
		}
		t.Rows = kept
		res.FilteredRows = t.Len()
		res.OutliersRemoved = res.OriginalRows - res.FilteredRows

		res.OutlierValues = report.InvalidValues
		if len(res.OutlierValues) > maxOutlierValues {
			res.OutlierValues = res.OutlierValues[:maxOutlierValues]
		}
	}

	if res.OriginalRows > 0 {
		res.OutlierPercent = round2(float64(res.OutliersRemoved) / float64(res.OriginalRows) * 100)
	}
	res.Recommendations = filterRecommendations(res)

	if res.OutliersRemoved > 0 {
		slog.Info("outliers removed",
			"column", column,
			"dimension_table", table,
			"removed", res.OutliersRemoved,
			"remaining", res.FilteredRows,
		)
	}
	return res, nil
}

// AutoFilter removes outliers from every mapped column that has a
// dimension: the mapping's ValidateAgainstDimension, or when AutoPatterns
// is set, the rules file's name patterns. A column whose lookup fails is
// logged and skipped.
func (v *DimensionValidator) AutoFilter(ctx context.Context, t *Table, mappings []ColumnMapping) OutlierSummary {
	summary := OutlierSummary{Filters: []FilterResult{}}

	dims := make(map[string]string)
	for _, m := range mappings {
		if m.Enabled && m.ValidateAgainstDimension != "" {
			dims[m.TargetColumn] = m.ValidateAgainstDimension
		}
	}

	for _, col := range t.DataColumns() {
		table, ok := dims[col]
		if !ok && v.AutoPatterns {
			table, ok = v.rules.DimensionFor(col)
		}
		if !ok {
			continue
		}

		res, err := v.Filter(ctx, t, col, table, "", true)
		if err != nil {
			slog.Warn("dimension filter skipped",
				"column", col,
				"dimension_table", table,
				"error", err,
			)
			summary.Skipped = append(summary.Skipped, fmt.Sprintf("%s: %v", col, err))
			continue
		}
		summary.Filters = append(summary.Filters, res)
		summary.TotalRemoved += res.OutliersRemoved
	}

	return summary
}

// dedupe trims values and drops blanks and repeats, keeping first-seen
// order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, s := range values {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
