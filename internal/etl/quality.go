package etl

import (
	"fmt"
	"math"
)

const (
	nullErrorPercent   = 80.0
	nullWarningPercent = 50.0
	minValidRows       = 5
)

// QualityReport is the verdict on a transformed table. Callers must check
// IsValid; an error-free run is not necessarily loadable.
type QualityReport struct {
	IsValid          bool               `json:"is_valid"`
	Warnings         []string           `json:"warnings"`
	Errors           []string           `json:"errors"`
	TotalRows        int                `json:"total_rows"`
	EmptyRows        int                `json:"empty_rows"`
	ValidRows        int                `json:"valid_rows"`
	NullPercentages  map[string]float64 `json:"null_percentages"`
	DataQualityScore float64            `json:"data_quality_score"`
}

// Assess computes null statistics for t. Only nil cells are null: TEXT
// coercion turns blanks into "", which counts as a value. A row is empty
// when every data column is null or blank; control columns are ignored for
// that count. The score covers every column.
func Assess(t *Table) QualityReport {
	r := QualityReport{
		IsValid:         true,
		Warnings:        []string{},
		Errors:          []string{},
		TotalRows:       t.Len(),
		NullPercentages: make(map[string]float64, len(t.Columns)),
	}

	nulls := make([]int, len(t.Columns))
	for _, row := range t.Rows {
		empty := true
		for i, v := range row {
			if v == nil {
				nulls[i]++
			}
			if !isBlank(v) && !IsControlColumn(t.Columns[i]) {
				empty = false
			}
		}
		if empty {
			r.EmptyRows++
		}
	}
	r.ValidRows = r.TotalRows - r.EmptyRows

	if r.ValidRows == 0 {
		r.IsValid = false
		r.Errors = append(r.Errors, "no valid rows found")
	} else if r.ValidRows < minValidRows {
		r.Warnings = append(r.Warnings, fmt.Sprintf("only %d valid rows found", r.ValidRows))
	}

	totalNulls := 0
	for i, c := range t.Columns {
		totalNulls += nulls[i]
		pct := 0.0
		if r.TotalRows > 0 {
			pct = round2(float64(nulls[i]) / float64(r.TotalRows) * 100)
		}
		r.NullPercentages[c] = pct

		switch {
		case pct > nullErrorPercent:
			r.IsValid = false
			r.Errors = append(r.Errors, fmt.Sprintf("column %q is %.1f%% null", c, pct))
		case pct > nullWarningPercent:
			r.Warnings = append(r.Warnings, fmt.Sprintf("column %q is %.1f%% null", c, pct))
		}
	}

	cells := r.TotalRows * len(t.Columns)
	if cells > 0 {
		r.DataQualityScore = round2(float64(cells-totalNulls) / float64(cells) * 100)
	}

	return r
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
