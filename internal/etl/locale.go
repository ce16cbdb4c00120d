package etl

import (
	"regexp"
	"strings"
)

// localeSampleSize is how many non-null values per column are inspected.
const localeSampleSize = 100

var (
	decimalCommaRegex = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})*,\d+$|^-?\d+,\d+$`)
	dayFirstDateRegex = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
)

// NormalizeLocale rewrites text cells written in the Brazilian locale
// into the forms the database parses: "1.234,5" becomes "1234.5" and
// "15/01/2024" becomes "2024-01-15". A column is rewritten only when one
// of its first sampled values needs it, and then only matching cells
// change. Typed cells are left alone. It returns the names of the
// columns it touched.
func NormalizeLocale(t *Table) []string {
	var touched []string

	for i, col := range t.Columns {
		if IsControlColumn(col) {
			continue
		}
		numeric, date := sampleLocale(t, i)
		if !numeric && !date {
			continue
		}

		for _, row := range t.Rows {
			s, ok := row[i].(string)
			if !ok || s == "" {
				continue
			}
			switch {
			case numeric && decimalCommaRegex.MatchString(s):
				row[i] = strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
			case date:
				if m := dayFirstDateRegex.FindStringSubmatch(s); m != nil {
					row[i] = m[3] + "-" + m[2] + "-" + m[1]
				}
			}
		}
		touched = append(touched, col)
	}

	return touched
}

func sampleLocale(t *Table, col int) (numeric, date bool) {
	seen := 0
	for _, row := range t.Rows {
		if seen >= localeSampleSize {
			break
		}
		s, ok := row[col].(string)
		if !ok || s == "" {
			continue
		}
		seen++
		if decimalCommaRegex.MatchString(s) {
			numeric = true
		}
		if dayFirstDateRegex.MatchString(s) {
			date = true
		}
	}
	return numeric, date
}
