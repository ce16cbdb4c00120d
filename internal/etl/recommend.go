package etl

import (
	"fmt"
	"strings"
)

func dimensionRecommendations(r DimensionReport) []string {
	var out []string
	pct := r.ValidPercent

	switch {
	case r.TotalUnique == 0:
		out = append(out, "no values to validate")
	case pct == 100:
		out = append(out, fmt.Sprintf("all values exist in %s", r.Table))
	case pct >= 90:
		out = append(out,
			fmt.Sprintf("%.1f%% of the values are valid", pct),
			fmt.Sprintf("check the %d invalid values before continuing", r.InvalidCount),
		)
	case pct >= 70:
		out = append(out,
			fmt.Sprintf("only %.1f%% of the values are valid", pct),
			fmt.Sprintf("%d values do not exist in %s", r.InvalidCount, r.Table),
			"create the missing dimension values or correct the data",
		)
	default:
		out = append(out,
			fmt.Sprintf("only %.1f%% of the values are valid", pct),
			"check that the column is mapped to the right dimension",
		)
	}

	if n := len(r.InvalidValues); n > 0 {
		if n > 3 {
			n = 3
		}
		out = append(out, "examples of invalid values: "+strings.Join(r.InvalidValues[:n], ", "))
	}
	return out
}

func filterRecommendations(res FilterResult) []string {
	if res.OutliersRemoved == 0 {
		if res.Report.InvalidCount > 0 {
			return []string{fmt.Sprintf("%d invalid values found, no rows removed", res.Report.InvalidCount)}
		}
		return []string{"no outliers found"}
	}

	pct := res.OutlierPercent
	var out []string
	switch {
	case pct < 5:
		out = append(out, fmt.Sprintf("few outliers removed (%.1f%%)", pct))
	case pct < 15:
		out = append(out, fmt.Sprintf("moderate outliers removed (%.1f%%)", pct))
	default:
		out = append(out, fmt.Sprintf("many outliers removed (%.1f%%), check the source data", pct))
	}
	out = append(out, fmt.Sprintf("%d records with %d unique invalid values removed", res.OutliersRemoved, res.Report.InvalidCount))
	if pct > 20 {
		out = append(out, "review how the data is collected or add the missing values to the dimension")
	}
	return out
}

// loadErrorHints maps keywords found in batch errors to advice.
var loadErrorHints = []struct {
	keywords []string
	hint     string
}{
	{[]string{"permission", "authorization"}, "check the database role permissions"},
	{[]string{"duplicate", "unique"}, "possible unique key violations, check for duplicate rows"},
	{[]string{"data type", "invalid"}, "data type problems, review the declared types"},
	{[]string{"timeout", "connection"}, "connectivity problems, consider a smaller batch size"},
}

func loadRecommendations(successPercent float64, errs []string, outliers OutlierSummary) []string {
	var out []string

	if len(outliers.Filters) > 0 {
		if outliers.TotalRemoved > 0 {
			dims := 0
			for _, f := range outliers.Filters {
				if f.OutliersRemoved > 0 {
					dims++
				}
			}
			out = append(out, fmt.Sprintf("%d outliers removed from %d dimensions", outliers.TotalRemoved, dims))
			for _, f := range outliers.Filters {
				if f.OutliersRemoved > 0 {
					out = append(out, fmt.Sprintf("  %s: %d outliers (%.1f%%)", f.Column, f.OutliersRemoved, f.OutlierPercent))
				}
			}
		} else {
			out = append(out, "no outliers found")
		}
	}

	switch {
	case successPercent == 100:
		out = append(out, "all rows were loaded")
	case successPercent >= 90:
		out = append(out, "almost every row was loaded, check the reported errors")
	case successPercent >= 70:
		out = append(out, "partial load, review the validations and mappings")
	default:
		out = append(out, "low success rate, check connectivity, permissions and the table structure")
	}

	if len(errs) > 0 {
		head := errs
		if len(head) > 5 {
			head = head[:5]
		}
		text := strings.ToLower(strings.Join(head, " "))
		for _, h := range loadErrorHints {
			if containsAny(text, h.keywords) {
				out = append(out, h.hint)
			}
		}
	}

	return out
}
