package etl

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/feedlot-etl/internal/ingest"
)

var (
	nonWordRegex    = regexp.MustCompile(`[^\w\s]`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	underscoreRegex = regexp.MustCompile(`_+`)
)

// placeholderNames are header values spreadsheets emit for empty cells.
var placeholderNames = map[string]bool{"": true, "nan": true, "none": true, "null": true}

// foldAccents strips combining marks: "Médio" becomes "Medio".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// CleanName normalizes a raw column name into a lowercase identifier made
// of ASCII letters, digits and single underscores. Names that clean to
// nothing become col_<index>. The result is made unique against used by
// appending _1, _2, ... and is added to used.
func CleanName(name string, index int, used map[string]struct{}) string {
	cleaned := foldAccents(name)
	cleaned = nonWordRegex.ReplaceAllString(cleaned, "")
	cleaned = whitespaceRegex.ReplaceAllString(strings.TrimSpace(cleaned), "_")
	cleaned = strings.ToLower(cleaned)
	cleaned = underscoreRegex.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_")

	base := cleaned
	if placeholderNames[cleaned] {
		base = "col_" + strconv.Itoa(index)
	}

	final := base
	for n := 1; ; n++ {
		if _, taken := used[final]; !taken {
			break
		}
		final = base + "_" + strconv.Itoa(n)
	}

	used[final] = struct{}{}
	return final
}

// CleanHeader cleans every name of a header with a shared used set.
func CleanHeader(header []string) []string {
	used := make(map[string]struct{}, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = CleanName(h, i, used)
	}
	return out
}

// Frame is a cleaned RawTable: unique identifier column names and trimmed
// cells. An empty cell is a null.
type Frame struct {
	Source     string     `json:"source"`
	RawColumns []string   `json:"raw_columns"`
	Columns    []string   `json:"columns"`
	Rows       [][]string `json:"rows"`
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of a column, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Sample returns the non-empty values of a column among its first n rows.
func (f *Frame) Sample(name string, n int) []string {
	idx := f.Index(name)
	if idx < 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(f.Rows) && i < n; i++ {
		if v := f.Rows[i][idx]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Head returns up to n rows.
func (f *Frame) Head(n int) [][]string {
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return f.Rows[:n]
}

// CleanTable cleans a RawTable's header and cells. Rows empty in every
// column are dropped; cells are trimmed and the literal "nan" becomes null.
// The RawTable is not modified.
func CleanTable(t *ingest.RawTable) *Frame {
	f := &Frame{
		Source:     t.SourceName,
		RawColumns: append([]string(nil), t.Header...),
		Columns:    CleanHeader(t.Header),
		Rows:       make([][]string, 0, len(t.Rows)),
	}

	for _, raw := range t.Rows {
		row := make([]string, len(f.Columns))
		empty := true
		for i := range row {
			if i >= len(raw) {
				continue
			}
			v := strings.TrimSpace(raw[i])
			if v == "nan" {
				v = ""
			}
			row[i] = v
			if v != "" {
				empty = false
			}
		}
		if !empty {
			f.Rows = append(f.Rows, row)
		}
	}

	return f
}
