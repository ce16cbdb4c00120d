package etl

import (
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/JonMunkholm/feedlot-etl/internal/ingest"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
)

// UnknownFileType is reported when no archetype matches.
const UnknownFileType = "unknown"

const (
	probeNumericThreshold = 0.8
	probeDateThreshold    = 0.6
	structureSampleRows   = 3
)

// datePrefixes match the date layouts the exports use. Only the start of
// a value has to match.
var datePrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`^\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`^\d{2}-\d{2}-\d{4}`),
}

// ColumnType pairs a header with its probed type.
type ColumnType struct {
	Column string       `json:"column"`
	Type   SemanticType `json:"type"`
}

// Structure summarizes a loaded file.
type Structure struct {
	FilePath       string       `json:"file_path"`
	Headers        []string     `json:"headers"`
	ColumnCount    int          `json:"column_count"`
	EstimatedRows  int          `json:"estimated_rows"`
	ColumnTypes    []ColumnType `json:"column_types"`
	FileType       string       `json:"detected_file_type"`
	SkipFirstLine  bool         `json:"skip_first_line"`
	SampleData     [][]string   `json:"sample_data"`
	SuggestedTable string       `json:"suggested_table,omitempty"`
	Encoding       string       `json:"encoding"`
	Delimiter      string       `json:"delimiter"`
}

// Probe inspects the first sampleSize rows of t to type each column and
// classifies the file against the known archetypes.
func Probe(t *ingest.RawTable, sampleSize int, r *rules.Rules) Structure {
	s := Structure{
		FilePath:      t.SourceName,
		Headers:       t.Header,
		ColumnCount:   len(t.Header),
		EstimatedRows: t.Len(),
		SkipFirstLine: t.SkipFirstLine,
		Encoding:      t.Encoding,
		Delimiter:     t.Delimiter,
	}

	sample := t.Rows
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	for i, h := range t.Header {
		values := make([]string, 0, len(sample))
		for _, row := range sample {
			if i < len(row) {
				values = append(values, row[i])
			}
		}
		s.ColumnTypes = append(s.ColumnTypes, ColumnType{Column: h, Type: probeType(values)})
	}

	if len(sample) > structureSampleRows {
		sample = sample[:structureSampleRows]
	}
	s.SampleData = sample

	s.FileType = DetectFileType(t.SourceName, CleanHeader(t.Header), r)
	if s.FileType != UnknownFileType {
		s.SuggestedTable = rules.StagingTable(s.FileType)
	}
	return s
}

// probeType classifies sample values: NUMERIC above 80% numeric, DATE
// above 60% date-like, TEXT otherwise.
func probeType(values []string) SemanticType {
	var nonEmpty, numeric, date int
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		nonEmpty++
		if isNumeric(v) {
			numeric++
			continue
		}
		if looksLikeDate(v) {
			date++
		}
	}

	switch {
	case nonEmpty == 0:
		return SemanticText
	case float64(numeric) > float64(nonEmpty)*probeNumericThreshold:
		return SemanticNumeric
	case float64(date) > float64(nonEmpty)*probeDateThreshold:
		return SemanticDate
	default:
		return SemanticText
	}
}

// isNumeric reports whether v parses as a finite float once a decimal
// comma is turned into a point.
func isNumeric(v string) bool {
	_, ok := parseDecimal(v)
	return ok
}

func looksLikeDate(v string) bool {
	v = strings.TrimSpace(v)
	for _, re := range datePrefixes {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// DetectFileType matches a file against the archetypes. The base file
// name containing an archetype name wins outright. Otherwise each
// archetype scores one point per keyword found in any of the (cleaned)
// headers, and a unique best score above 1 wins.
func DetectFileType(source string, headers []string, r *rules.Rules) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)))
	for _, a := range r.Archetypes {
		if base != "" && strings.Contains(base, strings.ToLower(a.Name)) {
			return a.Name
		}
	}

	lower := make([]string, len(headers))
	for i, h := range headers {
		lower[i] = strings.ToLower(h)
	}

	best, bestScore, tie := UnknownFileType, 0, false
	for _, a := range r.Archetypes {
		score := 0
		for _, kw := range a.Keywords {
			for _, h := range lower {
				if strings.Contains(h, kw) {
					score++
					break
				}
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = a.Name, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}

	if bestScore <= 1 || tie {
		return UnknownFileType
	}
	return best
}

// parseDecimal parses a number written with either decimal separator.
// NaN and infinities are rejected.
func parseDecimal(v string) (float64, bool) {
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
