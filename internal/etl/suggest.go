package etl

import (
	"strings"

	"github.com/JonMunkholm/feedlot-etl/internal/rules"
)

// MatchKind says how a suggestion was found.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchSubstring MatchKind = "substring"
	MatchKeyword   MatchKind = "keyword"
	MatchArchetype MatchKind = "archetype"
	MatchGeneric   MatchKind = "generic"
	MatchNone      MatchKind = "none"
)

// Confidence scores per match kind.
const (
	ConfidenceExact     = 1.0
	ConfidenceSubstring = 0.8
	ConfidenceKeyword   = 0.6
	ConfidenceArchetype = 0.8
	ConfidenceFallback  = 0.5
	ConfidenceGeneric   = 0.3
)

const valueTypeThreshold = 0.6

// Suggestion is a proposed mapping with its confidence. Suggested is
// false when the operator has to confirm the target.
type Suggestion struct {
	ColumnMapping
	Confidence float64   `json:"confidence"`
	Suggested  bool      `json:"suggested"`
	Match      MatchKind `json:"match"`
}

// Mappings strips the suggestion metadata.
func Mappings(s []Suggestion) []ColumnMapping {
	out := make([]ColumnMapping, len(s))
	for i := range s {
		out[i] = s[i].ColumnMapping
	}
	return out
}

// Suggester proposes mappings from cleaned column names.
type Suggester struct {
	rules      *rules.Rules
	sampleSize int
}

// NewSuggester returns a Suggester that samples sampleSize rows per column
// for type inference.
func NewSuggester(r *rules.Rules, sampleSize int) *Suggester {
	return &Suggester{rules: r, sampleSize: sampleSize}
}

// Suggest proposes one mapping per frame column. With a destination
// schema each column is matched against it; without one the archetype's
// column patterns are used when fileType is known, and otherwise every
// column maps to its own name at low confidence.
func (s *Suggester) Suggest(f *Frame, schema []string, fileType string) []Suggestion {
	out := make([]Suggestion, 0, len(f.Columns))

	archetype, hasArchetype := s.rules.Archetype(fileType)

	for _, col := range f.Columns {
		sg := Suggestion{
			ColumnMapping: ColumnMapping{
				SourceColumn: col,
				DeclaredType: s.InferType(col, f.Sample(col, s.sampleSize)),
			},
		}

		switch {
		case len(schema) > 0:
			target, kind := s.matchSchema(col, schema)
			sg.TargetColumn = target
			sg.Match = kind
			sg.Confidence = kindConfidence(kind)
			sg.Suggested = target != ""
		case hasArchetype:
			if target, ok := matchArchetype(col, archetype); ok {
				sg.TargetColumn = target
				sg.Match = MatchArchetype
				sg.Confidence = ConfidenceArchetype
				sg.Suggested = true
			} else {
				sg.TargetColumn = col
				sg.Match = MatchGeneric
				sg.Confidence = ConfidenceFallback
			}
		default:
			sg.TargetColumn = col
			sg.Match = MatchGeneric
			sg.Confidence = ConfidenceGeneric
		}

		sg.Enabled = sg.TargetColumn != ""
		out = append(out, sg)
	}

	return out
}

// matchSchema finds the destination for a cleaned column name: exact,
// then substring either way, then the keyword dictionary.
func (s *Suggester) matchSchema(col string, schema []string) (string, MatchKind) {
	name := strings.ToLower(col)

	for _, dst := range schema {
		if name == strings.ToLower(dst) {
			return dst, MatchExact
		}
	}

	for _, dst := range schema {
		lower := strings.ToLower(dst)
		if strings.Contains(lower, name) || strings.Contains(name, lower) {
			return dst, MatchSubstring
		}
	}

	for _, kw := range s.rules.Mapping.Keywords {
		if !strings.Contains(name, kw.Match) {
			continue
		}
		for _, candidate := range kw.Targets {
			for _, dst := range schema {
				if strings.Contains(strings.ToLower(dst), candidate) {
					return dst, MatchKeyword
				}
			}
		}
	}

	return "", MatchNone
}

func matchArchetype(col string, a rules.Archetype) (string, bool) {
	name := strings.ToLower(col)
	for _, p := range a.Columns {
		if strings.Contains(name, p.Pattern) {
			return p.Target, true
		}
	}
	return "", false
}

func kindConfidence(k MatchKind) float64 {
	switch k {
	case MatchExact:
		return ConfidenceExact
	case MatchSubstring:
		return ConfidenceSubstring
	case MatchKeyword:
		return ConfidenceKeyword
	default:
		return 0
	}
}

// InferType picks a declared type from the column name's keywords, in
// the order date, id, numeric, text, and falls back to sampling values.
func (s *Suggester) InferType(col string, samples []string) DeclaredType {
	name := strings.ToLower(col)
	kw := s.rules.Types

	switch {
	case containsAny(name, kw.Date):
		return TypeDate
	case hasToken(name, kw.ID):
		return TypeInteger
	case containsAny(name, kw.Numeric):
		return TypeNumeric
	case containsAny(name, kw.Text):
		return TypeText
	}

	return inferFromValues(samples)
}

// inferFromValues applies the numeric/date heuristic at 60%.
func inferFromValues(values []string) DeclaredType {
	var total, numeric, date int
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || v == "nan" {
			continue
		}
		total++
		if isNumeric(v) {
			numeric++
		}
		if looksLikeDate(v) {
			date++
		}
	}
	if total == 0 {
		return TypeText
	}
	switch {
	case float64(date)/float64(total) > valueTypeThreshold:
		return TypeDate
	case float64(numeric)/float64(total) > valueTypeThreshold:
		return TypeNumeric
	default:
		return TypeText
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// hasToken reports whether any underscore-separated token of s equals one
// of tokens.
func hasToken(s string, tokens []string) bool {
	for _, part := range strings.Split(s, "_") {
		for _, t := range tokens {
			if part == t {
				return true
			}
		}
	}
	return false
}
