// Package rules holds the heuristic lookup tables the pipeline consults:
// report archetypes, keyword dictionaries for mapping suggestions and type
// inference, dimension key rules, and fallback staging schemas.
//
// The tables are data. A default set is embedded in the binary and an
// operator may supply a replacement TOML file with the same layout.
package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed default.toml
var defaultRules []byte

// Rules is the parsed lookup table set.
type Rules struct {
	Archetypes    []Archetype    `toml:"archetype"`
	Mapping       MappingRules   `toml:"mapping"`
	Types         TypeKeywords   `toml:"types"`
	Dimensions    DimensionRules `toml:"dimensions"`
	Schemas       []TableSchema  `toml:"schema"`
	GenericSchema TableSchema    `toml:"generic_schema"`
}

// Archetype is one known feedlot report layout.
type Archetype struct {
	Name     string          `toml:"name"`
	Keywords []string        `toml:"keywords"`
	Columns  []ColumnPattern `toml:"columns"`
}

// ColumnPattern proposes Target for any source column containing Pattern.
type ColumnPattern struct {
	Pattern string `toml:"pattern"`
	Target  string `toml:"target"`
}

// MappingRules holds the keyword dictionary used by mapping suggestions.
type MappingRules struct {
	Keywords []KeywordRule `toml:"keyword"`
}

// KeywordRule maps a source-name keyword to candidate destination names.
type KeywordRule struct {
	Match   string   `toml:"match"`
	Targets []string `toml:"targets"`
}

// TypeKeywords drive declared-type inference from column names.
type TypeKeywords struct {
	Date    []string `toml:"date"`
	ID      []string `toml:"id"`
	Numeric []string `toml:"numeric"`
	Text    []string `toml:"text"`
}

// DimensionRules describe reference tables.
type DimensionRules struct {
	Keys     map[string]string  `toml:"keys"`
	Patterns []DimensionPattern `toml:"patterns"`
}

// DimensionPattern ties a column-name substring to a reference table.
type DimensionPattern struct {
	Pattern string `toml:"pattern"`
	Table   string `toml:"table"`
}

// TableSchema is a predefined description of a staging table.
type TableSchema struct {
	Table   string         `toml:"table"`
	Columns []SchemaColumn `toml:"columns"`
}

// SchemaColumn is one column of a predefined schema.
type SchemaColumn struct {
	Name     string `toml:"name"`
	Type     string `toml:"type"`
	Nullable bool   `toml:"nullable"`
	Default  string `toml:"default"`
}

// Default returns the embedded rule set.
func Default() *Rules {
	r, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded defaults are invalid: %v", err))
	}
	return r
}

// Load reads a rules file. An empty path yields the embedded defaults.
func Load(path string) (*Rules, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a TOML rule set. Unknown keys are rejected
// so a misspelled table name fails here instead of being ignored.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("parse rules at %d:%d: %w", row, col, err)
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	r.normalize()
	return &r, nil
}

func (r *Rules) validate() error {
	var errs []string
	seen := make(map[string]bool)
	for i, a := range r.Archetypes {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("archetype %d has no name", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Sprintf("archetype %q defined twice", a.Name))
		}
		seen[a.Name] = true
		if len(a.Keywords) == 0 {
			errs = append(errs, fmt.Sprintf("archetype %q has no keywords", a.Name))
		}
	}
	for _, p := range r.Dimensions.Patterns {
		if p.Pattern == "" || p.Table == "" {
			errs = append(errs, "dimension pattern needs both pattern and table")
		}
	}
	for _, s := range r.Schemas {
		if s.Table == "" {
			errs = append(errs, "schema entry without table name")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid rules:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// normalize lowercases every keyword so lookups compare cleaned names.
func (r *Rules) normalize() {
	for i := range r.Archetypes {
		lowerAll(r.Archetypes[i].Keywords)
		for j := range r.Archetypes[i].Columns {
			c := &r.Archetypes[i].Columns[j]
			c.Pattern = strings.ToLower(c.Pattern)
		}
	}
	for i := range r.Mapping.Keywords {
		k := &r.Mapping.Keywords[i]
		k.Match = strings.ToLower(k.Match)
		lowerAll(k.Targets)
	}
	lowerAll(r.Types.Date)
	lowerAll(r.Types.ID)
	lowerAll(r.Types.Numeric)
	lowerAll(r.Types.Text)
	for i := range r.Dimensions.Patterns {
		p := &r.Dimensions.Patterns[i]
		p.Pattern = strings.ToLower(p.Pattern)
	}
}

func lowerAll(s []string) {
	for i := range s {
		s[i] = strings.ToLower(s[i])
	}
}

// Archetype returns the archetype with the given name.
func (r *Rules) Archetype(name string) (Archetype, bool) {
	for _, a := range r.Archetypes {
		if a.Name == name {
			return a, true
		}
	}
	return Archetype{}, false
}

// DimensionFor returns the reference table for a column name, if any
// pattern matches it.
func (r *Rules) DimensionFor(column string) (string, bool) {
	lower := strings.ToLower(column)
	for _, p := range r.Dimensions.Patterns {
		if strings.Contains(lower, p.Pattern) {
			return p.Table, true
		}
	}
	return "", false
}

// KeyColumn returns the configured key column of a reference table.
func (r *Rules) KeyColumn(table string) (string, bool) {
	k, ok := r.Dimensions.Keys[table]
	return k, ok && k != ""
}

// Schema returns the predefined schema for table.
func (r *Rules) Schema(table string) (TableSchema, bool) {
	for _, s := range r.Schemas {
		if s.Table == table {
			return s, true
		}
	}
	return TableSchema{}, false
}

// StagingTable is the conventional staging table name for an archetype.
func StagingTable(archetype string) string {
	return "etl_staging_" + archetype
}
