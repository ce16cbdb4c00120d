package etl

// pipeline.go exposes one function per stage. Every stage takes a
// serializable request naming the file and returns a serializable response;
// no state is kept between calls. A failed stage returns Success=false and
// an Error instead of a Go error.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/feedlot-etl/internal/ingest"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
)

// Schema sources reported by TableSchema.
const (
	SchemaFromDatabase = "database"
	SchemaPredefined   = "predefined"
	SchemaGeneric      = "predefined_fallback"
)

// Options tune a Pipeline.
type Options struct {
	BatchSize           int
	LookupBatch         int
	SampleSize          int
	PreviewRows         int
	AutoDimensionFilter bool
}

// DefaultOptions match the configuration defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:           1000,
		LookupBatch:         50,
		SampleSize:          5,
		PreviewRows:         10,
		AutoDimensionFilter: true,
	}
}

// Pipeline runs the ETL stages against a Store.
//
// A Pipeline is safe for concurrent use: stages share only the rules, the
// options and the Store, none of which they modify. Failures never panic or
// return an error; they come back in the response's Outcome with a code
// from the error catalogue.
type Pipeline struct {
	store     Store
	rules     *rules.Rules
	opts      Options
	suggester *Suggester
	dims      *DimensionValidator
	now       func() time.Time
}

// New builds a Pipeline. Zero options fall back to DefaultOptions values.
func New(s Store, r *rules.Rules, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.LookupBatch <= 0 {
		opts.LookupBatch = def.LookupBatch
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	if opts.PreviewRows < 0 {
		opts.PreviewRows = def.PreviewRows
	}

	dims := NewDimensionValidator(s, r, opts.LookupBatch)
	dims.AutoPatterns = opts.AutoDimensionFilter

	return &Pipeline{
		store:     s,
		rules:     r,
		opts:      opts,
		suggester: NewSuggester(r, opts.SampleSize),
		dims:      dims,
		now:       time.Now,
	}
}

// Rules returns the rule set the pipeline was built with.
func (p *Pipeline) Rules() *rules.Rules { return p.rules }

// Input names a spreadsheet and how to read it. Data holds the content;
// when it is empty Path is read instead.
type Input struct {
	Name          string `json:"file_name"`
	Path          string `json:"file_path,omitempty"`
	Data          []byte `json:"-"`
	Encoding      string `json:"encoding,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
	SkipFirstLine bool   `json:"skip_first_line"`
	Sheet         string `json:"sheet,omitempty"`
}

func (in Input) read() (*ingest.RawTable, error) {
	opts := ingest.LoadOptions{
		Encoding:      in.Encoding,
		SkipFirstLine: in.SkipFirstLine,
		Sheet:         in.Sheet,
	}
	if in.Delimiter != "" {
		d, err := parseDelimiter(in.Delimiter)
		if err != nil {
			return nil, err
		}
		opts.Delimiter = string(d)
	}

	if len(in.Data) == 0 {
		if in.Path == "" {
			return nil, errors.New("no file provided")
		}
		return ingest.Load(in.Path, opts)
	}
	name := in.Name
	if name == "" {
		name = in.Path
	}
	return ingest.LoadBytes(name, in.Data, opts)
}

func parseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "tab", `\t`:
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r[0], nil
}

// Outcome is embedded in every response.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func failed(err error) Outcome {
	return Outcome{Error: err.Error(), Code: MapError(err).Code}
}

func succeeded() Outcome { return Outcome{Success: true} }

// ---- Detect ----

// DetectRequest asks for a file's structure.
type DetectRequest struct {
	Input
}

// DetectResponse carries the probed structure.
type DetectResponse struct {
	Outcome
	Structure *Structure `json:"structure,omitempty"`
}

// Detect loads a file and probes its structure.
func (p *Pipeline) Detect(ctx context.Context, req DetectRequest) DetectResponse {
	raw, err := req.read()
	if err != nil {
		return DetectResponse{Outcome: failed(err)}
	}
	s := Probe(raw, p.opts.SampleSize, p.rules)
	return DetectResponse{Outcome: succeeded(), Structure: &s}
}

// ---- Prepare ----

// PrepareRequest is step one: read the file and propose mappings for a
// destination table. An empty Table uses the detected staging table.
type PrepareRequest struct {
	Input
	Table string `json:"target_table,omitempty"`
}

// PrepareResponse lists the cleaned columns and suggested mappings.
type PrepareResponse struct {
	Outcome
	Structure    *Structure   `json:"structure,omitempty"`
	Columns      []string     `json:"columns"`
	RawColumns   []string     `json:"raw_columns"`
	TargetTable  string       `json:"target_table,omitempty"`
	SchemaSource string       `json:"schema_source,omitempty"`
	TargetSchema []ColumnInfo `json:"target_schema"`
	Suggestions  []Suggestion `json:"suggested_mappings"`
	SampleRows   [][]string   `json:"sample_rows"`
}

// Prepare loads and cleans a file, looks up the destination schema and
// suggests a mapping for every column.
func (p *Pipeline) Prepare(ctx context.Context, req PrepareRequest) PrepareResponse {
	raw, err := req.read()
	if err != nil {
		return PrepareResponse{Outcome: failed(err)}
	}
	structure := Probe(raw, p.opts.SampleSize, p.rules)
	frame := CleanTable(raw)

	target := req.Table
	if target == "" {
		target = structure.SuggestedTable
	}

	resp := PrepareResponse{
		Outcome:      succeeded(),
		Structure:    &structure,
		Columns:      frame.Columns,
		RawColumns:   frame.RawColumns,
		TargetTable:  target,
		TargetSchema: []ColumnInfo{},
		SampleRows:   frame.Head(p.opts.SampleSize),
	}

	var names []string
	if target != "" {
		cols, source := p.matchingSchema(ctx, target)
		resp.TargetSchema = cols
		resp.SchemaSource = source
		for _, c := range cols {
			if !IsControlColumn(c.Name) {
				names = append(names, c.Name)
			}
		}
	}

	resp.Suggestions = p.suggester.Suggest(frame, names, structure.FileType)

	slog.Info("file prepared",
		"file", raw.SourceName,
		"rows", frame.Len(),
		"columns", len(frame.Columns),
		"file_type", structure.FileType,
		"target_table", target,
		"schema_source", resp.SchemaSource,
	)
	return resp
}

// matchingSchema is the schema mapping suggestions are matched against:
// the database's, then the predefined one. The generic schema is never
// used for matching.
func (p *Pipeline) matchingSchema(ctx context.Context, table string) ([]ColumnInfo, string) {
	cols, err := p.store.SchemaOf(ctx, table)
	if err != nil {
		slog.Warn("schema lookup failed, using predefined schema", "table", table, "error", err)
	}
	if len(cols) > 0 {
		return cols, SchemaFromDatabase
	}
	if s, found := p.rules.Schema(table); found {
		return schemaColumns(s), SchemaPredefined
	}
	return []ColumnInfo{}, ""
}

// ---- Preview ----

// PreviewRequest is step two: apply mappings without loading.
type PreviewRequest struct {
	Input
	Mappings    []ColumnMapping `json:"mappings"`
	PreviewRows int             `json:"preview_rows,omitempty"`
}

// PreviewResponse shows the transformed head and its quality.
type PreviewResponse struct {
	Outcome
	Columns []string      `json:"columns"`
	Rows    [][]any       `json:"preview_rows"`
	Quality QualityReport `json:"validation"`
	Stats   ApplyStats    `json:"transformation_stats"`
}

// Preview applies mappings and reports quality over the whole table.
func (p *Pipeline) Preview(ctx context.Context, req PreviewRequest) PreviewResponse {
	raw, err := req.read()
	if err != nil {
		return PreviewResponse{Outcome: failed(err)}
	}
	frame := CleanTable(raw)

	t, stats, err := Apply(frame, req.Mappings, NewControl(p.now()))
	if err != nil {
		return PreviewResponse{Outcome: failed(err), Stats: stats}
	}

	n := req.PreviewRows
	if n <= 0 {
		n = p.opts.PreviewRows
	}
	return PreviewResponse{
		Outcome: succeeded(),
		Columns: t.Columns,
		Rows:    t.Head(n),
		Quality: Assess(t),
		Stats:   stats,
	}
}

// ---- Load ----

// LoadRequest is step three: transform, filter, gate and load.
type LoadRequest struct {
	Input
	Mappings  []ColumnMapping `json:"mappings"`
	Table     string          `json:"target_table"`
	BatchSize int             `json:"batch_size,omitempty"`

	// KeepOutliers disables the dimension filter before loading.
	KeepOutliers bool `json:"keep_outliers,omitempty"`
}

// LoadResponse reports the load and everything done before it.
type LoadResponse struct {
	Outcome
	BatchID  string          `json:"batch_id,omitempty"`
	Result   *LoadResult     `json:"load_summary,omitempty"`
	Outliers OutlierSummary  `json:"outlier_filtering"`
	Quality  *QualityReport  `json:"validation,omitempty"`
	Stats    ApplyStats      `json:"transformation_stats"`
	Mappings []ColumnMapping `json:"column_mapping_used,omitempty"`
}

// Load runs the whole pipeline into req.Table. The response succeeds when
// at least one row was loaded.
func (p *Pipeline) Load(ctx context.Context, req LoadRequest) LoadResponse {
	if req.Table == "" {
		return LoadResponse{Outcome: failed(ErrNoTarget)}
	}
	raw, err := req.read()
	if err != nil {
		return LoadResponse{Outcome: failed(err)}
	}
	frame := CleanTable(raw)

	ctl := NewControl(p.now())
	t, stats, err := Apply(frame, req.Mappings, ctl)
	if err != nil {
		return LoadResponse{Outcome: failed(err), Stats: stats}
	}

	resp := LoadResponse{
		BatchID:  ctl.BatchID,
		Stats:    stats,
		Mappings: req.Mappings,
		Outliers: OutlierSummary{Filters: []FilterResult{}},
	}

	if !req.KeepOutliers {
		resp.Outliers = p.dims.AutoFilter(ctx, t, req.Mappings)
	}

	quality := Assess(t)
	resp.Quality = &quality
	if !quality.IsValid {
		resp.Outcome = failed(fmt.Errorf("%w: %s", ErrInvalidData, strings.Join(quality.Errors, "; ")))
		return resp
	}

	loader := NewBatchLoader(p.store, p.batchSize(req.BatchSize))
	loader.now = p.now
	result := loader.Load(ctx, t, req.Table)
	result.Recommend(resp.Outliers)
	resp.Result = &result

	if !result.Success {
		msg := "no rows loaded"
		if len(result.Errors) > 0 {
			msg += ": " + result.Errors[0]
		}
		resp.Outcome = failed(errors.New(msg))
		return resp
	}
	resp.Outcome = succeeded()
	return resp
}

func (p *Pipeline) batchSize(n int) int {
	if n > 0 {
		return n
	}
	return p.opts.BatchSize
}

// ---- Dimensions ----

// DimensionRequest validates one cleaned source column.
type DimensionRequest struct {
	Input
	Column    string `json:"column"`
	Table     string `json:"dimension_table"`
	KeyColumn string `json:"key_column,omitempty"`
}

// DimensionResponse carries the validation report.
type DimensionResponse struct {
	Outcome
	Report *DimensionReport `json:"validation_result,omitempty"`
}

// ValidateDimension checks a column's non-null values against a
// reference table.
func (p *Pipeline) ValidateDimension(ctx context.Context, req DimensionRequest) DimensionResponse {
	if req.Table == "" {
		return DimensionResponse{Outcome: failed(errors.New("dimension table is required"))}
	}
	raw, err := req.read()
	if err != nil {
		return DimensionResponse{Outcome: failed(err)}
	}
	frame := CleanTable(raw)

	idx := frame.Index(req.Column)
	if idx < 0 {
		return DimensionResponse{Outcome: failed(fmt.Errorf("%w: %q", ErrColumnNotFound, req.Column))}
	}
	values := make([]string, 0, frame.Len())
	for _, row := range frame.Rows {
		if row[idx] != "" {
			values = append(values, row[idx])
		}
	}

	report, err := p.dims.Validate(ctx, values, req.Table, req.KeyColumn)
	if err != nil {
		return DimensionResponse{Outcome: failed(err)}
	}
	return DimensionResponse{Outcome: succeeded(), Report: &report}
}

// FilterRequest filters outliers from one column. With Mappings the
// column is a target column of the transformed table; without them it is
// a cleaned source column.
type FilterRequest struct {
	Input
	Column    string          `json:"column"`
	Table     string          `json:"dimension_table"`
	KeyColumn string          `json:"key_column,omitempty"`
	Remove    bool            `json:"remove_outliers"`
	Mappings  []ColumnMapping `json:"mappings,omitempty"`
}

// FilterResponse carries the filter result and the head of the filtered
// table.
type FilterResponse struct {
	Outcome
	Result  *FilterResult `json:"filter_result,omitempty"`
	Columns []string      `json:"columns,omitempty"`
	Rows    [][]any       `json:"preview_rows,omitempty"`
}

// FilterOutliers validates a column and optionally removes outlier rows.
func (p *Pipeline) FilterOutliers(ctx context.Context, req FilterRequest) FilterResponse {
	if req.Table == "" {
		return FilterResponse{Outcome: failed(errors.New("dimension table is required"))}
	}
	raw, err := req.read()
	if err != nil {
		return FilterResponse{Outcome: failed(err)}
	}
	frame := CleanTable(raw)

	var t *Table
	if len(req.Mappings) > 0 {
		t, _, err = Apply(frame, req.Mappings, NewControl(p.now()))
		if err != nil {
			return FilterResponse{Outcome: failed(err)}
		}
	} else {
		t = frameTable(frame)
	}

	res, err := p.dims.Filter(ctx, t, req.Column, req.Table, req.KeyColumn, req.Remove)
	if err != nil {
		return FilterResponse{Outcome: failed(err)}
	}
	return FilterResponse{
		Outcome: succeeded(),
		Result:  &res,
		Columns: t.Columns,
		Rows:    t.Head(p.opts.PreviewRows),
	}
}

// frameTable views a frame as an all-TEXT table without control columns.
func frameTable(f *Frame) *Table {
	t := &Table{
		Columns: f.Columns,
		Types:   make(map[string]DeclaredType, len(f.Columns)),
		Rows:    make([][]any, len(f.Rows)),
	}
	for _, c := range f.Columns {
		t.Types[c] = TypeText
	}
	for i, row := range f.Rows {
		r := make([]any, len(row))
		for j, v := range row {
			r[j] = v
		}
		t.Rows[i] = r
	}
	return t
}

// ---- Schemas ----

// SchemaResponse describes a destination table.
type SchemaResponse struct {
	Outcome
	Table     string       `json:"table_name"`
	Exists    bool         `json:"exists"`
	Source    string       `json:"source"`
	Columns   []ColumnInfo `json:"columns"`
	CreateSQL string       `json:"create_table_sql"`
}

// TableSchema describes table from the database when it exists, otherwise
// from the predefined staging schemas, otherwise from the generic schema.
// Only the database schema sets Exists.
func (p *Pipeline) TableSchema(ctx context.Context, table string) SchemaResponse {
	if table == "" {
		return SchemaResponse{Outcome: failed(ErrNoTarget)}
	}
	resp := SchemaResponse{Outcome: succeeded(), Table: table}

	cols, err := p.store.SchemaOf(ctx, table)
	if err != nil {
		slog.Warn("schema lookup failed, using fallback", "table", table, "error", err)
	}
	switch {
	case len(cols) > 0:
		resp.Exists = true
		resp.Source = SchemaFromDatabase
		resp.Columns = cols
	default:
		if s, found := p.rules.Schema(table); found {
			resp.Source = SchemaPredefined
			resp.Columns = schemaColumns(s)
		} else {
			resp.Source = SchemaGeneric
			resp.Columns = schemaColumns(p.rules.GenericSchema)
		}
	}

	resp.CreateSQL = CreateTableSQL(table, resp.Columns)
	return resp
}

// TableInfo lists a staging table.
type TableInfo struct {
	Table      string `json:"table_name"`
	Archetype  string `json:"file_type"`
	Predefined bool   `json:"predefined_schema"`
}

// ListTables returns the staging table of every archetype.
func (p *Pipeline) ListTables() []TableInfo {
	out := make([]TableInfo, 0, len(p.rules.Archetypes))
	for _, a := range p.rules.Archetypes {
		name := rules.StagingTable(a.Name)
		_, predefined := p.rules.Schema(name)
		out = append(out, TableInfo{Table: name, Archetype: a.Name, Predefined: predefined})
	}
	return out
}

func schemaColumns(s rules.TableSchema) []ColumnInfo {
	out := make([]ColumnInfo, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = ColumnInfo{
			Name:     c.Name,
			DataType: c.Type,
			Nullable: c.Nullable,
			Default:  c.Default,
			Position: i + 1,
		}
	}
	return out
}

// CreateTableSQL renders a CREATE TABLE statement for cols. A sequence
// default marks the primary key.
func CreateTableSQL(table string, cols []ColumnInfo) string {
	if len(cols) == 0 {
		return fmt.Sprintf("-- table %s not found", table)
	}

	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := c.DataType
		if typ == "" {
			typ = "text"
		}
		def := fmt.Sprintf("  %s %s", c.Name, strings.ToUpper(typ))
		if !c.Nullable {
			def += " NOT NULL"
		}
		switch d := c.Default; {
		case d == "" || strings.EqualFold(d, "null"):
		case strings.Contains(d, "nextval"):
			def += " PRIMARY KEY"
		default:
			def += " DEFAULT " + d
		}
		defs[i] = def
	}

	return fmt.Sprintf("CREATE TABLE %s (\n%s\n);", table, strings.Join(defs, ",\n"))
}
