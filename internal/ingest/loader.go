package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrTooFewLines means the file has no data row under its header.
	ErrTooFewLines = errors.New("file must contain a header line and at least one data line")

	// ErrUnsupportedFormat is returned for file extensions the loader cannot read.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrUnsupportedEncoding is returned when an encoding name is unknown.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// RawTable is a spreadsheet as read from disk: a header of raw column
// names and rows of string cells. Rows are padded to the header width.
type RawTable struct {
	SourceName    string     `json:"source_name"`
	Encoding      string     `json:"encoding"`
	Delimiter     string     `json:"delimiter"`
	SkipFirstLine bool       `json:"skip_first_line"`
	Header        []string   `json:"header"`
	Rows          [][]string `json:"rows"`
}

// Len returns the number of data rows.
func (t *RawTable) Len() int { return len(t.Rows) }

// LoadOptions adjust how a file is read. Zero values mean "detect".
type LoadOptions struct {
	// Encoding overrides encoding detection.
	Encoding string `json:"encoding,omitempty"`

	// Delimiter overrides delimiter detection. Only the first rune is used.
	Delimiter string `json:"delimiter,omitempty"`

	// SkipFirstLine discards the first line and promotes the next one to
	// header. Some exports start with a report title.
	SkipFirstLine bool `json:"skip_first_line,omitempty"`

	// Sheet selects an XLSX worksheet. Empty means the first sheet.
	Sheet string `json:"sheet,omitempty"`
}

// Attempt records one failed parse strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// LoadError is returned when every parse strategy fails.
type LoadError struct {
	Source   string
	Attempts []Attempt
}

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not read %s", e.Source)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Strategy, a.Err)
	}
	return b.String()
}

// Unwrap exposes the last attempt's error.
func (e *LoadError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Load reads the file at path.
func Load(path string, opts LoadOptions) (*RawTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return LoadBytes(path, data, opts)
}

// LoadBytes reads an in-memory file. name is used for format selection
// and error messages.
func LoadBytes(name string, data []byte, opts LoadOptions) (*RawTable, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return loadWorkbook(name, data, opts)
	case ".xls":
		return nil, fmt.Errorf("%w: legacy .xls workbooks must be saved as .xlsx or .csv", ErrUnsupportedFormat)
	default:
		return loadDelimited(name, data, opts)
	}
}

func loadDelimited(name string, data []byte, opts LoadOptions) (*RawTable, error) {
	enc := opts.Encoding
	if enc == "" {
		det := DetectEncoding(data)
		enc = det.Encoding
		slog.Debug("encoding detected",
			"source", name,
			"detected", det.Detected,
			"confidence", det.Confidence,
			"using", enc,
		)
	}

	text, err := Decode(data, enc)
	if err != nil {
		return nil, err
	}

	lines := splitLines(text)
	if opts.SkipFirstLine && len(lines) > 0 {
		lines = lines[1:]
	}
	if countNonBlank(lines) < 2 {
		return nil, ErrTooFewLines
	}
	body := bytes.Join(lines, []byte("\n"))

	delim := firstRune(opts.Delimiter)
	if delim == 0 {
		delim = DetectDelimiter(body)
	}

	loadErr := &LoadError{Source: name}
	for _, d := range delimiterOrder(delim) {
		header, rows, err := parseDelimited(body, d, false)
		if err == nil {
			return &RawTable{
				SourceName:    name,
				Encoding:      enc,
				Delimiter:     string(d),
				SkipFirstLine: opts.SkipFirstLine,
				Header:        header,
				Rows:          rows,
			}, nil
		}
		slog.Debug("delimiter attempt failed", "source", name, "delimiter", string(d), "error", err)
		loadErr.Attempts = append(loadErr.Attempts, Attempt{Strategy: fmt.Sprintf("delimiter %q", d), Err: err})
	}

	header, rows, err := parseDelimited(body, ';', true)
	if err == nil {
		slog.Warn("file read in permissive mode; malformed lines skipped", "source", name)
		return &RawTable{
			SourceName:    name,
			Encoding:      enc,
			Delimiter:     ";",
			SkipFirstLine: opts.SkipFirstLine,
			Header:        header,
			Rows:          rows,
		}, nil
	}
	loadErr.Attempts = append(loadErr.Attempts, Attempt{Strategy: "permissive ';'", Err: err})
	return nil, loadErr
}

// delimiterOrder returns the detected delimiter followed by the remaining
// candidates in fallback order.
func delimiterOrder(first rune) []rune {
	order := []rune{first}
	for _, d := range Delimiters {
		if d != first {
			order = append(order, d)
		}
	}
	return order
}

// parseDelimited reads a header and rows. A row wider than the header is
// an error unless skipBad is set, in which case the row is dropped.
// Shorter rows are padded with empty cells.
func parseDelimited(body []byte, delim rune, skipBad bool) ([]string, [][]string, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = skipBad
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if skipBad && errors.As(err, &perr) {
				continue
			}
			return nil, nil, err
		}
		if len(rec) > len(header) {
			if skipBad {
				continue
			}
			return nil, nil, fmt.Errorf("line %d: expected %d fields, saw %d", len(rows)+2, len(header), len(rec))
		}
		rows = append(rows, padRow(rec, len(header)))
	}

	if len(rows) == 0 {
		return nil, nil, ErrTooFewLines
	}
	return header, rows, nil
}

func loadWorkbook(name string, data []byte, opts LoadOptions) (*RawTable, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &LoadError{Source: name, Attempts: []Attempt{{Strategy: "xlsx", Err: err}}}
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrTooFewLines
		}
		sheet = sheets[0]
	}

	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, &LoadError{Source: name, Attempts: []Attempt{{Strategy: "xlsx sheet " + sheet, Err: err}}}
	}
	if opts.SkipFirstLine && len(all) > 0 {
		all = all[1:]
	}
	if len(all) < 2 {
		return nil, ErrTooFewLines
	}

	header := all[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows := make([][]string, 0, len(all)-1)
	for _, rec := range all[1:] {
		if len(rec) > len(header) {
			rec = rec[:len(header)]
		}
		rows = append(rows, padRow(rec, len(header)))
	}

	return &RawTable{
		SourceName:    name,
		Encoding:      "utf-8",
		SkipFirstLine: opts.SkipFirstLine,
		Header:        header,
		Rows:          rows,
	}, nil
}

func padRow(rec []string, width int) []string {
	if len(rec) >= width {
		return rec
	}
	out := make([]string, width)
	copy(out, rec)
	return out
}

func splitLines(text []byte) [][]byte {
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))
	text = bytes.TrimRight(text, "\n")
	if len(text) == 0 {
		return nil
	}
	return bytes.Split(text, []byte("\n"))
}

func countNonBlank(lines [][]byte) int {
	n := 0
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) > 0 {
			n++
		}
	}
	return n
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
