// Package ingest turns raw spreadsheet exports into an in-memory RawTable.
//
// Feedlot management software exports CSV files in legacy single-byte
// encodings with semicolon delimiters, occasionally preceded by a report
// title line. This package detects the encoding and delimiter, converts
// the bytes to UTF-8, and reads the table through a chain of fallback
// strategies. XLSX workbooks are read directly.
package ingest

import (
	"bytes"
	"strings"

	"github.com/saintfish/chardet"
)

// CanonicalLatin is the encoding every Latin-1 family guess collapses to.
const CanonicalLatin = "windows-1252"

const (
	// encodingSampleSize is how many leading bytes feed the detector.
	encodingSampleSize = 10000

	// delimiterSampleSize is how many leading bytes of decoded text are
	// scanned for delimiter candidates.
	delimiterSampleSize = 2048

	minEncodingConfidence = 0.7
)

// Delimiters lists candidate field delimiters in fallback order.
var Delimiters = []rune{';', ',', '\t', '|'}

var latinFamily = map[string]bool{
	"iso-8859-1":   true,
	"iso8859-1":    true,
	"windows-1252": true,
	"cp1252":       true,
	"latin-1":      true,
	"latin1":       true,
}

// Detection is the outcome of encoding detection.
type Detection struct {
	// Encoding is the normalized encoding name.
	Encoding string `json:"encoding"`
	// Detected is the raw detector guess before normalization.
	Detected string `json:"detected"`
	// Confidence is the detector confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// DetectEncoding guesses the character encoding of data from its leading
// bytes. It never fails; an inconclusive guess yields CanonicalLatin.
func DetectEncoding(data []byte) Detection {
	sample := data
	if len(sample) > encodingSampleSize {
		sample = sample[:encodingSampleSize]
	}

	if len(sample) == 0 {
		return Detection{Encoding: CanonicalLatin}
	}
	// Plain ASCII decodes identically under every candidate. When the
	// leading sample is ASCII but the file is not, sample around the first
	// non-ASCII byte instead.
	if isASCII(sample) {
		i := bytes.IndexFunc(data, func(r rune) bool { return r >= 0x80 })
		if i < 0 {
			return Detection{Encoding: CanonicalLatin, Detected: "ascii", Confidence: 1}
		}
		start := max(0, i-512)
		sample = data[start:min(len(data), start+encodingSampleSize)]
	}

	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil {
		return Detection{Encoding: CanonicalLatin}
	}

	conf := float64(res.Confidence) / 100
	return Detection{
		Encoding:   NormalizeEncoding(res.Charset, conf),
		Detected:   res.Charset,
		Confidence: conf,
	}
}

// NormalizeEncoding applies the regional policy to a detector guess:
// Latin-1 family names become CanonicalLatin, low-confidence guesses fall
// back to CanonicalLatin, and anything else is kept.
func NormalizeEncoding(name string, confidence float64) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if latinFamily[lower] {
		return CanonicalLatin
	}
	if confidence < minEncodingConfidence || lower == "" {
		return CanonicalLatin
	}
	return name
}

// DetectDelimiter picks the field delimiter from decoded text. A semicolon
// anywhere in the sample wins; otherwise the most frequent candidate wins,
// ties resolving in fallback order. With no candidates present the result
// is a comma.
func DetectDelimiter(text []byte) rune {
	sample := text
	if len(sample) > delimiterSampleSize {
		sample = sample[:delimiterSampleSize]
	}

	if bytes.IndexByte(sample, ';') >= 0 {
		return ';'
	}

	best, bestCount := ',', 0
	for _, d := range Delimiters[1:] {
		if n := bytes.Count(sample, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
