package etl

// errors.go defines the pipeline's error values and translates errors into
// operator-facing messages with codes for support reference.
//
// Codes are grouped by category:
//
//	FILE001-FILE099  reading and decoding the spreadsheet
//	MAP001-MAP099    mapping configuration and application
//	DIM001-DIM099    dimension validation
//	LOAD001-LOAD099  batch loading and run admission
//	DB001-DB099      database responses
//	ERR000           fallback
//
// Sentinel errors are matched with errors.Is first. Anything else is
// matched case-insensitively against message patterns; the first match
// wins, so specific patterns come before general ones.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/feedlot-etl/internal/ingest"
)

var (
	// ErrUnknownType is returned for declared types outside the closed set.
	ErrUnknownType = errors.New("unknown declared type")

	// ErrInvalidMapping wraps mapping payloads that fail to decode.
	ErrInvalidMapping = errors.New("invalid column mapping")

	// ErrDuplicateSource means two mappings read the same source column.
	ErrDuplicateSource = errors.New("duplicate source column")

	// ErrDuplicateTarget means two enabled mappings write the same column.
	ErrDuplicateTarget = errors.New("duplicate target column")

	// ErrNoMappings means no mapping is enabled.
	ErrNoMappings = errors.New("no enabled column mappings")

	// ErrColumnNotFound means a requested column is absent.
	ErrColumnNotFound = errors.New("column not found")

	// ErrNoTarget means a load was requested without a destination table.
	ErrNoTarget = errors.New("target table is required")

	// ErrInvalidData means the quality gate rejected the table.
	ErrInvalidData = errors.New("invalid data for load")

	// ErrTooManyRuns means the run limiter had no free slot in time.
	ErrTooManyRuns = errors.New("too many load runs in progress")
)

// UserMessage provides operator-facing error information.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ingest.ErrTooFewLines, UserMessage{"The file has no data rows", "Export the report again with at least one data line", "FILE001"}},
	{ingest.ErrUnsupportedFormat, UserMessage{"This file format is not supported", "Upload a .csv or .xlsx file", "FILE002"}},
	{ingest.ErrUnsupportedEncoding, UserMessage{"The file encoding is not supported", "Pick another encoding or save the file as UTF-8", "FILE003"}},
	{ErrUnknownType, UserMessage{"A column has an unknown data type", "Use TEXT, INTEGER, NUMERIC, DATE, TIMESTAMP or BOOLEAN", "MAP001"}},
	{ErrInvalidMapping, UserMessage{"The column mapping could not be read", "Check the mapping fields and try again", "MAP002"}},
	{ErrDuplicateSource, UserMessage{"A source column is mapped twice", "Keep one mapping per source column", "MAP003"}},
	{ErrDuplicateTarget, UserMessage{"Two enabled columns write the same destination column", "Rename or disable one of them", "MAP004"}},
	{ErrNoMappings, UserMessage{"No columns are enabled", "Enable at least one column mapping", "MAP005"}},
	{ErrColumnNotFound, UserMessage{"A mapped column was not found in the file", "Check the file header against the mapping", "MAP006"}},
	{ErrNoTarget, UserMessage{"No destination table was chosen", "Select the table to load into", "LOAD001"}},
	{ErrInvalidData, UserMessage{"The data did not pass validation", "Review the validation errors in the preview", "LOAD002"}},
	{ErrTooManyRuns, UserMessage{"Too many loads are running", "Please wait a moment and try again", "LOAD003"}},
	{context.DeadlineExceeded, UserMessage{"The request timed out", "Try a smaller file or a smaller batch size", "LOAD004"}},
	{context.Canceled, UserMessage{"The request was cancelled", "Please try again", "LOAD005"}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{"could not read", UserMessage{"The file could not be read as a table", "Check the delimiter and quoting, or re-export the report", "FILE004"}},
	{"file too large", UserMessage{"The file exceeds the maximum size", "Split the file and load the parts separately", "FILE005"}},
	{"no file provided", UserMessage{"No file was sent", "Select a file to upload", "FILE006"}},
	{"dimension", UserMessage{"The reference table could not be checked", "Verify the dimension table and key column names", "DIM001"}},
	{"duplicate key", UserMessage{"A record with this key already exists", "Remove rows that were loaded before", "DB001"}},
	{"unique constraint", UserMessage{"A value must be unique but already exists", "Check the file for duplicate rows", "DB002"}},
	{"violates not-null", UserMessage{"A required column is empty", "Map and fill every required column", "DB003"}},
	{"does not exist", UserMessage{"The table or column does not exist", "Check the destination table name and mapping", "DB004"}},
	{"permission denied", UserMessage{"The database refused the operation", "Check the database role permissions", "DB005"}},
	{"connection refused", UserMessage{"Unable to connect to the database", "Please try again in a few moments", "DB006"}},
	{"timeout", UserMessage{"The database operation timed out", "Use a smaller batch size or try again later", "DB007"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error into an operator-facing message.
// Returns a zero UserMessage for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	var loadErr *ingest.LoadError
	if errors.As(err, &loadErr) {
		return errorPatterns[0].msg
	}

	lower := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(lower, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// MessageForCode looks a code up in the catalogue. Unknown codes get the
// fallback message.
func MessageForCode(code string) UserMessage {
	for _, s := range sentinelMessages {
		if s.msg.Code == code {
			return s.msg
		}
	}
	for _, ep := range errorPatterns {
		if ep.msg.Code == code {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
