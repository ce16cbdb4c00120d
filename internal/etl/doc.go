// Package etl provides the pipeline that turns a feedlot spreadsheet export
// into rows of a staging table.
//
// The package holds all domain logic independent of transport. The HTTP
// server and the feedlot-etl command both drive the same [Pipeline]; tests
// drive it against an in-memory [Store].
//
// # Stages
//
// Every stage is a method on [Pipeline] taking a request value and
// returning a response value that embeds an [Outcome]. Stages keep no
// state between calls, so a client repeats the file and its mappings on
// each step:
//
//  1. [Pipeline.Detect] probes encoding, delimiter, columns and archetype
//  2. [Pipeline.Prepare] cleans the header and suggests a [ColumnMapping]
//     per column, using the destination schema when the table exists
//  3. [Pipeline.Preview] applies the mappings and reports data quality
//  4. [Pipeline.Load] applies, filters dimension outliers, gates on quality
//     and inserts through a [BatchLoader]
//
// [Pipeline.ValidateDimension], [Pipeline.FilterOutliers],
// [Pipeline.TableSchema] and [Pipeline.ListTables] support the steps above.
//
// # Transformation
//
// A raw table is cleaned into a [Frame] by [CleanTable], then [Apply]
// builds a [Table] with one column per enabled mapping, coerced to its
// [DeclaredType], followed by the control columns (batch_id, uploaded_at,
// created_at, processed). [Assess] computes null percentages over the
// result; only nil cells count as null.
//
// # Dimensions
//
// A [DimensionValidator] looks column values up in reference tables in
// batches. Rows whose value is missing from the reference table are
// outliers and are dropped before a load unless the request keeps them.
//
// # Error Handling
//
// Technical errors are mapped to operator-facing messages using [MapError].
// Each category has a code for support reference:
//
//   - FILE001-FILE099: reading and decoding the spreadsheet
//   - MAP001-MAP099: mapping configuration
//   - DIM001-DIM099: dimension validation
//   - LOAD001-LOAD099: batch loading and run admission
//   - DB001-DB099: database responses
package etl
