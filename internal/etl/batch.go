package etl

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxLoadErrors caps the batch errors kept in a LoadResult.
const maxLoadErrors = 10

// LoadResult is the outcome of a batch load. Success means at least one
// row was loaded; compare RowsLoaded with TotalRows to detect a partial
// load.
type LoadResult struct {
	Success           bool      `json:"success"`
	TargetTable       string    `json:"target_table"`
	TotalRows         int       `json:"total_rows_processed"`
	RowsLoaded        int       `json:"rows_loaded"`
	RowsFailed        int       `json:"rows_failed"`
	SuccessPercent    float64   `json:"success_rate_percent"`
	Batches           int       `json:"batches_processed"`
	LoadedAt          time.Time `json:"loaded_at"`
	NormalizedColumns []string  `json:"normalized_columns,omitempty"`
	Errors            []string  `json:"load_errors"`
	Recommendations   []string  `json:"recommendations"`
}

// Recommend fills Recommendations from the success rate, the batch errors
// and any outlier filtering done before the load.
func (r *LoadResult) Recommend(outliers OutlierSummary) {
	r.Recommendations = loadRecommendations(r.SuccessPercent, r.Errors, outliers)
}

// BatchLoader inserts a table into a Store in fixed-size batches.
//
// Before building records it normalises locale formats column by column
// (decimal commas, day-first dates). Each batch is one Store.Insert call;
// an error or a zero count fails that batch only and the next batch is
// still attempted, so a LoadResult may describe a partial load.
type BatchLoader struct {
	store     Store
	batchSize int
	now       func() time.Time
}

// NewBatchLoader returns a loader issuing batches of batchSize rows.
func NewBatchLoader(s Store, batchSize int) *BatchLoader {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &BatchLoader{store: s, batchSize: batchSize, now: time.Now}
}

// Load normalizes locale formatting in t and inserts its rows into target.
// Batches already inserted stay inserted when a later batch fails. A
// cancelled context fails the batches not yet attempted.
func (l *BatchLoader) Load(ctx context.Context, t *Table, target string) LoadResult {
	res := LoadResult{
		TargetTable: target,
		TotalRows:   t.Len(),
		Errors:      []string{},
	}
	res.NormalizedColumns = NormalizeLocale(t)

	var errs []string
	batches := chunk(t.Rows, l.batchSize)
	res.Batches = len(batches)

	slog.Info("batch load started",
		"target_table", target,
		"rows", res.TotalRows,
		"batches", res.Batches,
		"batch_size", l.batchSize,
	)

	for i, rows := range batches {
		n := i + 1

		if err := ctx.Err(); err != nil {
			res.RowsFailed += len(rows)
			errs = append(errs, fmt.Sprintf("Batch %d: %v", n, err))
			continue
		}

		inserted, err := l.store.Insert(ctx, target, t.Records(rows))
		switch {
		case err != nil:
			res.RowsFailed += len(rows)
			errs = append(errs, fmt.Sprintf("Batch %d: %v", n, err))
			slog.Warn("batch failed", "target_table", target, "batch", n, "rows", len(rows), "error", err)
		case inserted <= 0:
			res.RowsFailed += len(rows)
			errs = append(errs, fmt.Sprintf("Batch %d: empty response", n))
			slog.Warn("batch inserted nothing", "target_table", target, "batch", n, "rows", len(rows))
		default:
			res.RowsLoaded += inserted
			if inserted < len(rows) {
				res.RowsFailed += len(rows) - inserted
			}
		}
	}

	if len(errs) > maxLoadErrors {
		errs = errs[:maxLoadErrors]
	}
	res.Errors = append(res.Errors, errs...)

	if res.TotalRows > 0 {
		res.SuccessPercent = round2(float64(res.RowsLoaded) / float64(res.TotalRows) * 100)
	}
	res.Success = res.RowsLoaded > 0
	res.LoadedAt = l.now()
	res.Recommend(OutlierSummary{})

	switch {
	case res.RowsLoaded == res.TotalRows:
		slog.Info("batch load complete", "target_table", target, "rows_loaded", res.RowsLoaded)
	case res.RowsLoaded > 0:
		slog.Warn("partial batch load", "target_table", target, "rows_loaded", res.RowsLoaded, "rows_failed", res.RowsFailed)
	default:
		slog.Error("batch load failed", "target_table", target, "rows_failed", res.RowsFailed)
	}

	return res
}

// chunk splits items into consecutive slices of at most size elements.
// The slices share items' backing array.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	return append(out, items)
}
