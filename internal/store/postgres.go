// Package store implements the pipeline's Store on PostgreSQL and in memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

// maxParams is PostgreSQL's limit on bind parameters per statement.
const maxParams = 65535

// DBTX is the subset of pgx used here.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Postgres is a Store backed by a PostgreSQL database. Table schemas are
// cached after the first successful lookup.
type Postgres struct {
	db DBTX

	mu     sync.RWMutex
	schema map[string][]etl.ColumnInfo
}

// NewPostgres wraps a pool or transaction.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db, schema: make(map[string][]etl.ColumnInfo)}
}

const schemaQuery = `
SELECT column_name, data_type, is_nullable = 'YES', COALESCE(column_default, ''), ordinal_position
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
ORDER BY ordinal_position`

// SchemaOf describes table from information_schema. A missing table
// yields an empty slice. Names may be schema-qualified.
func (p *Postgres) SchemaOf(ctx context.Context, table string) ([]etl.ColumnInfo, error) {
	p.mu.RLock()
	cached, ok := p.schema[table]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	schemaName, tableName := splitName(table)
	rows, err := p.db.Query(ctx, schemaQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (etl.ColumnInfo, error) {
		var c etl.ColumnInfo
		err := row.Scan(&c.Name, &c.DataType, &c.Nullable, &c.Default, &c.Position)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}

	if len(cols) > 0 {
		p.mu.Lock()
		p.schema[table] = cols
		p.mu.Unlock()
	}
	return cols, nil
}

// Forget drops a cached schema.
func (p *Postgres) Forget(table string) {
	p.mu.Lock()
	delete(p.schema, table)
	p.mu.Unlock()
}

// SelectKeys returns the values present in table.key, compared as text.
func (p *Postgres) SelectKeys(ctx context.Context, table, key string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, selectKeysSQL(table, key), values)
	if err != nil {
		return nil, fmt.Errorf("select keys %s.%s: %w", table, key, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("select keys %s.%s: %w", table, key, err)
	}
	return keys, nil
}

// Insert writes records in one transaction and returns the number of rows
// the database reports as inserted. Values are converted to the column
// types of the destination. Control columns the table lacks are dropped;
// any other unknown column fails the insert.
func (p *Postgres) Insert(ctx context.Context, table string, records []etl.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	schema, err := p.SchemaOf(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(schema) == 0 {
		return 0, fmt.Errorf("relation %q does not exist", table)
	}

	cols, err := insertColumns(table, schema, records)
	if err != nil {
		// The table may have gained the column since it was cached
		p.Forget(table)
		return 0, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var inserted int64
	err = pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		for _, part := range splitRecords(records, maxParams/len(cols)) {
			args := make([]any, 0, len(part)*len(cols))
			for _, rec := range part {
				for _, c := range cols {
					v, err := encodeValue(rec[c.Name], c.DataType)
					if err != nil {
						return fmt.Errorf("column %s: %w", c.Name, err)
					}
					args = append(args, v)
				}
			}

			tag, err := tx.Exec(ctx, insertSQL(table, names, len(part)), args...)
			if err != nil {
				return err
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		if staleSchema(err) {
			p.Forget(table)
		}
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}

	return int(inserted), nil
}

// staleSchema reports whether err means the cached description of the
// table no longer matches the database.
func staleSchema(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P01", // undefined_table
		"42703", // undefined_column
		"42804": // datatype_mismatch
		return true
	}
	return false
}

// insertColumns picks the destination columns the records write, in table
// order.
func insertColumns(table string, schema []etl.ColumnInfo, records []etl.Record) ([]etl.ColumnInfo, error) {
	known := make(map[string]bool, len(schema))
	for _, c := range schema {
		known[c.Name] = true
	}

	used := make(map[string]bool)
	var unknown []string
	for _, rec := range records {
		for k := range rec {
			if used[k] {
				continue
			}
			used[k] = true
			if !known[k] && !etl.IsControlColumn(k) {
				unknown = append(unknown, k)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("column %q of relation %q does not exist", unknown[0], table)
	}

	var cols []etl.ColumnInfo
	for _, c := range schema {
		if used[c.Name] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns of relation %q to insert", table)
	}
	return cols, nil
}

func splitRecords(records []etl.Record, size int) [][]etl.Record {
	if size <= 0 {
		size = 1
	}
	var out [][]etl.Record
	for size < len(records) {
		records, out = records[size:], append(out, records[:size:size])
	}
	return append(out, records)
}

// splitName separates an optional schema qualifier.
func splitName(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func quoteTable(name string) string {
	schema, table := splitName(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func selectKeysSQL(table, key string) string {
	col := pgx.Identifier{key}.Sanitize()
	return fmt.Sprintf("SELECT DISTINCT %s::text FROM %s WHERE %s::text = ANY($1)", col, quoteTable(table), col)
}

// insertSQL renders a multi-row INSERT with positional parameters.
func insertSQL(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteTable(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{c}.Sanitize())
	}
	b.WriteString(") VALUES ")

	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}
