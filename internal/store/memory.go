package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

type memTable struct {
	columns []etl.ColumnInfo
	rows    []etl.Record
}

// Memory is an in-process Store used for dry runs and tests. Tables
// written to without a declared schema are created on first insert and
// accept any column.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// Define declares a table with the given column names, all typed text.
func (m *Memory) Define(table string, columns ...string) *Memory {
	cols := make([]etl.ColumnInfo, len(columns))
	for i, c := range columns {
		cols[i] = etl.ColumnInfo{Name: c, DataType: "text", Nullable: true, Position: i + 1}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	t.columns = cols
	return m
}

// Seed appends one row per value to a reference table, keyed by column.
func (m *Memory) Seed(table, column string, values ...string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	for _, v := range values {
		t.rows = append(t.rows, etl.Record{column: v})
	}
	return m
}

// Rows returns a copy of everything stored in table.
func (m *Memory) Rows(table string) []etl.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	return append([]etl.Record(nil), t.rows...)
}

// table must be called with mu held.
func (m *Memory) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{}
		m.tables[name] = t
	}
	return t
}

func (m *Memory) SchemaOf(_ context.Context, table string) ([]etl.ColumnInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	return append([]etl.ColumnInfo(nil), t.columns...), nil
}

// SelectKeys fails for tables that were never defined or seeded.
func (m *Memory) SelectKeys(ctx context.Context, table, key string, values []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}

	present := make(map[string]bool, len(t.rows))
	for _, r := range t.rows {
		present[etl.FormatValue(r[key])] = true
	}

	var keys []string
	seen := make(map[string]bool)
	for _, v := range values {
		if present[v] && !seen[v] {
			seen[v] = true
			keys = append(keys, v)
		}
	}
	return keys, nil
}

func (m *Memory) Insert(ctx context.Context, table string, records []etl.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)

	if len(t.columns) > 0 {
		if _, err := insertColumns(table, t.columns, records); err != nil {
			return 0, err
		}
	}

	for _, r := range records {
		cp := make(etl.Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		t.rows = append(t.rows, cp)
	}
	return len(records), nil
}
