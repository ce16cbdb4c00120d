package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

var _ etl.Store = (*Postgres)(nil)
var _ etl.Store = (*Memory)(nil)

// ---- SQL Builder Tests ----

func TestInsertSQL(t *testing.T) {
	got := insertSQL("etl_staging_01", []string{"data", "id_curral"}, 2)
	assert.Equal(t,
		`INSERT INTO "etl_staging_01" ("data", "id_curral") VALUES ($1, $2), ($3, $4)`, got)
}

func TestInsertSQL_SchemaQualified(t *testing.T) {
	got := insertSQL("staging.t", []string{"a"}, 1)
	assert.Equal(t, `INSERT INTO "staging"."t" ("a") VALUES ($1)`, got)
}

func TestSelectKeysSQL(t *testing.T) {
	got := selectKeysSQL("dim_curral", `id"x`)
	assert.Equal(t,
		`SELECT DISTINCT "id""x"::text FROM "dim_curral" WHERE "id""x"::text = ANY($1)`, got)
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, schema, table string
	}{
		{"t", "", "t"},
		{"public.t", "public", "t"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, tbl := splitName(tt.in)
			assert.Equal(t, tt.schema, s)
			assert.Equal(t, tt.table, tbl)
		})
	}
}

func TestSplitRecords(t *testing.T) {
	recs := make([]etl.Record, 5)

	var sizes []int
	for _, part := range splitRecords(recs, 2) {
		sizes = append(sizes, len(part))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Len(t, splitRecords(recs, 0), 5)
}

func TestInsertColumns(t *testing.T) {
	schema := []etl.ColumnInfo{
		{Name: "id", Position: 1},
		{Name: "data", Position: 2},
		{Name: "id_curral", Position: 3},
		{Name: "batch_id", Position: 4},
	}

	t.Run("table order and missing control columns dropped", func(t *testing.T) {
		recs := []etl.Record{{"id_curral": "C1", "data": "2024-01-15", "batch_id": "b", "created_at": "x"}}
		cols, err := insertColumns("t", schema, recs)
		require.NoError(t, err)

		var names []string
		for _, c := range cols {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{"data", "id_curral", "batch_id"}, names)
	})

	t.Run("unknown data column", func(t *testing.T) {
		recs := []etl.Record{{"data": "x", "peso": 1.0}}
		_, err := insertColumns("t", schema, recs)
		assert.ErrorContains(t, err, `column "peso" of relation "t" does not exist`)
	})

	t.Run("nothing to insert", func(t *testing.T) {
		_, err := insertColumns("t", schema, []etl.Record{{"processed": false}})
		assert.Error(t, err)
	})
}

// ---- Schema Cache Tests ----

func TestPostgres_InsertUnknownColumnForgetsSchema(t *testing.T) {
	p := NewPostgres(nil)
	p.schema["t"] = []etl.ColumnInfo{{Name: "lote", DataType: "text", Position: 1}}

	_, err := p.Insert(context.Background(), "t", []etl.Record{{"lote": "L1", "obs": "x"}})
	assert.ErrorContains(t, err, `column "obs" of relation "t" does not exist`)

	p.mu.RLock()
	_, cached := p.schema["t"]
	p.mu.RUnlock()
	assert.False(t, cached)
}

func TestStaleSchema(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"undefined table", &pgconn.PgError{Code: "42P01"}, true},
		{"undefined column wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "42703"}), true},
		{"datatype mismatch", &pgconn.PgError{Code: "42804"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, staleSchema(tt.err))
		})
	}
}

// ---- Conversion Tests ----

func TestEncodeValue(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    any
		dataType string
		want     any
	}{
		{"nil stays nil", nil, "integer", nil},
		{"text from string", "C001", "text", pgtype.Text{String: "C001", Valid: true}},
		{"text from int", int64(7), "character varying", pgtype.Text{String: "7", Valid: true}},
		{"empty text is not null", "", "text", pgtype.Text{String: "", Valid: true}},
		{"integer from int64", int64(120), "integer", pgtype.Int8{Int64: 120, Valid: true}},
		{"integer from string", "12,7", "bigint", pgtype.Int8{Int64: 12, Valid: true}},
		{"blank integer is null", " ", "integer", pgtype.Int8{}},
		{"float from comma", "2,5", "double precision", pgtype.Float8{Float64: 2.5, Valid: true}},
		{"date from time", day, "date", pgtype.Date{Time: day, Valid: true}},
		{"date from day first", "15/01/2024", "date", pgtype.Date{Time: day, Valid: true}},
		{"timestamp from iso", "2024-01-15", "timestamp without time zone", pgtype.Timestamp{Time: day, Valid: true}},
		{"timestamptz from time", day, "timestamp with time zone", pgtype.Timestamptz{Time: day, Valid: true}},
		{"bool from bool", false, "boolean", pgtype.Bool{Bool: false, Valid: true}},
		{"bool from sim", "Sim", "boolean", pgtype.Bool{Bool: true, Valid: true}},
		{"unknown type passes through", "x", "jsonb", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeValue(tt.value, tt.dataType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeValue_Invalid(t *testing.T) {
	tests := []struct {
		value    any
		dataType string
	}{
		{"abc", "integer"},
		{"abc", "numeric"},
		{"talvez", "boolean"},
		{"not-a-uuid", "uuid"},
		{"32/13/2024", "date"},
	}

	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			_, err := encodeValue(tt.value, tt.dataType)
			assert.ErrorContains(t, err, "invalid input syntax")
		})
	}
}

func TestToPgNumeric(t *testing.T) {
	tests := []struct {
		in  any
		int int64
		exp int32
	}{
		{"350.5", 3505, -1},
		{"350,5", 3505, -1},
		{int64(12), 12, 0},
		{1.25, 125, -2},
	}

	for _, tt := range tests {
		n, err := ToPgNumeric(tt.in)
		require.NoError(t, err)
		assert.True(t, n.Valid)
		assert.Equal(t, tt.int, n.Int.Int64(), "%v", tt.in)
		assert.Equal(t, tt.exp, n.Exp, "%v", tt.in)
	}
}

func TestToPgUUID(t *testing.T) {
	id, err := ToPgUUID("0b6f9c5e-3a56-4d8e-9f1e-7a2b1c3d4e5f")
	require.NoError(t, err)
	assert.True(t, id.Valid)
	assert.Equal(t, byte(0x0b), id.Bytes[0])

	null, err := ToPgUUID("")
	require.NoError(t, err)
	assert.False(t, null.Valid)
}

// ---- Memory Store Tests ----

func TestMemory_SelectKeys(t *testing.T) {
	m := NewMemory().Seed("dim_curral", "id_curral", "C001", "C002")
	ctx := context.Background()

	keys, err := m.SelectKeys(ctx, "dim_curral", "id_curral", []string{"C002", "X9", "C002"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C002"}, keys)

	_, err = m.SelectKeys(ctx, "dim_missing", "id", []string{"a"})
	assert.ErrorContains(t, err, "does not exist")
}

func TestMemory_Insert(t *testing.T) {
	ctx := context.Background()

	t.Run("undeclared table accepts anything", func(t *testing.T) {
		m := NewMemory()
		n, err := m.Insert(ctx, "t", []etl.Record{{"a": 1}, {"b": 2}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, m.Rows("t"), 2)
	})

	t.Run("declared table rejects unknown columns", func(t *testing.T) {
		m := NewMemory().Define("t", "a", "batch_id")
		_, err := m.Insert(ctx, "t", []etl.Record{{"a": 1, "z": 2}})
		assert.Error(t, err)
		assert.Empty(t, m.Rows("t"))

		schema, err := m.SchemaOf(ctx, "t")
		require.NoError(t, err)
		require.Len(t, schema, 2)
		assert.Equal(t, "batch_id", schema[1].Name)
		assert.Equal(t, 2, schema[1].Position)
	})

	t.Run("stored rows are copies", func(t *testing.T) {
		m := NewMemory()
		rec := etl.Record{"a": 1}
		_, err := m.Insert(ctx, "t", []etl.Record{rec})
		require.NoError(t, err)
		rec["a"] = 2
		assert.Equal(t, 1, m.Rows("t")[0]["a"])
	})

	t.Run("cancelled context", func(t *testing.T) {
		c, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewMemory().Insert(c, "t", []etl.Record{{"a": 1}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemory_SchemaOfMissing(t *testing.T) {
	cols, err := NewMemory().SchemaOf(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, cols)
}
