package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/feedlot-etl/internal/ingest"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
)

const curralCSV = "id_curral,lote,data,qtd_animais\nC001,L001,2024-01-15,125\n"

var curralMappings = []ColumnMapping{
	{SourceColumn: "id_curral", TargetColumn: "id_curral", Enabled: true, DeclaredType: TypeText},
	{SourceColumn: "lote", TargetColumn: "lote", Enabled: true, DeclaredType: TypeText},
	{SourceColumn: "data", TargetColumn: "data", Enabled: true, DeclaredType: TypeDate},
	{SourceColumn: "qtd_animais", TargetColumn: "qtd_animais", Enabled: true, DeclaredType: TypeInteger},
}

func newTestPipeline(store Store) *Pipeline {
	p := New(store, rules.Default(), DefaultOptions())
	p.now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }
	return p
}

func csvInput(name, body string) Input {
	return Input{Name: name, Data: []byte(body)}
}

// ---- End-to-end Tests ----

func TestPipeline_LoadEndToEnd(t *testing.T) {
	store := newFakeStore().withKeys("dim_curral", "C001")
	p := newTestPipeline(store)

	resp := p.Load(context.Background(), LoadRequest{
		Input:    csvInput("upload.csv", curralCSV),
		Mappings: curralMappings,
		Table:    "etl_staging_01_historico_consumo",
	})

	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Quality)
	assert.True(t, resp.Quality.IsValid)
	assert.Equal(t, 0, resp.Outliers.TotalRemoved)
	require.Len(t, resp.Outliers.Filters, 1)
	assert.Equal(t, "dim_curral", resp.Outliers.Filters[0].Table)

	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.RowsLoaded)
	assert.Equal(t, 100.0, resp.Result.SuccessPercent)

	rows := store.inserted["etl_staging_01_historico_consumo"]
	require.Len(t, rows, 1)
	assert.Equal(t, "C001", rows[0]["id_curral"])
	assert.Equal(t, "L001", rows[0]["lote"])
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), rows[0]["data"])
	assert.Equal(t, int64(125), rows[0]["qtd_animais"])
	assert.Equal(t, resp.BatchID, rows[0]["batch_id"])
	assert.Equal(t, false, rows[0]["processed"])
}

func TestPipeline_LoadRemovesOutliers(t *testing.T) {
	store := newFakeStore().withKeys("dim_curral", "C001")
	p := newTestPipeline(store)

	var b strings.Builder
	b.WriteString("id_curral;lote;data;qtd_animais\n")
	for i := 0; i < 10; i++ {
		curral := "C001"
		if i%5 == 0 {
			curral = "C999"
		}
		fmt.Fprintf(&b, "%s;L%d;15/01/2024;%d\n", curral, i, 100+i)
	}

	resp := p.Load(context.Background(), LoadRequest{
		Input:    csvInput("upload.csv", b.String()),
		Mappings: curralMappings,
		Table:    "t",
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 2, resp.Outliers.TotalRemoved)
	assert.Equal(t, 8, resp.Result.TotalRows)
	assert.Len(t, store.inserted["t"], 8)
	assert.Contains(t, resp.Result.Recommendations, "2 outliers removed from 1 dimensions")
}

func TestPipeline_LoadKeepOutliers(t *testing.T) {
	store := newFakeStore().withKeys("dim_curral")
	p := newTestPipeline(store)

	resp := p.Load(context.Background(), LoadRequest{
		Input:        csvInput("upload.csv", curralCSV),
		Mappings:     curralMappings,
		Table:        "t",
		KeepOutliers: true,
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 0, store.selectCalls)
	assert.Len(t, store.inserted["t"], 1)
}

func TestPipeline_LoadMostlyBlankTextColumn(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)

	var b strings.Builder
	b.WriteString("lote;obs\n")
	for i := 0; i < 10; i++ {
		obs := ""
		if i == 0 {
			obs = "febre"
		}
		fmt.Fprintf(&b, "L%d;%s\n", i, obs)
	}

	resp := p.Load(context.Background(), LoadRequest{
		Input: csvInput("lotes.csv", b.String()),
		Mappings: []ColumnMapping{
			{SourceColumn: "lote", TargetColumn: "lote", Enabled: true, DeclaredType: TypeText},
			{SourceColumn: "obs", TargetColumn: "obs", Enabled: true, DeclaredType: TypeText},
		},
		Table:        "t",
		KeepOutliers: true,
	})

	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Quality)
	assert.True(t, resp.Quality.IsValid)
	assert.Equal(t, 0.0, resp.Quality.NullPercentages["obs"])
	assert.Equal(t, 10, resp.Result.RowsLoaded)

	rows := store.inserted["t"]
	require.Len(t, rows, 10)
	assert.Equal(t, "febre", rows[0]["obs"])
	assert.Equal(t, "", rows[1]["obs"])
}

func TestPipeline_LoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no target table", func(t *testing.T) {
		resp := newTestPipeline(newFakeStore()).Load(ctx, LoadRequest{Input: csvInput("a.csv", curralCSV), Mappings: curralMappings})
		assert.False(t, resp.Success)
		assert.Equal(t, "LOAD001", resp.Code)
	})

	t.Run("quality gate", func(t *testing.T) {
		store := newFakeStore()
		resp := newTestPipeline(store).Load(ctx, LoadRequest{
			Input: csvInput("a.csv", "lote,peso\nL1,abc\nL2,def\n"),
			Mappings: []ColumnMapping{
				{SourceColumn: "lote", TargetColumn: "lote", Enabled: true, DeclaredType: TypeText},
				{SourceColumn: "peso", TargetColumn: "peso", Enabled: true, DeclaredType: TypeNumeric},
			},
			Table: "t",
		})
		assert.False(t, resp.Success)
		assert.Equal(t, "LOAD002", resp.Code)
		assert.Contains(t, resp.Error, `"peso"`)
		assert.Equal(t, 0, store.insertCalls)
	})

	t.Run("invalid mapping", func(t *testing.T) {
		resp := newTestPipeline(newFakeStore()).Load(ctx, LoadRequest{
			Input:    csvInput("a.csv", curralCSV),
			Mappings: append(curralMappings, ColumnMapping{SourceColumn: "x", TargetColumn: "lote", Enabled: true, DeclaredType: TypeText}),
			Table:    "t",
		})
		assert.Equal(t, "MAP004", resp.Code)
	})

	t.Run("every batch fails", func(t *testing.T) {
		store := newFakeStore().withKeys("dim_curral", "C001")
		store.failInsert[1] = errors.New("permission denied for table t")
		resp := newTestPipeline(store).Load(ctx, LoadRequest{Input: csvInput("a.csv", curralCSV), Mappings: curralMappings, Table: "t"})

		assert.False(t, resp.Success)
		require.NotNil(t, resp.Result)
		assert.Equal(t, 1, resp.Result.RowsFailed)
		assert.Contains(t, resp.Error, "Batch 1: permission denied")
	})

	t.Run("unreadable file", func(t *testing.T) {
		resp := newTestPipeline(newFakeStore()).Load(ctx, LoadRequest{Input: csvInput("a.csv", "only a header\n"), Mappings: curralMappings, Table: "t"})
		assert.False(t, resp.Success)
		assert.Equal(t, "FILE001", resp.Code)
	})
}

// ---- Stage Tests ----

func TestPipeline_Detect(t *testing.T) {
	resp := newTestPipeline(newFakeStore()).Detect(context.Background(), DetectRequest{
		Input: csvInput("01_historico_consumo.csv", "Curral;Data\nC001;15/01/2024\n"),
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, ";", resp.Structure.Delimiter)
	assert.Equal(t, "01_historico_consumo", resp.Structure.FileType)

	missing := newTestPipeline(newFakeStore()).Detect(context.Background(), DetectRequest{})
	assert.False(t, missing.Success)
	assert.Equal(t, "FILE006", missing.Code)
}

func TestPipeline_Prepare(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store)

	resp := p.Prepare(context.Background(), PrepareRequest{
		Input: csvInput("upload.csv", "Curral;Data;Qtd Animais;Peso Entrada\nC001;15/01/2024;120;350,5\n"),
		Table: "etl_staging_01_historico_consumo",
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, SchemaPredefined, resp.SchemaSource)
	assert.Equal(t, []string{"curral", "data", "qtd_animais", "peso_entrada"}, resp.Columns)
	require.Len(t, resp.Suggestions, 4)
	assert.Equal(t, "id_curral", resp.Suggestions[0].TargetColumn)
	assert.Equal(t, "data", resp.Suggestions[1].TargetColumn)
	assert.Equal(t, MatchExact, resp.Suggestions[2].Match)
	assert.Equal(t, "peso_entrada_kg", resp.Suggestions[3].TargetColumn)
}

func TestPipeline_PrepareUsesDatabaseSchema(t *testing.T) {
	store := newFakeStore()
	store.schemas["destino"] = []ColumnInfo{{Name: "curral_code"}, {Name: "batch_id"}}

	resp := newTestPipeline(store).Prepare(context.Background(), PrepareRequest{
		Input: csvInput("upload.csv", "curral,x\nC1,1\n"),
		Table: "destino",
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, SchemaFromDatabase, resp.SchemaSource)
	assert.Equal(t, "curral_code", resp.Suggestions[0].TargetColumn)
	assert.False(t, resp.Suggestions[1].Enabled)
}

func TestPipeline_Preview(t *testing.T) {
	resp := newTestPipeline(newFakeStore()).Preview(context.Background(), PreviewRequest{
		Input:       csvInput("upload.csv", curralCSV),
		Mappings:    curralMappings,
		PreviewRows: 5,
	})

	require.True(t, resp.Success, resp.Error)
	assert.Len(t, resp.Rows, 1)
	assert.Equal(t, 8, len(resp.Columns))
	assert.True(t, resp.Quality.IsValid)
	assert.Equal(t, 4, resp.Stats.MappedCount)
}

func TestPipeline_ValidateDimension(t *testing.T) {
	store := newFakeStore().withKeys("dim_curral", "C001")
	p := newTestPipeline(store)
	body := "curral;lote\nC001;L1\nC002;L2\n;L3\n"

	resp := p.ValidateDimension(context.Background(), DimensionRequest{
		Input:  csvInput("u.csv", body),
		Column: "curral",
		Table:  "dim_curral",
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 2, resp.Report.TotalUnique)
	assert.Equal(t, []string{"C002"}, resp.Report.InvalidValues)

	missing := p.ValidateDimension(context.Background(), DimensionRequest{Input: csvInput("u.csv", body), Column: "nope", Table: "dim_curral"})
	assert.Equal(t, "MAP006", missing.Code)
}

func TestPipeline_FilterOutliers(t *testing.T) {
	store := newFakeStore().withKeys("dim_curral", "C001")
	p := newTestPipeline(store)
	body := "curral;lote\nC001;L1\nC002;L2\nC001;L3\n"

	resp := p.FilterOutliers(context.Background(), FilterRequest{
		Input:  csvInput("u.csv", body),
		Column: "curral",
		Table:  "dim_curral",
		Remove: true,
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1, resp.Result.OutliersRemoved)
	assert.Len(t, resp.Rows, 2)

	mapped := p.FilterOutliers(context.Background(), FilterRequest{
		Input:    csvInput("u.csv", body),
		Column:   "id_curral",
		Table:    "dim_curral",
		Mappings: []ColumnMapping{{SourceColumn: "curral", TargetColumn: "id_curral", Enabled: true, DeclaredType: TypeText}},
	})
	require.True(t, mapped.Success, mapped.Error)
	assert.Equal(t, 0, mapped.Result.OutliersRemoved)
	assert.Equal(t, 1, mapped.Result.Report.InvalidCount)
	assert.Len(t, mapped.Rows, 3)
}

// ---- Schema Tests ----

func TestPipeline_TableSchema(t *testing.T) {
	store := newFakeStore()
	store.schemas["real"] = []ColumnInfo{
		{Name: "id", DataType: "bigint", Default: "nextval('real_id_seq'::regclass)"},
		{Name: "nome", DataType: "text", Nullable: true},
	}
	p := newTestPipeline(store)
	ctx := context.Background()

	fromDB := p.TableSchema(ctx, "real")
	assert.True(t, fromDB.Exists)
	assert.Equal(t, SchemaFromDatabase, fromDB.Source)
	assert.Equal(t, "CREATE TABLE real (\n  id BIGINT NOT NULL PRIMARY KEY,\n  nome TEXT\n);", fromDB.CreateSQL)

	predefined := p.TableSchema(ctx, "etl_staging_02_desvio_carregamento")
	assert.False(t, predefined.Exists)
	assert.Equal(t, SchemaPredefined, predefined.Source)
	assert.Len(t, predefined.Columns, 11)
	assert.Contains(t, predefined.CreateSQL, "  batch_id UUID DEFAULT gen_random_uuid()")

	generic := p.TableSchema(ctx, "whatever")
	assert.Equal(t, SchemaGeneric, generic.Source)
	assert.Equal(t, "data_column_1", generic.Columns[2].Name)

	store.schemaErr = errors.New("connection refused")
	fallback := p.TableSchema(ctx, "real")
	assert.True(t, fallback.Success)
	assert.Equal(t, SchemaGeneric, fallback.Source)
}

func TestCreateTableSQL_Empty(t *testing.T) {
	assert.Equal(t, "-- table x not found", CreateTableSQL("x", nil))
}

func TestPipeline_ListTables(t *testing.T) {
	tables := newTestPipeline(newFakeStore()).ListTables()

	require.Len(t, tables, 5)
	assert.Equal(t, "etl_staging_01_historico_consumo", tables[0].Table)
	assert.True(t, tables[0].Predefined)
	assert.False(t, tables[4].Predefined)
}

// ---- Error Mapping Tests ----

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil", nil, ""},
		{"too few lines", fmt.Errorf("load: %w", ingest.ErrTooFewLines), "FILE001"},
		{"legacy format", ingest.ErrUnsupportedFormat, "FILE002"},
		{"load error", &ingest.LoadError{Source: "x.csv"}, "FILE004"},
		{"duplicate target", fmt.Errorf("%w: x", ErrDuplicateTarget), "MAP004"},
		{"deadline", context.DeadlineExceeded, "LOAD004"},
		{"run limit", ErrTooManyRuns, "LOAD003"},
		{"dimension lookup", errors.New("dimension lookup dim_curral.id: boom"), "DIM001"},
		{"duplicate key", errors.New("ERROR: duplicate key value violates unique constraint"), "DB001"},
		{"missing relation", errors.New(`relation "x" does not exist`), "DB004"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, MapError(tt.err).Code)
		})
	}
}

func TestFormatUserError(t *testing.T) {
	assert.Equal(t, "", FormatUserError(nil))
	assert.Equal(t,
		"No columns are enabled (Code: MAP005). Enable at least one column mapping",
		FormatUserError(ErrNoMappings))
}
