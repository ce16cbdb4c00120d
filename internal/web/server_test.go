package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/feedlot-etl/internal/config"
	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
	"github.com/JonMunkholm/feedlot-etl/internal/store"
)

const curralCSV = "id_curral,lote,data,qtd_animais\nC001,L001,2024-01-15,125\nC002,L001,2024-01-16,90\n"

const curralMappings = `[
	{"source_column":"id_curral","target_column":"id_curral","enabled":true,"declared_type":"TEXT"},
	{"source_column":"lote","target_column":"lote","enabled":true,"declared_type":"TEXT"},
	{"source_column":"data","target_column":"data","enabled":true,"declared_type":"DATE"},
	{"source_column":"qtd_animais","target_column":"qtd_animais","enabled":true,"declared_type":"INTEGER"}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(func(string) string { return "" })
	require.NoError(t, err)
	cfg.Rate.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, mem *store.Memory) *Server {
	t.Helper()
	p := etl.New(mem, rules.Default(), etl.DefaultOptions())
	s := NewServer(p, cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

// upload builds a multipart request with a "file" part and extra fields.
func upload(t *testing.T, path, name, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// ---- Route Tests ----

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestListTables(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/tables", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	tables := decode(t, rec)["tables"].([]any)
	assert.NotEmpty(t, tables)
}

func TestTableSchema(t *testing.T) {
	mem := store.NewMemory().Define("my_table", "a", "b")
	s := newTestServer(t, testConfig(t), mem)

	tests := []struct {
		table  string
		source string
		exists bool
	}{
		{"my_table", etl.SchemaFromDatabase, true},
		{"etl_staging_01_historico_consumo", etl.SchemaPredefined, false},
		{"anything_else", etl.SchemaGeneric, false},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/tables/"+tt.table+"/schema", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, tt.source, body["source"])
			assert.Equal(t, tt.exists, body["exists"])
			assert.Contains(t, body["create_table_sql"], "CREATE TABLE "+tt.table)
		})
	}
}

func TestDetect(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/detect", "curral.csv", curralCSV, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	structure := body["structure"].(map[string]any)
	assert.Equal(t, 4.0, structure["column_count"])
	assert.Equal(t, ",", structure["delimiter"])
}

func TestDetect_NoFile(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/detect", "", "", map[string]string{"encoding": "utf-8"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE006", decode(t, rec)["code"])
}

func TestDetect_TooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.MaxFileSize = 16
	s := newTestServer(t, cfg, store.NewMemory())

	rec := serve(s, upload(t, "/api/detect", "curral.csv", curralCSV, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE005", decode(t, rec)["code"])
}

func TestPrepare(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/prepare", "curral.csv", curralCSV,
		map[string]string{"target_table": "etl_staging_01_historico_consumo"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, etl.SchemaPredefined, body["schema_source"])
	assert.Len(t, body["suggested_mappings"], 4)
}

func TestPreview_RequiresMappings(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/preview", "curral.csv", curralCSV, nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MAP005", decode(t, rec)["code"])
}

func TestPreview_RejectsUnknownMappingFields(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/preview", "curral.csv", curralCSV,
		map[string]string{"mappings": `[{"source_column":"a","surprise":1}]`}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MAP002", decode(t, rec)["code"])
}

func TestLoad(t *testing.T) {
	mem := store.NewMemory().Seed("dim_curral", "id_curral", "C001")
	s := newTestServer(t, testConfig(t), mem)

	rec := serve(s, upload(t, "/api/load", "curral.csv", curralCSV, map[string]string{
		"mappings":     curralMappings,
		"target_table": "etl_staging_01_historico_consumo",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["batch_id"])

	summary := body["load_summary"].(map[string]any)
	assert.Equal(t, 1.0, summary["rows_loaded"])

	outliers := body["outlier_filtering"].(map[string]any)
	assert.Equal(t, 1.0, outliers["total_outliers_removed"])

	rows := mem.Rows("etl_staging_01_historico_consumo")
	require.Len(t, rows, 1)
	assert.Equal(t, "C001", rows[0]["id_curral"])
	assert.Equal(t, body["batch_id"], rows[0]["batch_id"])
}

func TestLoad_MissingTable(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/api/load", "curral.csv", curralCSV,
		map[string]string{"mappings": curralMappings}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "LOAD001", decode(t, rec)["code"])
}

func TestLoad_TooManyRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.MaxConcurrent = 1
	cfg.Upload.MaxWaitTime = 10 * time.Millisecond
	s := newTestServer(t, cfg, store.NewMemory())

	require.True(t, s.runs.TryAcquire())
	defer s.runs.Release()

	rec := serve(s, upload(t, "/api/load", "curral.csv", curralCSV, map[string]string{
		"mappings":     curralMappings,
		"target_table": "t",
	}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "LOAD003", decode(t, rec)["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(logging.NewHandler(&buf, "debug", "text")))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLoad_QueuedRunProceeds(t *testing.T) {
	logs := captureLogs(t)
	cfg := testConfig(t)
	cfg.Upload.MaxConcurrent = 1
	cfg.Upload.MaxWaitTime = 5 * time.Second
	s := newTestServer(t, cfg, store.NewMemory())

	require.True(t, s.runs.TryAcquire())
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.runs.Release()
	}()

	rec := serve(s, upload(t, "/api/load", "curral.csv", curralCSV, map[string]string{
		"mappings":     curralMappings,
		"target_table": "t",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, logs.String(), "load run queued")
	assert.Equal(t, 0, s.runs.Active())
}

func TestValidateDimension(t *testing.T) {
	mem := store.NewMemory().Seed("dim_curral", "id_curral", "C001")
	s := newTestServer(t, testConfig(t), mem)

	rec := serve(s, upload(t, "/api/dimensions/validate", "curral.csv", curralCSV, map[string]string{
		"column":          "id_curral",
		"dimension_table": "dim_curral",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode(t, rec)["validation_result"].(map[string]any)
	assert.Equal(t, 1.0, report["valid_values_count"])
	assert.Equal(t, 1.0, report["invalid_values_count"])
}

func TestFilterOutliers(t *testing.T) {
	mem := store.NewMemory().Seed("dim_curral", "id_curral", "C001")
	s := newTestServer(t, testConfig(t), mem)

	rec := serve(s, upload(t, "/api/dimensions/filter", "curral.csv", curralCSV, map[string]string{
		"column":          "id_curral",
		"dimension_table": "dim_curral",
		"remove_outliers": "true",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	result := body["filter_result"].(map[string]any)
	assert.Equal(t, 1.0, result["outliers_removed"])
	assert.Len(t, body["preview_rows"], 1)
}

// ---- HTML Tests ----

func TestIndexPage(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `action="/preview"`)
}

func TestPreviewPage(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/preview", "curral.csv", curralCSV, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "<th>id_curral</th>")
	assert.Contains(t, rec.Body.String(), "<td>2024-01-15</td>")
}

func TestPreviewPage_Error(t *testing.T) {
	s := newTestServer(t, testConfig(t), store.NewMemory())

	rec := serve(s, upload(t, "/preview", "curral.csv", "only a header\n", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "FILE001")
}

// ---- Security Tests ----

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RequireAPIKey = true
	cfg.Security.APIKeys = []string{"secret"}
	s := newTestServer(t, cfg, store.NewMemory())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)

	assert.Equal(t, http.StatusOK, serve(s, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rate.Enabled = true
	cfg.Rate.RequestsPerMinute = 1
	cfg.Rate.Burst = 1
	s := newTestServer(t, cfg, store.NewMemory())

	first := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	second := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

// ---- Status Mapping Tests ----

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"", http.StatusOK},
		{"FILE001", http.StatusBadRequest},
		{"FILE005", http.StatusRequestEntityTooLarge},
		{"MAP004", http.StatusBadRequest},
		{"LOAD001", http.StatusBadRequest},
		{"LOAD002", http.StatusUnprocessableEntity},
		{"LOAD003", http.StatusServiceUnavailable},
		{"LOAD004", http.StatusGatewayTimeout},
		{"DB001", http.StatusBadGateway},
		{"DIM001", http.StatusBadGateway},
		{"ERR000", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForCode(tt.code))
		})
	}
}

// ---- Render Tests ----

func TestRender_LogsComponentError(t *testing.T) {
	logs := captureLogs(t)
	broken := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return errors.New("writer closed")
	})

	rec := httptest.NewRecorder()
	render(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, broken)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, logs.String(), "template render error")
	assert.Contains(t, logs.String(), "writer closed")
}
