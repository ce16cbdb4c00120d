package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	"github.com/JonMunkholm/feedlot-etl/internal/web/views"
)

// maxMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const maxMemory = 32 << 20

// readInput parses the multipart form and reads the uploaded file.
func (s *Server) readInput(w http.ResponseWriter, r *http.Request) (etl.Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		if tooLarge(err) {
			return etl.Input{}, errFileTooLarge
		}
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingFile) {
			return etl.Input{}, errNoFile
		}
		return etl.Input{}, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return etl.Input{}, errNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		if tooLarge(err) {
			return etl.Input{}, errFileTooLarge
		}
		return etl.Input{}, err
	}

	return etl.Input{
		Name:          header.Filename,
		Data:          data,
		Encoding:      r.FormValue("encoding"),
		Delimiter:     r.FormValue("delimiter"),
		SkipFirstLine: formBool(r, "skip_first_line"),
		Sheet:         r.FormValue("sheet"),
	}, nil
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// readMappings decodes the JSON "mappings" field. A missing field is an
// error only when required is set.
func readMappings(r *http.Request, required bool) ([]etl.ColumnMapping, error) {
	raw := strings.TrimSpace(r.FormValue("mappings"))
	if raw == "" {
		if required {
			return nil, etl.ErrNoMappings
		}
		return nil, nil
	}
	return etl.DecodeMappings([]byte(raw))
}

func formBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.FormValue(name))
	return b
}

func formInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.FormValue(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ---- Health and pages ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.runs.Active(),
		"max_runs":    s.runs.Max(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	render(w, r, http.StatusOK, views.Layout("Feedlot ETL", views.Index(s.pipeline.ListTables())))
}

func (s *Server) handlePreviewPage(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ms, err := readMappings(r, false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if ms == nil {
		prep := s.pipeline.Prepare(r.Context(), etl.PrepareRequest{Input: in})
		if !prep.Success {
			s.respondOutcome(w, r, prep.Outcome)
			return
		}
		ms = etl.Mappings(prep.Suggestions)
	}

	resp := s.pipeline.Preview(r.Context(), etl.PreviewRequest{
		Input:       in,
		Mappings:    ms,
		PreviewRows: formInt(r, "preview_rows"),
	})
	if !resp.Success {
		s.respondOutcome(w, r, resp.Outcome)
		return
	}

	render(w, r, http.StatusOK, views.Layout("Preview of "+in.Name, views.Preview(resp)))
}

// ---- Pipeline stages ----

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := s.pipeline.Detect(r.Context(), etl.DetectRequest{Input: in})
	respond(w, resp.Outcome, resp)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := s.pipeline.Prepare(r.Context(), etl.PrepareRequest{
		Input: in,
		Table: r.FormValue("target_table"),
	})
	respond(w, resp.Outcome, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ms, err := readMappings(r, true)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := s.pipeline.Preview(r.Context(), etl.PreviewRequest{
		Input:       in,
		Mappings:    ms,
		PreviewRows: formInt(r, "preview_rows"),
	})
	respond(w, resp.Outcome, resp)
}

// handleLoad runs the full pipeline. Runs hold a limiter slot for their
// whole duration.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ms, err := readMappings(r, true)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.acquireRun(r); err != nil {
		s.respondError(w, r, err)
		return
	}
	defer s.runs.Release()

	table := r.FormValue("target_table")
	log := logging.WithFields(r.Context(), "table", table, "file", in.Name)
	log.Info("load run started", "active_runs", s.runs.Active())

	resp := s.pipeline.Load(r.Context(), etl.LoadRequest{
		Input:        in,
		Mappings:     ms,
		Table:        table,
		BatchSize:    formInt(r, "batch_size"),
		KeepOutliers: formBool(r, "keep_outliers"),
	})

	if resp.Success {
		log.Info("load run finished", "batch_id", resp.BatchID, "rows_loaded", resp.Result.RowsLoaded)
	} else {
		log.Warn("load run failed", "batch_id", resp.BatchID, "error", resp.Error, "code", resp.Code)
	}
	respond(w, resp.Outcome, resp)
}

// acquireRun takes a load slot, waiting up to the configured maximum when
// every slot is busy.
func (s *Server) acquireRun(r *http.Request) error {
	if s.runs.TryAcquire() {
		return nil
	}
	logging.FromContext(r.Context()).Info("load run queued",
		"active_runs", s.runs.Active(),
		"max_runs", s.runs.Max(),
	)
	return s.runs.Acquire(r.Context())
}

// ---- Dimensions ----

func (s *Server) handleValidateDimension(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := s.pipeline.ValidateDimension(r.Context(), etl.DimensionRequest{
		Input:     in,
		Column:    r.FormValue("column"),
		Table:     r.FormValue("dimension_table"),
		KeyColumn: r.FormValue("key_column"),
	})
	respond(w, resp.Outcome, resp)
}

func (s *Server) handleFilterOutliers(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ms, err := readMappings(r, false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := s.pipeline.FilterOutliers(r.Context(), etl.FilterRequest{
		Input:     in,
		Column:    r.FormValue("column"),
		Table:     r.FormValue("dimension_table"),
		KeyColumn: r.FormValue("key_column"),
		Remove:    formBool(r, "remove_outliers"),
		Mappings:  ms,
	})
	respond(w, resp.Outcome, resp)
}

// ---- Schemas ----

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tables":  s.pipeline.ListTables(),
	})
}

func (s *Server) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	resp := s.pipeline.TableSchema(r.Context(), chi.URLParam(r, "table"))
	respond(w, resp.Outcome, resp)
}
