package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedlot-etl/internal/config"
	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
	"github.com/JonMunkholm/feedlot-etl/internal/store"
)

// app holds what every command shares once the root has run.
type app struct {
	rulesPath string
	logLevel  string
	dryRun    bool

	encoding      string
	delimiter     string
	skipFirstLine bool
	sheet         string

	cfg   *config.Config
	rules *rules.Rules
}

// stageError marks a pipeline stage that ran but reported failure. Its
// response has already been printed.
type stageError struct {
	out etl.Outcome
}

func (e *stageError) Error() string {
	msg := etl.MessageForCode(e.out.Code)
	return fmt.Sprintf("%s (Code: %s): %s", msg.Message, e.out.Code, e.out.Error)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "feedlot-etl",
		Short:         "Detect, map, validate and load feedlot spreadsheets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.rulesPath, "rules", "", "heuristic rules file (default: embedded rules)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&a.dryRun, "dry-run", false, "use an in-memory store instead of the database")
	f.StringVar(&a.encoding, "encoding", "", "file encoding (default: detected)")
	f.StringVar(&a.delimiter, "delimiter", "", "field delimiter, or \"tab\" (default: detected)")
	f.BoolVar(&a.skipFirstLine, "skip-first-line", false, "drop a title line above the header")
	f.StringVar(&a.sheet, "sheet", "", "worksheet name for .xlsx files")

	root.AddCommand(
		newDetectCmd(a),
		newPrepareCmd(a),
		newPreviewCmd(a),
		newLoadCmd(a),
		newSchemaCmd(a),
	)
	return root
}

func (a *app) setup(stderr io.Writer) error {
	// A missing .env is normal for the CLI
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := a.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logging.SetupWriter(stderr, level, cfg.Logging.Format)

	path := a.rulesPath
	if path == "" {
		path = cfg.Pipeline.RulesFile
	}
	r, err := rules.Load(path)
	if err != nil {
		return err
	}
	a.rules = r
	return nil
}

// pipeline builds a pipeline over the database, or over memory for dry
// runs and stages that never touch the database. The returned func
// releases the pool.
func (a *app) pipeline(ctx context.Context, needsDB bool) (*etl.Pipeline, func(), error) {
	opts := etl.Options{
		BatchSize:           a.cfg.Pipeline.BatchSize,
		LookupBatch:         a.cfg.Pipeline.DimensionLookupBatch,
		SampleSize:          a.cfg.Pipeline.SampleSize,
		PreviewRows:         a.cfg.Pipeline.PreviewRows,
		AutoDimensionFilter: a.cfg.Pipeline.AutoDimensionFilter,
	}

	if a.dryRun || !needsDB {
		if a.dryRun {
			slog.Info("dry run: using in-memory store")
		}
		return etl.New(store.NewMemory(), a.rules, opts), func() {}, nil
	}

	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, nil, fmt.Errorf("%w (or pass --dry-run)", err)
	}
	pool, err := store.Connect(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return etl.New(store.NewPostgres(pool), a.rules, opts), pool.Close, nil
}

func (a *app) input(path string) etl.Input {
	return etl.Input{
		Name:          filepath.Base(path),
		Path:          path,
		Encoding:      a.encoding,
		Delimiter:     a.delimiter,
		SkipFirstLine: a.skipFirstLine,
		Sheet:         a.sheet,
	}
}

// readMappings loads a JSON mapping file.
func readMappings(path string) ([]etl.ColumnMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	return etl.DecodeMappings(data)
}

// emit prints v as indented JSON and turns a failed outcome into a
// stageError.
func emit(w io.Writer, out etl.Outcome, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if !out.Success {
		return &stageError{out: out}
	}
	return nil
}
