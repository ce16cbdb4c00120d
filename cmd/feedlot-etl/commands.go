package main

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE",
		Short: "Probe a file's encoding, delimiter, columns and archetype",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := a.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			resp := p.Detect(cmd.Context(), etl.DetectRequest{Input: a.input(args[0])})
			return emit(cmd.OutOrStdout(), resp.Outcome, resp)
		},
	}
}

func newPrepareCmd(a *app) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "prepare FILE",
		Short: "Suggest column mappings for a destination table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := a.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			resp := p.Prepare(cmd.Context(), etl.PrepareRequest{Input: a.input(args[0]), Table: table})
			return emit(cmd.OutOrStdout(), resp.Outcome, resp)
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "destination table (default: detected staging table)")
	return cmd
}

func newPreviewCmd(a *app) *cobra.Command {
	var (
		mappingsPath string
		table        string
		rows         int
	)

	cmd := &cobra.Command{
		Use:   "preview FILE",
		Short: "Apply mappings and report data quality without loading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := a.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			in := a.input(args[0])
			var ms []etl.ColumnMapping
			if mappingsPath != "" {
				if ms, err = readMappings(mappingsPath); err != nil {
					return err
				}
			} else {
				prep := p.Prepare(cmd.Context(), etl.PrepareRequest{Input: in, Table: table})
				if !prep.Success {
					return emit(cmd.OutOrStdout(), prep.Outcome, prep)
				}
				ms = etl.Mappings(prep.Suggestions)
			}

			resp := p.Preview(cmd.Context(), etl.PreviewRequest{Input: in, Mappings: ms, PreviewRows: rows})
			return emit(cmd.OutOrStdout(), resp.Outcome, resp)
		},
	}
	cmd.Flags().StringVar(&mappingsPath, "mappings", "", "JSON mapping file (default: suggested mappings)")
	cmd.Flags().StringVar(&table, "table", "", "destination table used for suggestions")
	cmd.Flags().IntVar(&rows, "rows", 0, "rows to show (default: configured preview rows)")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		mappingsPath string
		table        string
		batchSize    int
		keepOutliers bool
	)

	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Transform, filter, validate and load a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := readMappings(mappingsPath)
			if err != nil {
				return err
			}

			p, closeFn, err := a.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			resp := p.Load(cmd.Context(), etl.LoadRequest{
				Input:        a.input(args[0]),
				Mappings:     ms,
				Table:        table,
				BatchSize:    batchSize,
				KeepOutliers: keepOutliers,
			})
			return emit(cmd.OutOrStdout(), resp.Outcome, resp)
		},
	}
	cmd.Flags().StringVar(&mappingsPath, "mappings", "", "JSON mapping file")
	cmd.Flags().StringVar(&table, "table", "", "destination table")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per insert (default: configured batch size)")
	cmd.Flags().BoolVar(&keepOutliers, "keep-outliers", false, "skip automatic dimension filtering")
	_ = cmd.MarkFlagRequired("mappings")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [TABLE]",
		Short: "Describe a destination table, or list the staging tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				p, _, err := a.pipeline(cmd.Context(), false)
				if err != nil {
					return err
				}
				tables := p.ListTables()
				return emit(cmd.OutOrStdout(), etl.Outcome{Success: true}, tables)
			}

			p, closeFn, err := a.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			resp := p.TableSchema(cmd.Context(), args[0])
			return emit(cmd.OutOrStdout(), resp.Outcome, resp)
		},
	}
}
