package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/etl"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [tables...]",
	Short: "Load mapped collections into the relational sink",
	Long:  "Loads every table of the mapping file (or only the named tables or collections) in dependency order. Each table is written in its own transaction unless its mapping commits per batch.",
	RunE:  runMigrate,
}

var (
	migrateDryRun     bool
	migrateTruncate   bool
	migrateNoFK       bool
	migrateNoProgress bool
	migrateNoRecord   bool
	migrateWorkers    int
	migrateBatchSize  int
)

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "transform every document without writing")
	migrateCmd.Flags().BoolVar(&migrateTruncate, "truncate", false, "empty the selected tables before loading; fails if tables outside the selection still reference them")
	migrateCmd.Flags().BoolVar(&migrateNoFK, "no-fk", false, "do not add foreign key constraints")
	migrateCmd.Flags().BoolVar(&migrateNoProgress, "no-progress", false, "hide progress bars")
	migrateCmd.Flags().BoolVar(&migrateNoRecord, "no-record", false, "do not store the run in the bookkeeping tables")
	migrateCmd.Flags().IntVarP(&migrateWorkers, "workers", "w", 0, "tables loaded concurrently (default WORKERS)")
	migrateCmd.Flags().IntVarP(&migrateBatchSize, "batch-size", "b", 0, "rows per insert statement (default BATCH_SIZE)")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	validate := cfg.Validate
	if migrateDryRun {
		validate = cfg.ValidateSource
	}
	if err := validate(); err != nil {
		return err
	}
	f, err := mapping.LoadFile(cfg.MappingFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := source.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(src)

	runner := &etl.Runner{
		Source:          src,
		File:            f,
		BatchSize:       pickInt(migrateBatchSize, cfg.BatchSize),
		Workers:         pickInt(migrateWorkers, cfg.Workers),
		DryRun:          migrateDryRun,
		Truncate:        migrateTruncate,
		SkipForeignKeys: migrateNoFK,
		Logger:          logger,
	}
	if !migrateNoProgress {
		runner.Progress = progressBar
	}

	if !migrateDryRun {
		bdb, dialect, err := db.Setup(ctx, cfg)
		if err != nil {
			return err
		}
		defer bdb.Close()
		runner.Sink = sink.New(bdb, dialect, logger)

		if !migrateNoRecord {
			if err := db.CreateTables(ctx, bdb, logger); err != nil {
				return err
			}
			runner.Recorder = db.NewRunRecorder(bdb, os.Getenv("USER"))
		}
	}

	summary, err := runner.Run(ctx, args)
	if summary != nil {
		printSummary(cmd, summary)
	}
	return err
}

func progressBar(table string, total int64) etl.Progress {
	if total == 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(fmt.Sprintf("%-20s", table)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

func printSummary(cmd *cobra.Command, s *etl.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s\n", s.ID, s.Status)
	for _, t := range s.Tables {
		fmt.Fprintf(out, "  %-24s %-8s read=%d written=%d skipped=%d junction_rows=%d %s\n",
			t.Table, t.Status, t.Read, t.Written, t.Skipped, t.JunctionRows, t.Duration.Round(time.Millisecond))
		if t.Error != "" {
			fmt.Fprintf(out, "      %s\n", t.Error)
		}
	}
	read, written, skipped := s.Totals()
	fmt.Fprintf(out, "total read=%d written=%d skipped=%d\n", read, written, skipped)
}

func closeQuietly(src source.Source) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := src.Close(ctx); err != nil {
		logger.Warn("close source", zap.Error(err))
	}
}

func pickInt(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
