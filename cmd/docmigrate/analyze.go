package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [collections...]",
	Short: "Infer a relational schema from sampled documents",
	Long:  "Samples every collection (or only the named ones), infers column types and references, and writes a JSON report, a Markdown migration strategy, a mapping file and DDL into the output directory.",
	RunE:  runAnalyze,
}

var (
	analyzeOutDir       string
	analyzeSampleSize   int
	analyzeThreshold    float64
	analyzeFKThreshold  float64
	analyzeValidateRefs bool
	analyzeDialect      string
	analyzeSave         bool
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutDir, "out", "o", "analysis", "output directory")
	analyzeCmd.Flags().IntVarP(&analyzeSampleSize, "sample-size", "n", 0, "documents sampled per collection (default SAMPLE_SIZE)")
	analyzeCmd.Flags().Float64Var(&analyzeThreshold, "threshold", 0, "dominant type share needed for a typed column (default TYPE_THRESHOLD)")
	analyzeCmd.Flags().Float64Var(&analyzeFKThreshold, "fk-threshold", 0, "reference match ratio needed for a foreign key (default --threshold)")
	analyzeCmd.Flags().BoolVar(&analyzeValidateRefs, "validate-refs", false, "look sampled reference values up in the target collection")
	analyzeCmd.Flags().StringVar(&analyzeDialect, "dialect", "", "DDL dialect, postgres or mysql (default SINK_DRIVER)")
	analyzeCmd.Flags().BoolVar(&analyzeSave, "save", false, "also store the report in the bookkeeping tables")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateSource(); err != nil {
		return err
	}
	dialect, err := sink.DialectFor(pickString(analyzeDialect, cfg.SinkDriver))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	src, err := source.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(src)

	threshold := analyzeThreshold
	if threshold == 0 {
		threshold = cfg.TypeThreshold
	}
	report, err := analyzer.Analyze(ctx, src, args, analyzer.Options{
		SampleSize:   pickInt(analyzeSampleSize, cfg.SampleSize),
		Threshold:    threshold,
		FKThreshold:  analyzeFKThreshold,
		ValidateRefs: analyzeValidateRefs,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if err := writeAnalysis(report, dialect, analyzeOutDir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d collections, wrote %s\n", len(report.Collections), analyzeOutDir)

	if analyzeSave {
		bdb, _, err := db.Setup(ctx, cfg)
		if err != nil {
			return err
		}
		defer bdb.Close()
		if err := db.CreateTables(ctx, bdb, logger); err != nil {
			return err
		}
		saved, err := db.NewRepo(bdb).SaveAnalysis(ctx, report)
		if err != nil {
			return err
		}
		logger.Info("analysis saved", zap.Int64("id", saved.ID))
	}
	return nil
}

// writeAnalysis writes report.json, report.md, mapping.yaml and schema.sql
// into dir.
func writeAnalysis(report *analyzer.Report, dialect sink.Dialect, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	data, err := report.JSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(report.Markdown()), 0644); err != nil {
		return err
	}

	f, err := report.Mapping()
	if err != nil {
		return err
	}
	if err := mapping.WriteFile(f, filepath.Join(dir, "mapping.yaml")); err != nil {
		return err
	}

	stmts, err := report.DDL(dialect)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "schema.sql"), []byte(joinStatements(stmts)), 0644)
}

func joinStatements(stmts []string) string {
	if len(stmts) == 0 {
		return ""
	}
	return strings.Join(stmts, ";\n\n") + ";\n"
}

func pickString(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}
