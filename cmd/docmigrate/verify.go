package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
	"github.com/padraicbc/docmigrate/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [tables...]",
	Short: "Compare the relational sink with the document store",
	Long:  "Compares row counts and a sample of documents column by column for every mapped table (or only the named ones). Exits non-zero when any table fails.",
	RunE:  runVerify,
}

var (
	verifySampleSize int
	verifyTolerance  float64
	verifyJunctions  bool
	verifySave       bool
)

func init() {
	verifyCmd.Flags().IntVarP(&verifySampleSize, "sample-size", "n", verify.DefaultSampleSize, "documents compared per table")
	verifyCmd.Flags().Float64Var(&verifyTolerance, "tolerance", verify.DefaultTolerance, "relative tolerance for float columns")
	verifyCmd.Flags().BoolVar(&verifyJunctions, "junctions", false, "recount junction rows from every document")
	verifyCmd.Flags().BoolVar(&verifySave, "save", false, "store the result in the bookkeeping tables")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f, err := mapping.LoadFile(cfg.MappingFile)
	if err != nil {
		return err
	}
	tables, err := f.Select(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	src, err := source.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(src)

	bdb, dialect, err := db.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer bdb.Close()

	res, err := verify.Verify(ctx, src, sink.New(bdb, dialect, logger), tables, verify.Options{
		SampleSize: verifySampleSize,
		Tolerance:  verifyTolerance,
		Junctions:  verifyJunctions,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	res.Print(cmd.OutOrStdout())

	if verifySave {
		if err := db.CreateTables(ctx, bdb, logger); err != nil {
			return err
		}
		saved, err := db.NewRepo(bdb).SaveVerification(ctx, res)
		if err != nil {
			return err
		}
		logger.Info("verification saved", zap.Int64("id", saved.ID))
	}

	if !res.Passed {
		return errors.New("verification failed")
	}
	return nil
}
