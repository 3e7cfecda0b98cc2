// Command docmigrate copies collections from MongoDB (or mongoexport files)
// into PostgreSQL or MySQL, driven by a declarative mapping file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/config"
	applog "github.com/padraicbc/docmigrate/logger"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	mappingFile string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:           "docmigrate",
	Short:         "Migrate document collections into a relational database",
	Long:          "docmigrate analyzes a document store, generates a relational mapping, loads every mapped collection into PostgreSQL or MySQL and verifies the result.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if cmd.Flags().Changed("mapping") {
			cfg.MappingFile = mappingFile
		}
		if debug {
			cfg.Debug = true
		}
		if logger, err = applog.NewConsole(cfg.Debug); err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&mappingFile, "mapping", "m", "", "mapping file (default MAPPING_FILE or mapping.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging and SQL query logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
