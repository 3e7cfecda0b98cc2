package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
)

var ddlCmd = &cobra.Command{
	Use:   "ddl [tables...]",
	Short: "Print the CREATE statements for the mapping file",
	RunE:  runDDL,
}

var (
	ddlDialect string
	ddlNoFK    bool
)

func init() {
	ddlCmd.Flags().StringVar(&ddlDialect, "dialect", "", "postgres or mysql (default SINK_DRIVER)")
	ddlCmd.Flags().BoolVar(&ddlNoFK, "no-fk", false, "omit foreign key constraints")

	rootCmd.AddCommand(ddlCmd)
}

func runDDL(cmd *cobra.Command, args []string) error {
	dialect, err := sink.DialectFor(pickString(ddlDialect, cfg.SinkDriver))
	if err != nil {
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
	// dependency order, so the script runs top to bottom
	layers, err := mapping.Order(tables)
	if err != nil {
		return err
	}
	var ordered []mapping.Table
	for _, layer := range layers {
		ordered = append(ordered, layer...)
	}

	fmt.Fprint(cmd.OutOrStdout(), joinStatements(sink.DDL(dialect, ordered, f.Tables, !ddlNoFK)))
	return nil
}
