package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padraicbc/docmigrate/repair"
)

var repairCmd = &cobra.Command{
	Use:   "repair <in> <out>",
	Short: "Rewrite a malformed export file as a canonical Extended JSON array",
	Long:  "Rewrites mongo shell syntax (ObjectId(...), ISODate(...), NumberLong(...)), single quotes, trailing commas and comments, and writes one JSON array of documents.",
	Args:  cobra.ExactArgs(2),
	// repair needs no configuration
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	stats, err := repair.RepairFile(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"%s -> %s: %d fixes (shell calls %d, single quotes %d, trailing commas %d, comments %d, undefined %d)\n",
		args[0], args[1], stats.Total(),
		stats.ShellCalls, stats.SingleQuotes, stats.TrailingCommas, stats.Comments, stats.Undefined)
	return nil
}
