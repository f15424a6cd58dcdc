// Package cmd implements the modrun command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the modrun CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modrun",
		Short: "Modular plugin runtime",
		Long:  "modrun hosts pluggable modules, dispatches actions against target populations and exposes an HTTP admin surface.",
	}

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewCheckCommand())

	return rootCmd
}
