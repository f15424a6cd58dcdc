package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datadeck/modrun"
)

// NewCheckCommand builds the check subcommand, which validates a
// module manifest file without loading anything.
func NewCheckCommand() *cobra.Command {
	var coreVersion string

	checkCmd := &cobra.Command{
		Use:   "check <manifest-file>",
		Short: "Validate a module manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			manifest, err := modrun.LoadManifestFile(args[0])
			if err != nil {
				return err
			}
			if err := manifest.Validate(); err != nil {
				return err
			}
			if err := manifest.CompatibleWith(coreVersion); err != nil {
				return err
			}
			fmt.Fprintf(cobraCmd.OutOrStdout(), "%s %s: OK (type %s)\n",
				manifest.Name, manifest.Version, manifest.ModuleType)
			return nil
		},
	}

	checkCmd.Flags().StringVar(&coreVersion, "core-version", "1.0.0", "core version to check compatibility against")
	return checkCmd
}
