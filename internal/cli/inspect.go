package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

func newInspectCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show what a project archive needs before it can be imported",
		Long: `Inspect a project archive without decrypting it.

Reports the ETS format version and whether the project is password
protected or contains KNX Secure devices that need a keyring.

Examples:
  knxproj inspect house.knxproj
  knxproj inspect house.knxproj -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readProject(args[0])
			if err != nil {
				return userError(err)
			}

			features, err := knxproj.Detector{}.Detect(data)
			if err != nil {
				return userError(err)
			}

			return writeOutput(cmd.OutOrStdout(), g.output, inspectReport{
				File:     filepath.Base(args[0]),
				Size:     len(data),
				Features: features,
			})
		},
	}
}
