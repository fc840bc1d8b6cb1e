// Package cli provides the command-line interface for inspecting and
// importing KNX project archives.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/knximport/internal/importer"
	"github.com/JonMunkholm/knximport/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// globalOptions holds the persistent flags shared by all commands.
type globalOptions struct {
	output  string
	verbose bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "knxproj",
		Short: "Inspect and import KNX project archives",
		Long: `knxproj reads ETS project archives (.knxproj) and extracts their
group addresses and devices.

Password protected projects and projects with KNX Secure devices ask for
the project password, the keyring file and the keyring password, either
through flags or interactively.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q (use json or yaml)", opts.output)
			}

			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logger, _ := logging.New(cmd.ErrOrStderr(), level, "text", "")
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputJSON, "output format (json, yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newInspectCmd(opts))
	cmd.AddCommand(newImportCmd(opts))
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// readProject loads a project archive from disk.
func readProject(path string) ([]byte, error) {
	if !strings.EqualFold(filepath.Ext(path), ".knxproj") {
		return nil, fmt.Errorf("%w: %s (expected .knxproj)", importer.ErrUnsupportedFile, filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}
	if len(data) == 0 {
		return nil, importer.ErrEmptyFile
	}
	return data, nil
}

// userError replaces known failures with their user message. The technical
// error is logged at debug level.
func userError(err error) error {
	if err == nil || !importer.IsUserFacing(err) {
		return err
	}
	slog.Debug("command failed", "error", err)
	return errors.New(importer.FormatUserError(err))
}
