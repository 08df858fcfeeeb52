package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/config"
	"github.com/lucasnoah/matrixci/internal/log"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// settings is loaded once per invocation before any subcommand runs.
var settings *config.Settings

var rootCmd = &cobra.Command{
	Use:   "matrixci",
	Short: "matrixci: a staged CI pipeline runner",
	Long: `matrixci runs the jobs of a pipeline file stage by stage. Jobs of a stage
run in parallel; a stage starts only after every job of the previous stage
passed.

Run records and job logs are stored in ~/.matrixci/ (JSON per run, SQLite for
history). Settings are read from MATRIXCI_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings(cmd.Context())
		if err != nil {
			return err
		}
		settings = s
		l := log.NewWithLevel(cmd.ErrOrStderr(), "matrixci", s.LogLevel)
		cmd.SetContext(log.IntoContext(cmd.Context(), l))
		return nil
	},
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(statsCmd)
}
